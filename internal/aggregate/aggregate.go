package aggregate

import (
	"math/big"
	"sort"

	"github.com/yourorg/crossyield-keeper/internal/model"
)

// Spread berechnet beste, schlechteste, mediane und durchschnittliche Rate über alle Beobachtungen.
// Gibt nil zurück, wenn keine gültige Beobachtung vorliegt.
func Spread(observations []model.YieldObservation) *model.YieldSpread {
	valid := validObservations(observations)
	if len(valid) == 0 {
		return nil
	}

	best, worst := valid[0], valid[0]
	for _, o := range valid[1:] {
		// bei Gleichstand gewinnt die zuerst konfigurierte Chain
		if o.SupplyRate.Cmp(best.SupplyRate) > 0 {
			best = o
		}
		if o.SupplyRate.Cmp(worst.SupplyRate) < 0 {
			worst = o
		}
	}

	return &model.YieldSpread{
		BestChain:  best.ChainName,
		BestRate:   new(big.Int).Set(best.SupplyRate),
		WorstChain: worst.ChainName,
		WorstRate:  new(big.Int).Set(worst.SupplyRate),
		Spread:     new(big.Int).Sub(best.SupplyRate, worst.SupplyRate),
		MedianRate:  Median(valid),
		AverageRate: Average(valid),
	}
}

// Median berechnet den Median der Supply-Raten, robust gegen einzelne Ausreißer.
// Bei gerader Anzahl wird der Mittelwert der beiden mittleren Werte abgerundet.
func Median(observations []model.YieldObservation) *big.Int {
	sorted := rates(validObservations(observations))
	if len(sorted) == 0 {
		return new(big.Int)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	n := len(sorted)

	if n%2 == 0 {
		sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
		return sum.Quo(sum, big.NewInt(2))
	}
	return new(big.Int).Set(sorted[n/2])
}

// Average berechnet den ungewichteten Durchschnitt der Supply-Raten (abgerundet)
func Average(observations []model.YieldObservation) *big.Int {
	valid := validObservations(observations)
	if len(valid) == 0 {
		return new(big.Int)
	}

	total := new(big.Int)
	for _, o := range valid {
		total.Add(total, o.SupplyRate)
	}
	return total.Quo(total, big.NewInt(int64(len(valid))))
}

func validObservations(observations []model.YieldObservation) []model.YieldObservation {
	valid := make([]model.YieldObservation, 0, len(observations))
	for _, o := range observations {
		if o.SupplyRate != nil && o.SupplyRate.Sign() >= 0 {
			valid = append(valid, o)
		}
	}
	return valid
}

func rates(observations []model.YieldObservation) []*big.Int {
	out := make([]*big.Int, 0, len(observations))
	for _, o := range observations {
		out = append(out, o.SupplyRate)
	}
	return out
}
