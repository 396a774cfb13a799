// Package anomaly decides whether a set of yield observations is safe to publish.
package anomaly

import (
	"math/big"

	"github.com/yourorg/crossyield-keeper/internal/model"
)

// DefaultCeiling is 50% APY in 1e18 fixed point. A rate equal to the ceiling is not anomalous.
var DefaultCeiling = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))

// Detector flags any observation whose supply rate is strictly above the ceiling.
// A single implausible reading is treated as systemic and pauses every chain.
type Detector struct {
	ceiling *big.Int
}

// NewDetector creates a detector. A nil ceiling selects DefaultCeiling.
func NewDetector(ceiling *big.Int) *Detector {
	if ceiling == nil {
		ceiling = DefaultCeiling
	}
	return &Detector{ceiling: new(big.Int).Set(ceiling)}
}

// Ceiling returns a copy of the configured ceiling
func (d *Detector) Ceiling() *big.Int {
	return new(big.Int).Set(d.ceiling)
}

// Detect reports whether any observation is anomalous
func (d *Detector) Detect(observations []model.YieldObservation) bool {
	_, found := d.Check(observations)
	return found
}

// Check returns the first anomalous observation, if any
func (d *Detector) Check(observations []model.YieldObservation) (model.YieldObservation, bool) {
	for _, obs := range observations {
		if d.IsAnomalous(obs.SupplyRate) {
			return obs, true
		}
	}
	return model.YieldObservation{}, false
}

// IsAnomalous applies the ceiling to a single rate. Nil rates never make it out of the
// fetcher, so a nil here is treated as zero.
func (d *Detector) IsAnomalous(rate *big.Int) bool {
	if rate == nil {
		return false
	}
	return rate.Cmp(d.ceiling) > 0
}

// Detect runs the default policy
func Detect(observations []model.YieldObservation) bool {
	return NewDetector(nil).Detect(observations)
}
