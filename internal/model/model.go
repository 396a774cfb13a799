// Package model defines the core data structures for the crossyield keeper.
package model

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// RateDecimals is the fixed-point scale of supply rates (1e18 = 100%).
const RateDecimals = 18

// percentExponent converts a raw rate into percent: rate * 10^-16.
const percentExponent = -(RateDecimals - 2)

// YieldObservation is a point-in-time supply rate reading from one chain.
// It lives for a single cycle and is never persisted.
type YieldObservation struct {
	ChainName          string         `json:"chain"`
	ChainSelector      uint64         `json:"chainSelector"`
	SupplyRate         *big.Int       `json:"supplyRate"`
	SourceVaultAddress common.Address `json:"vault"`
}

// APYPercent returns the supply rate as an exact percentage, e.g. 7.84 for 7.84%.
func (o YieldObservation) APYPercent() decimal.Decimal {
	return RatePercent(o.SupplyRate)
}

// RatePercent converts a 1e18-scaled rate into percent.
func RatePercent(rate *big.Int) decimal.Decimal {
	if rate == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rate, percentExponent)
}

// FormatAPY renders a raw rate as a percent string without trailing zeros, e.g. "7.84%".
func FormatAPY(rate *big.Int) string {
	return RatePercent(rate).String() + "%"
}

// ReportKind distinguishes the two report types the keeper writes.
type ReportKind string

const (
	ReportKindYield ReportKind = "yield"
	ReportKindPause ReportKind = "pause"
)

// TxStatus is the definitive status of one write attempt.
type TxStatus string

const (
	// TxStatusSuccess means the transaction was mined and did not revert
	TxStatusSuccess TxStatus = "success"
	// TxStatusReverted means the transaction was mined but reverted
	TxStatusReverted TxStatus = "reverted"
	// TxStatusFatal means no transaction outcome exists (signing, transport or timeout failure)
	TxStatusFatal TxStatus = "fatal"
	// TxStatusSkipped means the write was never started because the cycle deadline passed
	TxStatusSkipped TxStatus = "skipped"
)

// WriteOutcome is the result of one (source, destination) report write.
// SourceChain is empty for pause writes, which carry no source observation.
type WriteOutcome struct {
	SourceChain string      `json:"sourceChain,omitempty"`
	DestChain   string      `json:"destChain"`
	Kind        ReportKind  `json:"kind"`
	TxStatus    TxStatus    `json:"txStatus"`
	TxHash      common.Hash `json:"txHash,omitempty"`
	Err         error       `json:"-"`
}

// Succeeded reports whether the write landed on chain without reverting
func (w WriteOutcome) Succeeded() bool {
	return w.TxStatus == TxStatusSuccess && w.Err == nil
}

// MarshalJSON adds the error message, which encoding/json cannot render from an error value.
func (w WriteOutcome) MarshalJSON() ([]byte, error) {
	type alias WriteOutcome
	out := struct {
		alias
		TxHash string `json:"txHash,omitempty"`
		Error  string `json:"error,omitempty"`
	}{alias: alias(w)}
	if w.TxHash != (common.Hash{}) {
		out.TxHash = w.TxHash.Hex()
	}
	if w.Err != nil {
		out.Error = w.Err.Error()
	}
	return json.Marshal(out)
}

// ErrNotBroadcast marks a write that failed before any transaction reached the network.
// Only such writes may be retried without risking a duplicate on-chain effect.
var ErrNotBroadcast = errors.New("transaction not broadcast")

// ErrCycleDeadline is recorded on matrix entries that were never started because the
// cycle deadline had passed.
var ErrCycleDeadline = errors.New("cycle deadline exceeded")

// Trigger is one invocation request from the scheduler.
type Trigger struct {
	// ScheduledTime is the execution time the scheduler assigned to this cycle
	ScheduledTime time.Time
	// Source names what fired the cycle, e.g. "cron" or "manual"
	Source string
}

// CycleStatus is the terminal outcome of one cycle.
type CycleStatus string

const (
	CycleStatusSuccess CycleStatus = "success"
	CycleStatusPaused  CycleStatus = "paused"
	CycleStatusAborted CycleStatus = "aborted"
)

// ReasonAnomalyDetected is the summary reason attached to paused cycles
const ReasonAnomalyDetected = "anomaly_detected"

// ReasonNoData is the summary reason attached to aborted cycles
const ReasonNoData = "no_yield_data"

// YieldSpread describes the gap between the best and worst observed rate.
type YieldSpread struct {
	BestChain  string   `json:"bestChain"`
	BestRate   *big.Int `json:"bestRate"`
	WorstChain string   `json:"worstChain"`
	WorstRate  *big.Int `json:"worstRate"`
	Spread     *big.Int `json:"spread"`
	MedianRate  *big.Int `json:"medianRate"`
	AverageRate *big.Int `json:"averageRate"`
}

// CycleResult is the single output of one orchestrator invocation.
type CycleResult struct {
	CycleID       string             `json:"cycleId"`
	Status        CycleStatus        `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	ChainsUpdated int                `json:"chainsUpdated"`
	Observations  []YieldObservation `json:"observations"`
	Writes        []WriteOutcome     `json:"writes,omitempty"`
	Spread        *YieldSpread       `json:"spread,omitempty"`
}

// FailedWrites counts writes that did not succeed
func (r CycleResult) FailedWrites() int {
	failed := 0
	for _, w := range r.Writes {
		if !w.Succeeded() {
			failed++
		}
	}
	return failed
}

// YieldRate is one entry of the summary's per-chain rate list
type YieldRate struct {
	Chain      string `json:"chain"`
	APY        string `json:"apy"`
	SupplyRate string `json:"supplyRate"`
}

// SpreadSummary is the human readable form of YieldSpread
type SpreadSummary struct {
	BestChain  string `json:"bestChain"`
	BestAPY    string `json:"bestApy"`
	WorstChain string `json:"worstChain"`
	WorstAPY   string `json:"worstApy"`
	Spread     string `json:"spread"`
	MedianAPY  string `json:"medianApy"`
	AverageAPY string `json:"averageApy"`
}

// Summary is the JSON document handed back to the scheduler and the log sink
type Summary struct {
	CycleID       string         `json:"cycleId"`
	Status        CycleStatus    `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Timestamp     string         `json:"timestamp"`
	ChainsUpdated int            `json:"chainsUpdated"`
	YieldRates    []YieldRate    `json:"yieldRates"`
	WritesTotal   int            `json:"writesTotal"`
	WritesFailed  int            `json:"writesFailed"`
	Spread        *SpreadSummary `json:"spread,omitempty"`
}

// Summary builds the JSON-friendly summary. Rates are rendered as strings so that
// 256-bit values survive any JSON consumer.
func (r CycleResult) Summary() Summary {
	s := Summary{
		CycleID:       r.CycleID,
		Status:        r.Status,
		Reason:        r.Reason,
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339),
		ChainsUpdated: r.ChainsUpdated,
		YieldRates:    make([]YieldRate, 0, len(r.Observations)),
		WritesTotal:   len(r.Writes),
		WritesFailed:  r.FailedWrites(),
	}
	for _, o := range r.Observations {
		s.YieldRates = append(s.YieldRates, YieldRate{
			Chain:      o.ChainName,
			APY:        FormatAPY(o.SupplyRate),
			SupplyRate: o.SupplyRate.String(),
		})
	}
	if r.Spread != nil {
		s.Spread = &SpreadSummary{
			BestChain:  r.Spread.BestChain,
			BestAPY:    FormatAPY(r.Spread.BestRate),
			WorstChain: r.Spread.WorstChain,
			WorstAPY:   FormatAPY(r.Spread.WorstRate),
			Spread:     FormatAPY(r.Spread.Spread),
			MedianAPY:  FormatAPY(r.Spread.MedianRate),
			AverageAPY: FormatAPY(r.Spread.AverageRate),
		}
	}
	return s
}

// SummaryJSON renders the summary as indented JSON
func (r CycleResult) SummaryJSON() ([]byte, error) {
	return json.MarshalIndent(r.Summary(), "", "  ")
}
