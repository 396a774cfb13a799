// Package circuitbreaker broadcasts the pause directive to every monitored chain when
// the observed yields are not safe to publish.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/pipeline"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
	"golang.org/x/sync/errgroup"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed State = iota // Normal operation
	StateOpen                // A pause broadcast has been issued and not yet acknowledged
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// MarshalText renders the state by name in JSON responses
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trip records one pause broadcast
type Trip struct {
	Reason   string               `json:"reason"`
	At       time.Time            `json:"at"`
	Outcomes []model.WriteOutcome `json:"outcomes"`
}

// Paused counts chains whose pause transaction succeeded
func (t Trip) Paused() int {
	n := 0
	for _, o := range t.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// CircuitBreaker issues best-effort pause broadcasts. The on-chain pause is what stops
// the vaults; the state here only tells operators a pause went out until someone resets it.
type CircuitBreaker struct {
	pipeline    pipeline.ReportPipeline
	logger      logrus.FieldLogger
	maxParallel int

	mu       sync.RWMutex
	state    State
	lastTrip *Trip
	trips    int

	onTripCallback func(trip Trip)
}

// New creates a closed circuit breaker
func New(p pipeline.ReportPipeline, logger logrus.FieldLogger) *CircuitBreaker {
	return &CircuitBreaker{
		pipeline:    p,
		logger:      logger,
		maxParallel: 8,
		state:       StateClosed,
	}
}

// WithMaxParallel bounds the number of concurrent pause writes
func (cb *CircuitBreaker) WithMaxParallel(n int) *CircuitBreaker {
	cb.maxParallel = n
	return cb
}

// WithTripCallback sets a callback invoked after every pause broadcast, before PauseAll
// returns. It must not block.
func (cb *CircuitBreaker) WithTripCallback(callback func(trip Trip)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// PauseAll builds and submits an independent pause report for every chain. It keeps
// going past individual failures and returns one outcome per chain, in chain order.
// Callers must not assume every chain ended up paused.
func (cb *CircuitBreaker) PauseAll(ctx context.Context, chains []types.ChainConfig) []model.WriteOutcome {
	return cb.PauseAllWithReason(ctx, chains, model.ReasonAnomalyDetected)
}

// PauseAllWithReason is PauseAll with an explicit trip reason
func (cb *CircuitBreaker) PauseAllWithReason(ctx context.Context, chains []types.ChainConfig, reason string) []model.WriteOutcome {
	cb.logger.WithFields(logrus.Fields{
		"reason": reason,
		"chains": len(chains),
	}).Warn("Circuit breaker tripped, broadcasting pause")

	outcomes := make([]model.WriteOutcome, len(chains))

	g := new(errgroup.Group)
	if cb.maxParallel > 0 {
		g.SetLimit(cb.maxParallel)
	}
	for i, chain := range chains {
		i, chain := i, chain
		g.Go(func() error {
			outcomes[i] = pipeline.Deliver(ctx, cb.pipeline, chain, report.PauseRequest())
			return nil
		})
	}
	_ = g.Wait()

	trip := Trip{Reason: reason, At: time.Now().UTC(), Outcomes: outcomes}
	cb.trip(trip)

	cb.logger.WithFields(logrus.Fields{
		"paused": trip.Paused(),
		"chains": len(chains),
	}).Warn("Pause broadcast finished")

	return outcomes
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// LastTrip returns the most recent pause broadcast, if any
func (cb *CircuitBreaker) LastTrip() (Trip, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.lastTrip == nil {
		return Trip{}, false
	}
	t := *cb.lastTrip
	t.Outcomes = append([]model.WriteOutcome(nil), cb.lastTrip.Outcomes...)
	return t, true
}

// Trips returns how many pause broadcasts were issued since start
func (cb *CircuitBreaker) Trips() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.trips
}

// Reset acknowledges the last trip and closes the breaker. It does not unpause any vault.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.logger.Info("Circuit breaker manually reset to closed state")
}

func (cb *CircuitBreaker) trip(t Trip) {
	cb.mu.Lock()
	cb.state = StateOpen
	cb.lastTrip = &t
	cb.trips++
	callback := cb.onTripCallback
	cb.mu.Unlock()

	if callback != nil {
		callback(t)
	}
}
