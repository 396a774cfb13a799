// Package workflow runs one keeper cycle: fetch every chain's supply rate, check it
// against the anomaly ceiling, then either pause every chain or broadcast every rate to
// every chain.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/aggregate"
	"github.com/yourorg/crossyield-keeper/internal/anomaly"
	"github.com/yourorg/crossyield-keeper/internal/circuitbreaker"
	"github.com/yourorg/crossyield-keeper/internal/fetch"
	"github.com/yourorg/crossyield-keeper/internal/metrics"
	"github.com/yourorg/crossyield-keeper/internal/model"
	kotel "github.com/yourorg/crossyield-keeper/internal/otel"
	"github.com/yourorg/crossyield-keeper/internal/pipeline"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrMissingScheduledTime means the trigger cannot start a cycle
	ErrMissingScheduledTime = errors.New("trigger has no scheduled execution time")
	// ErrNoObservations means every fetch failed and the cycle was aborted without writes
	ErrNoObservations = errors.New("no yield observations collected")
)

// State is a cycle state. A cycle only moves forward.
type State string

const (
	StateStart      State = "START"
	StateFetching   State = "FETCHING"
	StateAborted    State = "ABORTED"
	StateEvaluating State = "EVALUATING"
	StatePausing    State = "PAUSING"
	StatePaused     State = "PAUSED"
	StateWriting    State = "WRITING"
	StateDone       State = "DONE"
)

// ChainSource lists the monitored chains in configured order
type ChainSource interface {
	Chains() []types.ChainConfig
}

// Options tunes one cycle
type Options struct {
	// CycleTimeout stops new matrix entries from starting once it expires. Zero disables it.
	CycleTimeout time.Duration
	// MaxParallelism bounds concurrent fetches and writes
	MaxParallelism int
	// SkipSelfWrites drops the entries where source and destination are the same chain
	SkipSelfWrites bool
	// WriteRetries retries writes that failed before broadcast
	WriteRetries       int
	WriteRetryInterval time.Duration
}

// Orchestrator implements the scheduler's handler for one keeper cycle
type Orchestrator struct {
	chains   ChainSource
	fetcher  fetch.Fetcher
	detector *anomaly.Detector
	pipeline pipeline.ReportPipeline
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   logrus.FieldLogger
	opts     Options

	now      func() time.Time
	newID    func() string
	observer func(cycleID string, state State)

	mu   sync.RWMutex
	last *model.CycleResult
}

// New creates an orchestrator with the default anomaly detector and the global tracer
func New(chains ChainSource, fetcher fetch.Fetcher, p pipeline.ReportPipeline, breaker *circuitbreaker.CircuitBreaker, logger logrus.FieldLogger, opts Options) *Orchestrator {
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 8
	}
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	if opts.WriteRetryInterval <= 0 {
		opts.WriteRetryInterval = time.Second
	}
	return &Orchestrator{
		chains:   chains,
		fetcher:  fetcher,
		detector: anomaly.NewDetector(nil),
		pipeline: p,
		breaker:  breaker,
		tracer:   kotel.Tracer(),
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithDetector replaces the anomaly detector
func (o *Orchestrator) WithDetector(d *anomaly.Detector) *Orchestrator {
	o.detector = d
	return o
}

// WithMetrics enables Prometheus recording
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer replaces the tracer
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithClock replaces the wall clock
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithStateObserver registers a callback invoked on every state transition
func (o *Orchestrator) WithStateObserver(fn func(cycleID string, state State)) *Orchestrator {
	o.observer = fn
	return o
}

// LastResult returns the result of the most recent cycle
func (o *Orchestrator) LastResult() (model.CycleResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return model.CycleResult{}, false
	}
	return *o.last, true
}

// Handle runs one cycle. It returns an error only for an invalid trigger or when no
// chain produced an observation; every partial failure is reported inside the result.
func (o *Orchestrator) Handle(ctx context.Context, trig model.Trigger) (model.CycleResult, error) {
	if trig.ScheduledTime.IsZero() {
		return model.CycleResult{}, ErrMissingScheduledTime
	}

	started := o.now()
	cycleID := o.newID()
	chains := o.chains.Chains()
	logger := o.logger.WithFields(logrus.Fields{
		"cycle_id":     cycleID,
		"scheduled_at": trig.ScheduledTime.UTC().Format(time.RFC3339),
		"trigger":      trig.Source,
	})

	ctx, span := o.tracer.Start(ctx, "keeper.cycle", trace.WithAttributes(kotel.CycleAttributes(cycleID, trig.Source, len(chains))...))
	defer span.End()

	cycleCtx := ctx
	if o.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, o.opts.CycleTimeout)
		defer cancel()
	}

	result := model.CycleResult{
		CycleID:   cycleID,
		Timestamp: trig.ScheduledTime.UTC(),
	}
	o.enter(logger, cycleID, StateStart)

	o.enter(logger, cycleID, StateFetching)
	observations := o.fetchAll(cycleCtx, logger, chains)
	result.Observations = observations

	if len(observations) == 0 {
		o.enter(logger, cycleID, StateAborted)
		result.Status = model.CycleStatusAborted
		result.Reason = model.ReasonNoData
		err := fmt.Errorf("%w: all %d chains failed", ErrNoObservations, len(chains))
		kotel.RecordError(ctx, err)
		o.finish(logger, result, started)
		return result, err
	}

	o.enter(logger, cycleID, StateEvaluating)
	if offender, anomalous := o.detector.Check(observations); anomalous {
		logger.WithFields(logrus.Fields{
			"chain":       offender.ChainName,
			"supply_rate": offender.SupplyRate.String(),
			"apy":         model.FormatAPY(offender.SupplyRate),
			"ceiling":     model.FormatAPY(o.detector.Ceiling()),
		}).Warn("Anomalous supply rate, pausing every chain")

		o.enter(logger, cycleID, StatePausing)
		pauseCtx, pauseSpan := o.tracer.Start(context.WithoutCancel(cycleCtx), "keeper.pause")
		result.Writes = o.breaker.PauseAllWithReason(pauseCtx, chains, model.ReasonAnomalyDetected)
		pauseSpan.End()

		o.enter(logger, cycleID, StatePaused)
		result.Status = model.CycleStatusPaused
		result.Reason = model.ReasonAnomalyDetected
		o.metrics.SetBreakerOpen(o.breaker.GetState() == circuitbreaker.StateOpen)
		o.finish(logger, result, started)
		return result, nil
	}

	o.enter(logger, cycleID, StateWriting)
	writeCtx, writeSpan := o.tracer.Start(cycleCtx, "keeper.broadcast")
	result.Writes = o.broadcast(writeCtx, logger, chains, observations)
	writeSpan.SetAttributes(attribute.Int("writes", len(result.Writes)))
	writeSpan.End()

	o.enter(logger, cycleID, StateDone)
	result.Status = model.CycleStatusSuccess
	result.ChainsUpdated = len(observations)
	result.Spread = aggregate.Spread(observations)
	o.finish(logger, result, started)
	return result, nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, logger logrus.FieldLogger, chains []types.ChainConfig) []model.YieldObservation {
	ctx, span := o.tracer.Start(ctx, "keeper.fetch")
	defer span.End()

	results := fetch.FetchAll(ctx, o.fetcher, chains, o.opts.MaxParallelism, logger)
	for _, r := range results {
		if r.OK() {
			obs := r.Observation
			o.metrics.ObserveFetch(r.Chain, &obs)
		} else {
			o.metrics.ObserveFetch(r.Chain, nil)
		}
	}

	observations := fetch.Observations(results)
	span.SetAttributes(attribute.Int("observations", len(observations)))
	return observations
}

type matrixEntry struct {
	source model.YieldObservation
	dest   types.ChainConfig
}

// broadcast writes every observation to every chain. Entries not yet started when ctx
// expires are recorded as skipped; started ones run to completion on a detached context.
func (o *Orchestrator) broadcast(ctx context.Context, logger logrus.FieldLogger, chains []types.ChainConfig, observations []model.YieldObservation) []model.WriteOutcome {
	entries := make([]matrixEntry, 0, len(chains)*len(observations))
	for _, obs := range observations {
		for _, dest := range chains {
			if o.opts.SkipSelfWrites && dest.Name == obs.ChainName {
				continue
			}
			entries = append(entries, matrixEntry{source: obs, dest: dest})
		}
	}

	writes := make([]model.WriteOutcome, len(entries))
	inflight := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(o.opts.MaxParallelism)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if ctx.Err() != nil {
				writes[i] = model.WriteOutcome{
					SourceChain: e.source.ChainName,
					DestChain:   e.dest.Name,
					Kind:        model.ReportKindYield,
					TxStatus:    model.TxStatusSkipped,
					Err:         model.ErrCycleDeadline,
				}
				return nil
			}
			writes[i] = o.write(inflight, ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range writes {
		if w.Succeeded() {
			continue
		}
		logger.WithFields(logrus.Fields{
			"source":    w.SourceChain,
			"dest":      w.DestChain,
			"tx_status": w.TxStatus,
		}).WithError(w.Err).Warn("Report write failed")
	}
	return writes
}

// write delivers one matrix entry. Only failures that happened before broadcast are
// retried, and only while the cycle deadline has not passed.
func (o *Orchestrator) write(ctx, cycleCtx context.Context, e matrixEntry) model.WriteOutcome {
	var out model.WriteOutcome
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(o.opts.WriteRetryInterval), uint64(o.opts.WriteRetries))

	_ = backoff.Retry(func() error {
		out = pipeline.Deliver(ctx, o.pipeline, e.dest, report.YieldRequest(e.source))
		if out.Succeeded() {
			return nil
		}
		if errors.Is(out.Err, model.ErrNotBroadcast) && cycleCtx.Err() == nil {
			return out.Err
		}
		return backoff.Permanent(out.Err)
	}, policy)

	return out
}

func (o *Orchestrator) enter(logger logrus.FieldLogger, cycleID string, state State) {
	logger.WithField("state", state).Debug("Cycle state transition")
	if o.observer != nil {
		o.observer(cycleID, state)
	}
}

func (o *Orchestrator) finish(logger logrus.FieldLogger, result model.CycleResult, started time.Time) {
	o.metrics.ObserveWrites(result.Writes)
	o.metrics.ObserveCycle(result, o.now().Sub(started))

	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()

	entry := logger.WithFields(logrus.Fields{
		"status":         result.Status,
		"chains_updated": result.ChainsUpdated,
		"observations":   len(result.Observations),
		"writes":         len(result.Writes),
		"writes_failed":  result.FailedWrites(),
		"duration":       o.now().Sub(started).String(),
	})
	if result.Reason != "" {
		entry = entry.WithField("reason", result.Reason)
	}
	if result.Status == model.CycleStatusAborted {
		entry.Error("Cycle aborted")
		return
	}
	entry.Info("Cycle finished")
}
