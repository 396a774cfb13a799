package fetch

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/types"
	"golang.org/x/sync/errgroup"
)

// Result is the per-chain outcome of a fetch: exactly one of Observation or Err is set.
type Result struct {
	Chain       string
	Observation model.YieldObservation
	Err         error
}

// OK reports whether the chain contributed an observation
func (r Result) OK() bool {
	return r.Err == nil
}

// FetchAll queries every chain in parallel (at most maxParallel at a time) and returns
// one Result per chain, in the order of chains. A failing chain never affects another.
func FetchAll(ctx context.Context, f Fetcher, chains []types.ChainConfig, maxParallel int, logger logrus.FieldLogger) []Result {
	results := make([]Result, len(chains))

	g := new(errgroup.Group)
	if maxParallel > 0 {
		g.SetLimit(maxParallel)
	}

	for i, chain := range chains {
		i, chain := i, chain
		g.Go(func() error {
			obs, err := f.Fetch(ctx, chain)
			if err != nil {
				results[i] = Result{Chain: chain.Name, Err: fetchFailed(chain.Name, err)}
				return nil
			}
			results[i] = Result{Chain: chain.Name, Observation: obs}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
			logger.WithField("chain", r.Chain).WithError(r.Err).Warn("Failed to fetch yield")
		}
	}
	logger.Infof("Fetched yield from %d/%d chains", len(chains)-failed, len(chains))

	return results
}

// Observations returns the successful observations, preserving order
func Observations(results []Result) []model.YieldObservation {
	out := make([]model.YieldObservation, 0, len(results))
	for _, r := range results {
		if r.OK() {
			out = append(out, r.Observation)
		}
	}
	return out
}
