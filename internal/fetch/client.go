// Package fetch reads the current lending-market supply rate from every monitored chain.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

// Fetcher reads one chain's yield observation
type Fetcher interface {
	Fetch(ctx context.Context, chain types.ChainConfig) (model.YieldObservation, error)
}

// FetchFailedError is the single failure shape of a fetch: the chain contributes
// nothing this cycle. Cause carries the transport, decode or revert error.
type FetchFailedError struct {
	Chain string
	Cause error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed for %s: %v", e.Chain, e.Cause)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Cause
}

func fetchFailed(chain string, cause error) error {
	var already *FetchFailedError
	if errors.As(cause, &already) {
		return cause
	}
	return &FetchFailedError{Chain: chain, Cause: cause}
}

// IsTransient reports whether a read failure is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, token := range terminalMessageTokens {
		if strings.Contains(lower, token) {
			return false
		}
	}
	for _, token := range transientMessageTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"header not found",
}

var terminalMessageTokens = []string{
	"execution reverted",
	"invalid argument",
	"invalid params",
	"method not found",
	"abi:",
	"unexpected call output",
}

// RetryingFetcher retries transient failures of an inner fetcher with exponential backoff
type RetryingFetcher struct {
	inner      Fetcher
	maxRetries uint64
	initial    time.Duration
}

// NewRetryingFetcher wraps a fetcher. maxRetries of zero disables retrying.
func NewRetryingFetcher(inner Fetcher, maxRetries int) *RetryingFetcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingFetcher{
		inner:      inner,
		maxRetries: uint64(maxRetries),
		initial:    500 * time.Millisecond,
	}
}

// WithInitialInterval sets the first backoff interval
func (f *RetryingFetcher) WithInitialInterval(d time.Duration) *RetryingFetcher {
	f.initial = d
	return f
}

// Fetch implements Fetcher
func (f *RetryingFetcher) Fetch(ctx context.Context, chain types.ChainConfig) (model.YieldObservation, error) {
	var obs model.YieldObservation

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.initial
	policy.MaxElapsedTime = 0

	op := func() error {
		var err error
		obs, err = f.inner.Fetch(ctx, chain)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, f.maxRetries), ctx))
	if err != nil {
		return model.YieldObservation{}, fetchFailed(chain.Name, err)
	}
	return obs, nil
}
