package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

type fakeCaller struct {
	evm.Backend
	out   []byte
	err   error
	block *big.Int
	to    common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.block = block
	if msg.To != nil {
		f.to = *msg.To
	}
	return f.out, f.err
}

type fakeSource map[string]evm.Backend

func (s fakeSource) Get(chain string) (evm.Backend, error) {
	b, ok := s[chain]
	if !ok {
		return nil, fmt.Errorf("no backend for chain %s", chain)
	}
	return b, nil
}

func testChain(name string, selector uint64) types.ChainConfig {
	return types.ChainConfig{
		Name:               name,
		Selector:           selector,
		VaultAddress:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ConsumerAddress:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		YieldSourceAddress: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		GasLimit:           500000,
	}
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestEVMYieldFetcher_Fetch(t *testing.T) {
	rate := big.NewInt(78400000000000000)
	out, err := contracts.PackUint256Output(rate)
	require.NoError(t, err)

	caller := &fakeCaller{out: out}
	f := NewEVMYieldFetcher(fakeSource{"arbitrum": caller}, quietLogger())

	chain := testChain("arbitrum", 4949039107694359620)
	obs, err := f.Fetch(context.Background(), chain)
	require.NoError(t, err)

	assert.Equal(t, "arbitrum", obs.ChainName)
	assert.Equal(t, chain.Selector, obs.ChainSelector)
	assert.Equal(t, 0, rate.Cmp(obs.SupplyRate))
	assert.Equal(t, chain.VaultAddress, obs.SourceVaultAddress)
	assert.Equal(t, chain.YieldSourceAddress, caller.to)
	assert.Equal(t, 0, evm.FinalizedBlock.Cmp(caller.block), "reads must target the finalized block")
}

func TestEVMYieldFetcher_Failures(t *testing.T) {
	tests := []struct {
		name   string
		source fakeSource
	}{
		{
			name:   "no backend",
			source: fakeSource{},
		},
		{
			name:   "call reverted",
			source: fakeSource{"arbitrum": &fakeCaller{err: errors.New("execution reverted")}},
		},
		{
			name:   "malformed output",
			source: fakeSource{"arbitrum": &fakeCaller{out: []byte{0x01, 0x02}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewEVMYieldFetcher(tt.source, quietLogger())
			_, err := f.Fetch(context.Background(), testChain("arbitrum", 1))
			require.Error(t, err)

			var fetchErr *FetchFailedError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, "arbitrum", fetchErr.Chain)
			assert.NotNil(t, fetchErr.Cause)
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"gateway", errors.New("502 Bad Gateway"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"revert", errors.New("execution reverted"), false},
		{"decode", errors.New("abi: attempting to unmarshall an empty string"), false},
		{"wrapped transient", &FetchFailedError{Chain: "base", Cause: errors.New("i/o timeout")}, true},
		{"unknown", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

type scriptedFetcher struct {
	calls atomic.Int32
	errs  []error
	obs   model.YieldObservation
}

func (s *scriptedFetcher) Fetch(_ context.Context, _ types.ChainConfig) (model.YieldObservation, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return model.YieldObservation{}, s.errs[n]
	}
	return s.obs, nil
}

func TestRetryingFetcher(t *testing.T) {
	obs := model.YieldObservation{ChainName: "base", SupplyRate: big.NewInt(1)}

	t.Run("recovers from transient error", func(t *testing.T) {
		inner := &scriptedFetcher{errs: []error{errors.New("503 Service Unavailable")}, obs: obs}
		f := NewRetryingFetcher(inner, 2).WithInitialInterval(time.Millisecond)

		got, err := f.Fetch(context.Background(), testChain("base", 2))
		require.NoError(t, err)
		assert.Equal(t, "base", got.ChainName)
		assert.Equal(t, int32(2), inner.calls.Load())
	})

	t.Run("does not retry terminal error", func(t *testing.T) {
		inner := &scriptedFetcher{errs: []error{errors.New("execution reverted")}, obs: obs}
		f := NewRetryingFetcher(inner, 3).WithInitialInterval(time.Millisecond)

		_, err := f.Fetch(context.Background(), testChain("base", 2))
		require.Error(t, err)
		assert.Equal(t, int32(1), inner.calls.Load())

		var fetchErr *FetchFailedError
		assert.ErrorAs(t, err, &fetchErr)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		transient := errors.New("i/o timeout")
		inner := &scriptedFetcher{errs: []error{transient, transient, transient, transient}, obs: obs}
		f := NewRetryingFetcher(inner, 2).WithInitialInterval(time.Millisecond)

		_, err := f.Fetch(context.Background(), testChain("base", 2))
		require.Error(t, err)
		assert.Equal(t, int32(3), inner.calls.Load())
	})
}

type mapFetcher struct {
	mu    sync.Mutex
	rates map[string]*big.Int
	seen  []string
}

func (m *mapFetcher) Fetch(_ context.Context, chain types.ChainConfig) (model.YieldObservation, error) {
	m.mu.Lock()
	m.seen = append(m.seen, chain.Name)
	m.mu.Unlock()

	rate, ok := m.rates[chain.Name]
	if !ok {
		return model.YieldObservation{}, errors.New("connection refused")
	}
	return model.YieldObservation{ChainName: chain.Name, ChainSelector: chain.Selector, SupplyRate: rate}, nil
}

func TestFetchAll_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	chains := []types.ChainConfig{testChain("sepolia", 1), testChain("arbitrum", 2), testChain("base", 3)}
	f := &mapFetcher{rates: map[string]*big.Int{
		"sepolia": big.NewInt(30000000000000000),
		"base":    big.NewInt(78400000000000000),
	}}

	logger, hook := test.NewNullLogger()
	results := FetchAll(context.Background(), f, chains, 2, logger)

	require.Len(t, results, 3)
	assert.Equal(t, "sepolia", results[0].Chain)
	assert.True(t, results[0].OK())
	assert.Equal(t, "arbitrum", results[1].Chain)
	assert.False(t, results[1].OK())
	assert.Equal(t, "base", results[2].Chain)
	assert.True(t, results[2].OK())

	var fetchErr *FetchFailedError
	require.ErrorAs(t, results[1].Err, &fetchErr)
	assert.Equal(t, "arbitrum", fetchErr.Chain)

	obs := Observations(results)
	require.Len(t, obs, 2)
	assert.Equal(t, "sepolia", obs[0].ChainName)
	assert.Equal(t, "base", obs[1].ChainName)

	assert.ElementsMatch(t, []string{"sepolia", "arbitrum", "base"}, f.seen)

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["chain"] == "arbitrum" {
			warned = true
		}
	}
	assert.True(t, warned, "failed chain should be logged")
}
