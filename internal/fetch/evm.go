package fetch

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

// CallerSource resolves the read backend of a chain
type CallerSource interface {
	Get(chain string) (evm.Backend, error)
}

// EVMYieldFetcher reads getSupplyAPY() from the chain's yield source at the
// latest finalized block, so transient unconfirmed state is never observed.
type EVMYieldFetcher struct {
	callers CallerSource
	logger  logrus.FieldLogger
}

// NewEVMYieldFetcher creates a fetcher over a set of chain backends
func NewEVMYieldFetcher(callers CallerSource, logger logrus.FieldLogger) *EVMYieldFetcher {
	return &EVMYieldFetcher{callers: callers, logger: logger}
}

// Fetch implements Fetcher. It never sends a transaction.
func (f *EVMYieldFetcher) Fetch(ctx context.Context, chain types.ChainConfig) (model.YieldObservation, error) {
	caller, err := f.callers.Get(chain.Name)
	if err != nil {
		return model.YieldObservation{}, fetchFailed(chain.Name, err)
	}

	callData, err := contracts.PackGetSupplyAPY()
	if err != nil {
		return model.YieldObservation{}, fetchFailed(chain.Name, err)
	}

	to := chain.YieldSourceAddress
	msg := ethereum.CallMsg{
		From: common.Address{},
		To:   &to,
		Data: callData,
	}

	f.logger.WithField("chain", chain.Name).Debug("Fetching supply rate")
	out, err := caller.CallContract(ctx, msg, evm.FinalizedBlock)
	if err != nil {
		return model.YieldObservation{}, fetchFailed(chain.Name, fmt.Errorf("getSupplyAPY call: %w", err))
	}

	rate, err := contracts.UnpackGetSupplyAPY(out)
	if err != nil {
		return model.YieldObservation{}, fetchFailed(chain.Name, fmt.Errorf("getSupplyAPY decode: %w", err))
	}

	f.logger.WithFields(logrus.Fields{
		"chain":       chain.Name,
		"supply_rate": rate.String(),
		"apy":         model.FormatAPY(rate),
	}).Info("Fetched supply rate")

	return model.YieldObservation{
		ChainName:          chain.Name,
		ChainSelector:      chain.Selector,
		SupplyRate:         rate,
		SourceVaultAddress: chain.VaultAddress,
	}, nil
}
