// Package vault reads the status views of each chain's vault manager for the admin surface.
package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/types"
	"golang.org/x/sync/errgroup"
)

// CallerSource resolves the read backend of a chain
type CallerSource interface {
	Get(chain string) (evm.Backend, error)
}

// Status is a snapshot of one vault. Fields that could not be read are left empty and
// the failure is listed in Errors.
type Status struct {
	Chain             string         `json:"chain"`
	Vault             common.Address `json:"vault"`
	Paused            *bool          `json:"paused,omitempty"`
	TotalAssets       string         `json:"totalAssets,omitempty"`
	CooldownRemaining *uint64        `json:"cooldownRemaining,omitempty"`
	UpkeepNeeded      *bool          `json:"upkeepNeeded,omitempty"`
	PerformData       hexutil.Bytes  `json:"performData,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
}

// Reader performs the read-only vault calls
type Reader struct {
	callers CallerSource
	logger  logrus.FieldLogger
}

// NewReader creates a vault reader
func NewReader(callers CallerSource, logger logrus.FieldLogger) *Reader {
	return &Reader{callers: callers, logger: logger}
}

// Status reads paused(), totalAssets(), cooldownRemaining() and checkUpkeep("")
// at the latest finalized block.
func (r *Reader) Status(ctx context.Context, chain types.ChainConfig) Status {
	st := Status{Chain: chain.Name, Vault: chain.VaultAddress}

	caller, err := r.callers.Get(chain.Name)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
		return st
	}

	call := func(method string, args ...interface{}) ([]byte, error) {
		data, err := contracts.PackVaultCall(method, args...)
		if err != nil {
			return nil, err
		}
		to := chain.VaultAddress
		out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, evm.FinalizedBlock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return out, nil
	}
	fail := func(err error) {
		st.Errors = append(st.Errors, err.Error())
	}

	if out, err := call("paused"); err != nil {
		fail(err)
	} else if paused, err := contracts.UnpackPaused(out); err != nil {
		fail(fmt.Errorf("paused: %w", err))
	} else {
		st.Paused = &paused
	}

	if out, err := call("totalAssets"); err != nil {
		fail(err)
	} else if assets, err := contracts.UnpackTotalAssets(out); err != nil {
		fail(fmt.Errorf("totalAssets: %w", err))
	} else {
		st.TotalAssets = assets.String()
	}

	if out, err := call("cooldownRemaining"); err != nil {
		fail(err)
	} else if remaining, err := contracts.UnpackCooldownRemaining(out); err != nil {
		fail(fmt.Errorf("cooldownRemaining: %w", err))
	} else {
		secs := clampUint64(remaining)
		st.CooldownRemaining = &secs
	}

	if out, err := call("checkUpkeep", []byte{}); err != nil {
		fail(err)
	} else if needed, performData, err := contracts.UnpackCheckUpkeep(out); err != nil {
		fail(fmt.Errorf("checkUpkeep: %w", err))
	} else {
		st.UpkeepNeeded = &needed
		st.PerformData = performData
	}

	if len(st.Errors) > 0 {
		r.logger.WithFields(logrus.Fields{
			"chain":  chain.Name,
			"errors": len(st.Errors),
		}).Warn("Incomplete vault status")
	}
	return st
}

// StatusAll reads every chain in parallel and returns statuses in chain order
func (r *Reader) StatusAll(ctx context.Context, chains []types.ChainConfig) []Status {
	out := make([]Status, len(chains))
	g := new(errgroup.Group)
	for i, chain := range chains {
		i, chain := i, chain
		g.Go(func() error {
			out[i] = r.Status(ctx, chain)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func clampUint64(v *big.Int) uint64 {
	if v.Sign() < 0 {
		return 0
	}
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}
