// Package registry holds the ordered, immutable list of monitored chains.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/crossyield-keeper/internal/config"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

// Configuration errors. All of them are fatal at startup.
var (
	ErrEmptyRegistry    = errors.New("registry: no chains configured")
	ErrInvalidAddress   = errors.New("registry: invalid contract address")
	ErrInvalidSelector  = errors.New("registry: invalid chain selector")
	ErrInvalidGasLimit  = errors.New("registry: invalid gas limit")
	ErrDuplicateChain   = errors.New("registry: duplicate chain")
	ErrMissingChainName = errors.New("registry: missing chain name")
)

// Registry is a read-only, non-empty, ordered list of chains. It is safe to share
// between goroutines because nothing mutates it after New returns.
type Registry struct {
	chains []types.ChainConfig
}

// New validates the chain list and returns a registry over a private copy of it
func New(chains []types.ChainConfig) (*Registry, error) {
	if len(chains) == 0 {
		return nil, ErrEmptyRegistry
	}

	seenNames := make(map[string]struct{}, len(chains))
	seenSelectors := make(map[uint64]struct{}, len(chains))

	for i, c := range chains {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: entry %d", ErrMissingChainName, i)
		}
		if c.Selector == 0 {
			return nil, fmt.Errorf("%w: %s has selector 0", ErrInvalidSelector, c.Name)
		}
		if c.GasLimit == 0 {
			return nil, fmt.Errorf("%w: %s has gas limit 0", ErrInvalidGasLimit, c.Name)
		}
		for field, addr := range map[string]common.Address{
			"vault":        c.VaultAddress,
			"consumer":     c.ConsumerAddress,
			"yield source": c.YieldSourceAddress,
		} {
			if addr == (common.Address{}) {
				return nil, fmt.Errorf("%w: %s %s address is zero", ErrInvalidAddress, c.Name, field)
			}
		}
		if _, dup := seenNames[c.Name]; dup {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateChain, c.Name)
		}
		if _, dup := seenSelectors[c.Selector]; dup {
			return nil, fmt.Errorf("%w: selector %d", ErrDuplicateChain, c.Selector)
		}
		seenNames[c.Name] = struct{}{}
		seenSelectors[c.Selector] = struct{}{}
	}

	cp := make([]types.ChainConfig, len(chains))
	copy(cp, chains)
	return &Registry{chains: cp}, nil
}

// FromWorkflow parses the raw workflow entries and builds a registry. Malformed
// addresses and numbers are rejected here because the typed form cannot represent them.
func FromWorkflow(cfg *config.WorkflowConfig) (*Registry, error) {
	if cfg == nil || len(cfg.EVMs) == 0 {
		return nil, ErrEmptyRegistry
	}

	chains := make([]types.ChainConfig, 0, len(cfg.EVMs))
	for _, evm := range cfg.EVMs {
		chain, err := parseEntry(evm)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}

	return New(chains)
}

func parseEntry(evm config.EVMConfig) (types.ChainConfig, error) {
	name := strings.TrimSpace(evm.ChainSelectorName)
	if name == "" {
		return types.ChainConfig{}, ErrMissingChainName
	}

	selector, err := strconv.ParseUint(strings.TrimSpace(evm.ChainSelector), 10, 64)
	if err != nil {
		return types.ChainConfig{}, fmt.Errorf("%w: %s: %q", ErrInvalidSelector, name, evm.ChainSelector)
	}

	gasLimit, err := strconv.ParseUint(strings.TrimSpace(evm.GasLimit), 10, 64)
	if err != nil {
		return types.ChainConfig{}, fmt.Errorf("%w: %s: %q", ErrInvalidGasLimit, name, evm.GasLimit)
	}

	vault, err := parseAddress(name, "vaultManagerAddress", evm.VaultManagerAddress)
	if err != nil {
		return types.ChainConfig{}, err
	}
	consumer, err := parseAddress(name, "consumerAddress", evm.ConsumerAddress)
	if err != nil {
		return types.ChainConfig{}, err
	}
	source, err := parseAddress(name, "yieldSourceAddress", evm.YieldSource())
	if err != nil {
		return types.ChainConfig{}, err
	}

	return types.ChainConfig{
		Name:               name,
		Selector:           selector,
		VaultAddress:       vault,
		ConsumerAddress:    consumer,
		YieldSourceAddress: source,
		GasLimit:           gasLimit,
		RPCURL:             evm.RPCURL,
	}, nil
}

func parseAddress(chain, field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %s %q", ErrInvalidAddress, chain, field, raw)
	}
	return common.HexToAddress(raw), nil
}

// Chains returns the chains in configured order. The slice is a copy.
func (r *Registry) Chains() []types.ChainConfig {
	cp := make([]types.ChainConfig, len(r.chains))
	copy(cp, r.chains)
	return cp
}

// Len returns the number of registered chains
func (r *Registry) Len() int {
	return len(r.chains)
}

// Lookup finds a chain by name
func (r *Registry) Lookup(name string) (types.ChainConfig, bool) {
	for _, c := range r.chains {
		if c.Name == name {
			return c, true
		}
	}
	return types.ChainConfig{}, false
}
