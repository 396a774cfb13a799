// Package types contains shared type definitions used across multiple packages
package types

import "github.com/ethereum/go-ethereum/common"

// ChainConfig describes one monitored chain and the contracts the keeper talks to on it.
// Values are loaded once at startup and never mutated afterwards.
type ChainConfig struct {
	// Name is the chain selector name, e.g. "ethereum-testnet-sepolia-arbitrum-1"
	Name string `json:"name"`

	// Selector is the protocol-level chain selector used in cross-chain messaging
	Selector uint64 `json:"selector"`

	// VaultAddress is the vault manager contract, receiver of pause reports
	VaultAddress common.Address `json:"vault_address"`

	// ConsumerAddress is the report consumer contract, receiver of yield reports
	ConsumerAddress common.Address `json:"consumer_address"`

	// YieldSourceAddress is the lending market queried for getSupplyAPY()
	YieldSourceAddress common.Address `json:"yield_source_address"`

	// GasLimit is the gas budget for every write on this chain
	GasLimit uint64 `json:"gas_limit"`

	// RPCURL is the JSON-RPC endpoint for reads and writes
	RPCURL string `json:"rpc_url,omitempty"`
}
