// Package evm provides rate-limited, retrying JSON-RPC access to the monitored chains.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/yourorg/crossyield-keeper/internal/types"
	"golang.org/x/time/rate"
)

// FinalizedBlock is the block argument that makes eth_call read the latest finalized block
var FinalizedBlock = big.NewInt(int64(rpc.FinalizedBlockNumber))

// Caller executes read-only contract calls
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxBackend is what the chain writer needs to build, send and track a transaction
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Backend is the full per-chain surface
type Backend interface {
	Caller
	TxBackend
}

// Options configures the transport for every chain
type Options struct {
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	RetryMax  int
}

// DefaultOptions returns conservative transport settings
func DefaultOptions() Options {
	return Options{
		Timeout:   15 * time.Second,
		RateLimit: 10,
		Burst:     20,
		RetryMax:  3,
	}
}

// newRetryClient creates an HTTP client with retry logic for JSON-RPC transport errors
func newRetryClient(opts Options) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil
	return retryClient.StandardClient()
}

// Client is a rate-limited ethclient for one chain
type Client struct {
	chain   string
	eth     *ethclient.Client
	limiter *rate.Limiter
}

var _ Backend = (*Client)(nil)

// Dial connects to a chain's RPC endpoint
func Dial(ctx context.Context, chain types.ChainConfig, opts Options) (*Client, error) {
	if chain.RPCURL == "" {
		return nil, fmt.Errorf("no RPC URL configured for chain %s", chain.Name)
	}

	rpcClient, err := rpc.DialOptions(ctx, chain.RPCURL, rpc.WithHTTPClient(newRetryClient(opts)))
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", chain.Name, err)
	}

	limit := rate.Limit(opts.RateLimit)
	if opts.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		chain:   chain.Name,
		eth:     ethclient.NewClient(rpcClient),
		limiter: rate.NewLimiter(limit, opts.Burst),
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter for %s: %w", c.chain, err)
	}
	return nil
}

// CallContract executes an eth_call
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// ChainID returns the chain id reported by the node
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.ChainID(ctx)
}

// PendingNonceAt returns the next nonce for the account
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.PendingNonceAt(ctx, account)
}

// SuggestGasPrice returns the node's gas price suggestion
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.SuggestGasPrice(ctx)
}

// SendTransaction broadcasts a signed transaction
func (c *Client) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.eth.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt, or ethereum.NotFound while pending
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.TransactionReceipt(ctx, txHash)
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.eth.Close()
}

// Pool holds one backend per chain, keyed by chain name
type Pool struct {
	mu       sync.RWMutex
	backends map[string]Backend
	closers  []func()
}

// NewPool creates an empty pool. Tests fill it with Register.
func NewPool() *Pool {
	return &Pool{backends: make(map[string]Backend)}
}

// DialAll connects to every chain. A chain that cannot be dialed is a startup error.
func DialAll(ctx context.Context, chains []types.ChainConfig, opts Options) (*Pool, error) {
	pool := NewPool()
	for _, chain := range chains {
		client, err := Dial(ctx, chain, opts)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pool.Register(chain.Name, client)
		pool.closers = append(pool.closers, client.Close)
	}
	return pool, nil
}

// Register adds or replaces the backend for a chain
func (p *Pool) Register(chain string, backend Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[chain] = backend
}

// Get returns the backend for a chain
func (p *Pool) Get(chain string) (Backend, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	backend, ok := p.backends[chain]
	if !ok {
		return nil, fmt.Errorf("no backend for chain %s", chain)
	}
	return backend, nil
}

// Close closes every dialed client
func (p *Pool) Close() {
	for _, closeFn := range p.closers {
		closeFn()
	}
	p.closers = nil
}
