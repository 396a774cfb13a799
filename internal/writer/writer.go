// Package writer submits signed reports as transactions and waits for their receipts.
package writer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

var (
	// ErrReverted is recorded when the transaction was mined with a failed status
	ErrReverted = errors.New("transaction reverted")
	// ErrReceiptTimeout is recorded when no receipt arrived in time. The transaction may still land.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
)

// BackendSource resolves the transaction backend of a chain
type BackendSource interface {
	Get(chain string) (evm.Backend, error)
}

// Options tunes receipt tracking
type Options struct {
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// ChainWriter sends one transaction per report. It never retries.
type ChainWriter struct {
	backends BackendSource
	key      *ecdsa.PrivateKey
	from     common.Address
	opts     Options
	logger   logrus.FieldLogger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	chainIDs map[string]*big.Int
}

// New creates a chain writer sending from the given key
func New(backends BackendSource, key *ecdsa.PrivateKey, opts Options, logger logrus.FieldLogger) *ChainWriter {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &ChainWriter{
		backends: backends,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		opts:     opts,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		chainIDs: make(map[string]*big.Int),
	}
}

// From returns the transmitter address
func (w *ChainWriter) From() common.Address {
	return w.from
}

// Receiver returns the contract a report is delivered to: yield reports go to the
// report consumer, pause directives to the vault manager.
func Receiver(dest types.ChainConfig, kind model.ReportKind) common.Address {
	if kind == model.ReportKindPause {
		return dest.VaultAddress
	}
	return dest.ConsumerAddress
}

// Submit delivers a signed report to dest and waits for a definitive status.
// Failures are returned inside the outcome, never as a separate error.
func (w *ChainWriter) Submit(ctx context.Context, dest types.ChainConfig, r report.SignedReport) model.WriteOutcome {
	outcome := model.WriteOutcome{
		SourceChain: r.SourceChain,
		DestChain:   dest.Name,
		Kind:        r.Kind,
	}
	logger := w.logger.WithFields(logrus.Fields{
		"source": r.SourceChain,
		"dest":   dest.Name,
		"kind":   r.Kind,
	})

	tx, err := w.broadcast(ctx, dest, r)
	if err != nil {
		logger.WithError(err).Error("Failed to submit report")
		outcome.TxStatus = model.TxStatusFatal
		outcome.Err = err
		return outcome
	}
	outcome.TxHash = tx.Hash()
	logger = logger.WithField("tx", tx.Hash().Hex())
	logger.Debug("Report transaction broadcast")

	receipt, err := w.waitForReceipt(ctx, dest.Name, tx.Hash())
	if err != nil {
		logger.WithError(err).Error("No definitive status for report transaction")
		outcome.TxStatus = model.TxStatusFatal
		outcome.Err = err
		return outcome
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		logger.WithField("block", receipt.BlockNumber).Warn("Report transaction reverted")
		outcome.TxStatus = model.TxStatusReverted
		outcome.Err = fmt.Errorf("%w: %s on %s", ErrReverted, tx.Hash().Hex(), dest.Name)
		return outcome
	}

	logger.WithField("block", receipt.BlockNumber).Info("Report written")
	outcome.TxStatus = model.TxStatusSuccess
	return outcome
}

// broadcast signs and sends the transaction under the chain's nonce lock. Every error
// it returns means nothing reached the mempool.
func (w *ChainWriter) broadcast(ctx context.Context, dest types.ChainConfig, r report.SignedReport) (*ethtypes.Transaction, error) {
	notBroadcast := func(step string, err error) error {
		return fmt.Errorf("%w: %s on %s: %w", model.ErrNotBroadcast, step, dest.Name, err)
	}

	metadata, err := r.Metadata()
	if err != nil {
		return nil, notBroadcast("encode metadata", err)
	}
	data, err := contracts.PackOnReport(metadata, r.Payload)
	if err != nil {
		return nil, notBroadcast("encode call", err)
	}

	backend, err := w.backends.Get(dest.Name)
	if err != nil {
		return nil, notBroadcast("backend", err)
	}

	lock := w.chainLock(dest.Name)
	lock.Lock()
	defer lock.Unlock()

	chainID, err := w.chainID(ctx, dest.Name, backend)
	if err != nil {
		return nil, notBroadcast("chain id", err)
	}
	nonce, err := backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, notBroadcast("nonce", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, notBroadcast("gas price", err)
	}

	to := Receiver(dest, r.Kind)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      dest.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, notBroadcast("sign transaction", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		// the node already has it: it was broadcast by an earlier attempt
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return signed, nil
		}
		return nil, notBroadcast("send", err)
	}
	return signed, nil
}

func (w *ChainWriter) waitForReceipt(ctx context.Context, chain string, hash common.Hash) (*ethtypes.Receipt, error) {
	backend, err := w.backends.Get(chain)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			w.logger.WithField("chain", chain).WithError(err).Debug("Receipt lookup failed, polling again")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s on %s", ErrReceiptTimeout, hash.Hex(), chain)
		case <-ticker.C:
		}
	}
}

func (w *ChainWriter) chainLock(chain string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[chain]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[chain] = lock
	}
	return lock
}

// chainID is called with the chain lock held
func (w *ChainWriter) chainID(ctx context.Context, chain string, backend evm.Backend) (*big.Int, error) {
	w.mu.Lock()
	id, ok := w.chainIDs[chain]
	w.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.chainIDs[chain] = id
	w.mu.Unlock()
	return id, nil
}
