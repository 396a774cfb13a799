// Package report encodes yield and pause payloads and obtains signed reports for them.
// Payloads carry no destination knowledge: one builder serves every chain.
package report

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/model"
)

// ErrSigningFailed is returned when the signer could not produce an attestation
var ErrSigningFailed = errors.New("report signing failed")

// Attestation is the signer's answer for one payload
type Attestation struct {
	// Hash is keccak256 of the payload the signatures commit to
	Hash       common.Hash
	Signatures [][]byte
}

// Signer turns payload bytes into an attestation a receiver contract accepts
type Signer interface {
	Sign(ctx context.Context, payload []byte) (Attestation, error)
}

// Request describes the report to build
type Request struct {
	Kind          model.ReportKind
	SourceChain   string
	ChainSelector uint64
	SupplyRate    *big.Int
}

// YieldRequest creates the request publishing one observation
func YieldRequest(obs model.YieldObservation) Request {
	return Request{
		Kind:          model.ReportKindYield,
		SourceChain:   obs.ChainName,
		ChainSelector: obs.ChainSelector,
		SupplyRate:    obs.SupplyRate,
	}
}

// PauseRequest creates the pause directive request
func PauseRequest() Request {
	return Request{Kind: model.ReportKindPause}
}

// SignedReport is a payload together with its attestation
type SignedReport struct {
	Kind        model.ReportKind
	SourceChain string
	Payload     []byte
	Attestation Attestation
}

// Metadata encodes the attestation as the first onReport argument
func (r SignedReport) Metadata() ([]byte, error) {
	return contracts.EncodeReportMetadata(r.Attestation.Hash, r.Attestation.Signatures)
}

// YieldPayload is the fixed (uint64 chainSelector, uint256 supplyRate) tuple
func YieldPayload(chainSelector uint64, supplyRate *big.Int) ([]byte, error) {
	return contracts.EncodeYieldReport(chainSelector, supplyRate)
}

// PausePayload is the zero-argument emergencyPause() directive
func PausePayload() ([]byte, error) {
	return contracts.PackEmergencyPause()
}

// Payload encodes a request without signing it
func Payload(req Request) ([]byte, error) {
	switch req.Kind {
	case model.ReportKindYield:
		return YieldPayload(req.ChainSelector, req.SupplyRate)
	case model.ReportKindPause:
		return PausePayload()
	default:
		return nil, fmt.Errorf("unknown report kind %q", req.Kind)
	}
}

// Builder builds signed reports
type Builder struct {
	signer Signer
}

// NewBuilder creates a builder around a signer
func NewBuilder(signer Signer) *Builder {
	return &Builder{signer: signer}
}

// Build encodes and signs a request
func (b *Builder) Build(ctx context.Context, req Request) (SignedReport, error) {
	payload, err := Payload(req)
	if err != nil {
		return SignedReport{}, fmt.Errorf("encoding %s report: %w", req.Kind, err)
	}

	att, err := b.signer.Sign(ctx, payload)
	if err != nil {
		return SignedReport{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	if att.Hash != crypto.Keccak256Hash(payload) {
		return SignedReport{}, fmt.Errorf("%w: attestation does not commit to the payload", ErrSigningFailed)
	}

	return SignedReport{
		Kind:        req.Kind,
		SourceChain: req.SourceChain,
		Payload:     payload,
		Attestation: att,
	}, nil
}

// BuildYieldReport signs a yield update
func (b *Builder) BuildYieldReport(ctx context.Context, chainSelector uint64, supplyRate *big.Int) (SignedReport, error) {
	return b.Build(ctx, Request{Kind: model.ReportKindYield, ChainSelector: chainSelector, SupplyRate: supplyRate})
}

// BuildPauseReport signs the pause directive
func (b *Builder) BuildPauseReport(ctx context.Context) (SignedReport, error) {
	return b.Build(ctx, PauseRequest())
}
