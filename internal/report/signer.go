package report

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// LocalSigner signs keccak256(payload) with a secp256k1 key held in process
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex encoded private key, with or without 0x prefix
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return NewLocalSignerFromKey(key), nil
}

// NewLocalSignerFromKey wraps an existing key
func NewLocalSignerFromKey(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the signer's Ethereum address
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Sign implements Signer
func (s *LocalSigner) Sign(_ context.Context, payload []byte) (Attestation, error) {
	hash := crypto.Keccak256Hash(payload)
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to sign with Ethereum scheme: %w", err)
	}
	return Attestation{Hash: hash, Signatures: [][]byte{sig}}, nil
}

// RecoverSigner returns the address that produced a 65-byte signature over hash
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RemoteSigner asks an external signing or consensus service for an attestation
type RemoteSigner struct {
	url    string
	apiKey string
	client *retryablehttp.Client
	logger logrus.FieldLogger
}

type signRequest struct {
	Payload hexutil.Bytes `json:"payload"`
	Hash    common.Hash   `json:"hash"`
}

type signResponse struct {
	Hash       common.Hash     `json:"hash"`
	Signatures []hexutil.Bytes `json:"signatures"`
}

// NewRemoteSigner creates a signer posting to url
func NewRemoteSigner(url, apiKey string, timeout time.Duration, logger logrus.FieldLogger) *RemoteSigner {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &RemoteSigner{url: url, apiKey: apiKey, client: client, logger: logger}
}

// Sign implements Signer
func (s *RemoteSigner) Sign(ctx context.Context, payload []byte) (Attestation, error) {
	body, err := json.Marshal(signRequest{Payload: payload, Hash: crypto.Keccak256Hash(payload)})
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to marshal sign request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Attestation{}, fmt.Errorf("sign request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Attestation{}, fmt.Errorf("signer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Attestation{}, fmt.Errorf("failed to decode sign response: %w", err)
	}
	if len(out.Signatures) == 0 {
		return Attestation{}, fmt.Errorf("signer returned no signatures")
	}

	sigs := make([][]byte, 0, len(out.Signatures))
	for _, sig := range out.Signatures {
		sigs = append(sigs, sig)
	}

	s.logger.WithFields(logrus.Fields{
		"hash":       out.Hash.Hex(),
		"signatures": len(sigs),
	}).Debug("Remote signer attested payload")

	return Attestation{Hash: out.Hash, Signatures: sigs}, nil
}
