package pipeline

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

type recordingSubmitter struct {
	reports []report.SignedReport
}

func (r *recordingSubmitter) Submit(_ context.Context, dest types.ChainConfig, sr report.SignedReport) model.WriteOutcome {
	r.reports = append(r.reports, sr)
	return model.WriteOutcome{SourceChain: sr.SourceChain, DestChain: dest.Name, Kind: sr.Kind, TxStatus: model.TxStatusSuccess}
}

type brokenSigner struct{}

func (brokenSigner) Sign(context.Context, []byte) (report.Attestation, error) {
	return report.Attestation{}, errors.New("hsm offline")
}

func TestDeliver(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	p := New(report.NewBuilder(report.NewLocalSignerFromKey(key)), sub)

	obs := model.YieldObservation{ChainName: "sepolia", ChainSelector: 16015286601757825753, SupplyRate: big.NewInt(78400000000000000)}
	out := Deliver(context.Background(), p, types.ChainConfig{Name: "arbitrum"}, report.YieldRequest(obs))

	assert.True(t, out.Succeeded())
	assert.Equal(t, "sepolia", out.SourceChain)
	assert.Equal(t, "arbitrum", out.DestChain)
	require.Len(t, sub.reports, 1)
	assert.Equal(t, model.ReportKindYield, sub.reports[0].Kind)
}

func TestDeliver_SigningFailureIsFatalForThatWrite(t *testing.T) {
	sub := &recordingSubmitter{}
	p := New(report.NewBuilder(brokenSigner{}), sub)

	out := Deliver(context.Background(), p, types.ChainConfig{Name: "base"}, report.PauseRequest())

	assert.Equal(t, model.TxStatusFatal, out.TxStatus)
	assert.Equal(t, model.ReportKindPause, out.Kind)
	assert.Equal(t, "base", out.DestChain)
	assert.ErrorIs(t, out.Err, report.ErrSigningFailed)
	assert.Empty(t, sub.reports, "nothing may be submitted without a signature")
}
