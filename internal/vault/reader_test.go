package vault

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/crossyield-keeper/internal/contracts"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

type vaultCaller struct {
	evm.Backend
	answers map[string][]byte
	fail    map[string]bool
}

func selector(t *testing.T, method string, args ...interface{}) []byte {
	t.Helper()
	data, err := contracts.PackVaultCall(method, args...)
	require.NoError(t, err)
	return data[:4]
}

func (v *vaultCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for method, out := range v.answers {
		if bytes.HasPrefix(msg.Data, []byte(method)) {
			if v.fail[method] {
				return nil, errors.New("execution reverted")
			}
			return out, nil
		}
	}
	return nil, errors.New("unexpected call")
}

type source map[string]evm.Backend

func (s source) Get(chain string) (evm.Backend, error) {
	b, ok := s[chain]
	if !ok {
		return nil, errors.New("no backend for chain " + chain)
	}
	return b, nil
}

func newCaller(t *testing.T) *vaultCaller {
	t.Helper()
	paused, err := contracts.PackBoolOutput(true)
	require.NoError(t, err)
	assets, err := contracts.PackUint256Output(big.NewInt(1_500_000))
	require.NoError(t, err)
	cooldown, err := contracts.PackUint256Output(big.NewInt(3600))
	require.NoError(t, err)
	upkeep, err := contracts.PackCheckUpkeepOutput(true, []byte{0xab})
	require.NoError(t, err)

	return &vaultCaller{
		answers: map[string][]byte{
			string(selector(t, "paused")):                paused,
			string(selector(t, "totalAssets")):           assets,
			string(selector(t, "cooldownRemaining")):     cooldown,
			string(selector(t, "checkUpkeep", []byte{})): upkeep,
		},
		fail: map[string]bool{},
	}
}

func TestReader_Status(t *testing.T) {
	logger, _ := test.NewNullLogger()
	chain := types.ChainConfig{Name: "sepolia", VaultAddress: common.HexToAddress("0x1111111111111111111111111111111111111111")}

	r := NewReader(source{"sepolia": newCaller(t)}, logger)
	st := r.Status(context.Background(), chain)

	assert.Empty(t, st.Errors)
	require.NotNil(t, st.Paused)
	assert.True(t, *st.Paused)
	assert.Equal(t, "1500000", st.TotalAssets)
	require.NotNil(t, st.CooldownRemaining)
	assert.Equal(t, uint64(3600), *st.CooldownRemaining)
	require.NotNil(t, st.UpkeepNeeded)
	assert.True(t, *st.UpkeepNeeded)
	assert.Equal(t, []byte{0xab}, []byte(st.PerformData))
}

func TestReader_PartialFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	caller := newCaller(t)
	caller.fail[string(selector(t, "totalAssets"))] = true

	chains := []types.ChainConfig{{Name: "sepolia"}, {Name: "base"}}
	statuses := NewReader(source{"sepolia": caller}, logger).StatusAll(context.Background(), chains)

	require.Len(t, statuses, 2)
	assert.Equal(t, "sepolia", statuses[0].Chain)
	assert.Len(t, statuses[0].Errors, 1)
	assert.Empty(t, statuses[0].TotalAssets)
	assert.NotNil(t, statuses[0].Paused)

	assert.Equal(t, "base", statuses[1].Chain)
	assert.Len(t, statuses[1].Errors, 1)
	assert.Nil(t, statuses[1].Paused)
}
