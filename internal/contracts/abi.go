// Package contracts holds the ABI surface of the on-chain collaborators: the yield
// source, the report consumer and the vault manager.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// YieldSourceABI is the lending market view used to read the supply rate.
const YieldSourceABI = `[
  {"type":"function","name":"getSupplyAPY","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// ReceiverABI is the report ingestion entrypoint shared by the consumer and the vault manager.
const ReceiverABI = `[
  {"type":"function","name":"onReport","inputs":[{"name":"metadata","type":"bytes"},{"name":"report","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"}
]`

// VaultManagerABI is the subset of the vault manager the keeper reads or encodes.
const VaultManagerABI = `[
  {"type":"function","name":"emergencyPause","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"updateYieldData","inputs":[{"name":"chainSelector","type":"uint64"},{"name":"supplyRate","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"paused","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
  {"type":"function","name":"totalAssets","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"cooldownRemaining","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"checkUpkeep","inputs":[{"name":"","type":"bytes"}],"outputs":[{"name":"upkeepNeeded","type":"bool"},{"name":"performData","type":"bytes"}],"stateMutability":"view"},
  {"type":"event","name":"YieldDataUpdated","inputs":[{"name":"chainSelector","type":"uint64","indexed":true},{"name":"supplyRate","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"EmergencyPaused","inputs":[{"name":"triggeredBy","type":"address","indexed":false}],"anonymous":false}
]`

var (
	yieldSource  = mustParse(YieldSourceABI)
	receiver     = mustParse(ReceiverABI)
	vaultManager = mustParse(VaultManagerABI)

	yieldReportArgs = mustArguments("uint64", "uint256")
	metadataArgs    = mustArguments("bytes32", "bytes[]")
)

// ErrUnexpectedOutput is returned when a call result does not decode to the expected shape
var ErrUnexpectedOutput = errors.New("contracts: unexpected call output")

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid ABI: %v", err))
	}
	return parsed
}

func mustArguments(typeNames ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(typeNames))
	for _, name := range typeNames {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("contracts: invalid type %s: %v", name, err))
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}

// PackGetSupplyAPY returns the call data for getSupplyAPY()
func PackGetSupplyAPY() ([]byte, error) {
	return yieldSource.Pack("getSupplyAPY")
}

// UnpackGetSupplyAPY decodes the getSupplyAPY() return value
func UnpackGetSupplyAPY(data []byte) (*big.Int, error) {
	return unpackUint256(yieldSource, "getSupplyAPY", data)
}

// EncodeYieldReport encodes the fixed (uint64 chainSelector, uint256 supplyRate) tuple
func EncodeYieldReport(chainSelector uint64, supplyRate *big.Int) ([]byte, error) {
	if supplyRate == nil || supplyRate.Sign() < 0 {
		return nil, fmt.Errorf("contracts: supply rate must be a non-negative integer")
	}
	return yieldReportArgs.Pack(chainSelector, supplyRate)
}

// DecodeYieldReport is the inverse of EncodeYieldReport
func DecodeYieldReport(payload []byte) (uint64, *big.Int, error) {
	values, err := yieldReportArgs.Unpack(payload)
	if err != nil {
		return 0, nil, err
	}
	if len(values) != 2 {
		return 0, nil, ErrUnexpectedOutput
	}
	selector, ok := values[0].(uint64)
	if !ok {
		return 0, nil, ErrUnexpectedOutput
	}
	rate, ok := values[1].(*big.Int)
	if !ok {
		return 0, nil, ErrUnexpectedOutput
	}
	return selector, rate, nil
}

// PackEmergencyPause returns the zero-argument pause directive
func PackEmergencyPause() ([]byte, error) {
	return vaultManager.Pack("emergencyPause")
}

// EncodeReportMetadata encodes the report hash and the signer signatures carried next to a report
func EncodeReportMetadata(reportHash [32]byte, signatures [][]byte) ([]byte, error) {
	if signatures == nil {
		signatures = [][]byte{}
	}
	return metadataArgs.Pack(reportHash, signatures)
}

// PackOnReport returns the call data delivering a signed report to a receiver contract
func PackOnReport(metadata, report []byte) ([]byte, error) {
	return receiver.Pack("onReport", metadata, report)
}

// PackVaultCall returns call data for one of the vault manager's read-only methods
func PackVaultCall(method string, args ...interface{}) ([]byte, error) {
	return vaultManager.Pack(method, args...)
}

// UnpackPaused decodes paused()
func UnpackPaused(data []byte) (bool, error) {
	values, err := vaultManager.Unpack("paused", data)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, ErrUnexpectedOutput
	}
	paused, ok := values[0].(bool)
	if !ok {
		return false, ErrUnexpectedOutput
	}
	return paused, nil
}

// UnpackTotalAssets decodes totalAssets()
func UnpackTotalAssets(data []byte) (*big.Int, error) {
	return unpackUint256(vaultManager, "totalAssets", data)
}

// UnpackCooldownRemaining decodes cooldownRemaining()
func UnpackCooldownRemaining(data []byte) (*big.Int, error) {
	return unpackUint256(vaultManager, "cooldownRemaining", data)
}

// UnpackCheckUpkeep decodes checkUpkeep(bytes)
func UnpackCheckUpkeep(data []byte) (bool, []byte, error) {
	values, err := vaultManager.Unpack("checkUpkeep", data)
	if err != nil {
		return false, nil, err
	}
	if len(values) != 2 {
		return false, nil, ErrUnexpectedOutput
	}
	needed, ok := values[0].(bool)
	if !ok {
		return false, nil, ErrUnexpectedOutput
	}
	performData, ok := values[1].([]byte)
	if !ok {
		return false, nil, ErrUnexpectedOutput
	}
	return needed, performData, nil
}

func unpackUint256(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, ErrUnexpectedOutput
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return v, nil
}

// PackUint256Output encodes a single uint256 return value. Test doubles use it to
// answer eth_call the way a real contract would.
func PackUint256Output(v *big.Int) ([]byte, error) {
	return yieldSource.Methods["getSupplyAPY"].Outputs.Pack(v)
}

// PackBoolOutput encodes a single bool return value
func PackBoolOutput(v bool) ([]byte, error) {
	return vaultManager.Methods["paused"].Outputs.Pack(v)
}

// PackCheckUpkeepOutput encodes the checkUpkeep return tuple
func PackCheckUpkeepOutput(needed bool, performData []byte) ([]byte, error) {
	return vaultManager.Methods["checkUpkeep"].Outputs.Pack(needed, performData)
}
