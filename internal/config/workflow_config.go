package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultSchedule runs a cycle every ten minutes, on the minute
const DefaultSchedule = "0 */10 * * * *"

// WorkflowConfig is the on-disk description of the workflow: its schedule and the
// monitored chains. Field names follow the deployed workflow config so existing
// files load unchanged.
type WorkflowConfig struct {
	Schedule string      `json:"schedule"`
	EVMs     []EVMConfig `json:"evms"`
}

// EVMConfig is one raw chain entry. Numbers are strings because chain selectors
// overflow float64 in most JSON tooling.
type EVMConfig struct {
	ChainSelectorName   string `json:"chainSelectorName"`
	ChainSelector       string `json:"chainSelector"`
	VaultManagerAddress string `json:"vaultManagerAddress"`
	ConsumerAddress     string `json:"consumerAddress"`
	YieldSourceAddress  string `json:"yieldSourceAddress,omitempty"`
	MockAaveAddress     string `json:"mockAaveAddress,omitempty"`
	GasLimit            string `json:"gasLimit"`
	RPCURL              string `json:"rpcUrl,omitempty"`
}

// YieldSource returns the yield-source address, accepting the legacy mockAaveAddress key
func (e EVMConfig) YieldSource() string {
	if e.YieldSourceAddress != "" {
		return e.YieldSourceAddress
	}
	return e.MockAaveAddress
}

// LoadWorkflowConfig loads the workflow configuration from a JSON file
func LoadWorkflowConfig(path string) (*WorkflowConfig, error) {
	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow config: %w", err)
	}

	cfg, err := ParseWorkflowConfig(fileData)
	if err != nil {
		return nil, err
	}

	logrus.Infof("Loaded workflow configuration from %s (%d chains)", path, len(cfg.EVMs))
	return cfg, nil
}

// ParseWorkflowConfig decodes a workflow configuration and applies env overrides
func ParseWorkflowConfig(data []byte) (*WorkflowConfig, error) {
	cfg := &WorkflowConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config: %w", err)
	}

	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}

	return applyEnvOverrides(cfg), nil
}

// applyEnvOverrides lets deployments keep RPC endpoints (which often embed API keys)
// and the schedule out of the checked-in file
func applyEnvOverrides(cfg *WorkflowConfig) *WorkflowConfig {
	if schedule := GetEnvOrDefault("SCHEDULE", ""); schedule != "" {
		cfg.Schedule = schedule
	}

	for i, evm := range cfg.EVMs {
		if url := GetEnvOrDefault(rpcEnvKey(evm.ChainSelectorName), ""); url != "" {
			cfg.EVMs[i].RPCURL = url
		}
	}

	return cfg
}

func rpcEnvKey(chainName string) string {
	name := strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(chainName)
	return "CHAIN_" + strings.ToUpper(name) + "_RPC_URL"
}
