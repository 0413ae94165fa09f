package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"gamelink/internal/shared/types"
)

// Defaults applied where config.ini leaves a field unset.
const (
	DefaultListenPort       = 7890
	DefaultProbeIntervalS   = 30
	DefaultProbeTimeoutS    = 5
	DefaultFailoverTimeoutS = 3
	DefaultRefreshIntervalS = 300
	DefaultFailureThreshold = 3
	DefaultMaxLatencyMS     = 1000
	DefaultTestConcurrency  = 16
	DefaultTestTimeoutS     = 5
)

// LoadIni loads the behavior configuration file. A missing file is not an
// error: the returned config then carries only defaults, so a bare checkout
// still starts.
func LoadIni(cfg *types.Config, fileName string) error {
	applyDefaults(cfg)
	iniFile, err := ini.Load(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			overrideFromEnv(&cfg.DirectoryConf.SubscriptionURL, "GAMELINK_SUBSCRIPTION_URL")
			return nil
		}
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.DirectoryConf.SubscriptionURL, "GAMELINK_SUBSCRIPTION_URL")
	return nil
}

func applyDefaults(cfg *types.Config) {
	cfg.CommonConf.ListenPort = DefaultListenPort
	cfg.CommonConf.AutoSelect = true
	cfg.HealthConf.ProbeIntervalS = DefaultProbeIntervalS
	cfg.HealthConf.ProbeTimeoutS = DefaultProbeTimeoutS
	cfg.HealthConf.FailoverTimeoutS = DefaultFailoverTimeoutS
	cfg.HealthConf.RefreshIntervalS = DefaultRefreshIntervalS
	cfg.HealthConf.FailureThreshold = DefaultFailureThreshold
	cfg.HealthConf.MaxLatencyMS = DefaultMaxLatencyMS
	cfg.DirectoryConf.TestConcurrency = DefaultTestConcurrency
	cfg.DirectoryConf.TestTimeoutS = DefaultTestTimeoutS
	cfg.LogConf.Level = "info"
}

// LoadNodes loads the cached node pool from nodes.json. A missing cache
// yields an empty pool, not an error.
func LoadNodes(fileName string) ([]types.Node, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.Node{}, nil
		}
		return nil, fmt.Errorf("failed to read nodes file: %w", err)
	}

	var nodes []types.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}
	return nodes, nil
}

// SaveNodes persists the node pool to nodes.json.
func SaveNodes(fileName string, nodes []types.Node) error {
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
