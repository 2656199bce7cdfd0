package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/adapter"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xtracker.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func loadFiles(t *testing.T, contents ...string) (*Config, error) {
	t.Helper()
	paths := make([]string, 0, len(contents))
	for _, c := range contents {
		paths = append(paths, writeConfigFile(t, c))
	}
	files, err := readFiles(paths)
	require.NoError(t, err)
	return LoadFile(files, "")
}

func TestLoadDefaultsWithChains(t *testing.T) {
	cfg, err := loadFiles(t, DefaultMandatoryVars)
	require.NoError(t, err)

	require.Equal(t, "/tmp/xtracker/tracker.sqlite", cfg.Tracker.DBPath)
	require.Equal(t, uint64(100), cfg.Sync.SyncBlockChunkSize)
	require.Equal(t, 5*time.Second, cfg.Sync.SyncInterval.Duration)
	require.Equal(t, 30*time.Minute, cfg.Orchestrator.HopTimeout.Duration)
	require.Equal(t, 5576, cfg.RPC.Port)
	require.False(t, cfg.Kafka.Enabled)

	require.Len(t, cfg.Chains, 2)
	hub := cfg.Chains[0]
	require.Equal(t, "icon", hub.ID)
	require.Equal(t, adapter.FamilyICON, hub.Family)
	require.True(t, hub.Hub)
	require.Equal(t, 10*time.Second, hub.RequestTimeout.Duration)
	require.Equal(t, adapter.FamilyEVM, cfg.Chains[1].Family)
	require.Equal(t, uint64(2000), cfg.Chains[1].SyncBlockChunkSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("XTRACKER_PathRWData", "/data")
	t.Setenv("XTRACKER_ORCHESTRATOR_HOPTIMEOUT", "5m")

	cfg, err := loadFiles(t, DefaultMandatoryVars, `
[Sync]
  SyncBlockChunkSize = 500
`)
	require.NoError(t, err)
	require.Equal(t, "/data/tracker.sqlite", cfg.Tracker.DBPath)
	require.Equal(t, 5*time.Minute, cfg.Orchestrator.HopTimeout.Duration)
	require.Equal(t, uint64(500), cfg.Sync.SyncBlockChunkSize)
}

func TestLoadChainEndpointsFromEnvironment(t *testing.T) {
	t.Setenv("XTRACKER_CHAINS_AVALANCHE_RPCURL", "https://avax.example/ext/bc/C/rpc")
	t.Setenv("XTRACKER_CHAINS_AVALANCHE_SIGNER_PRIVATEKEY", "0x01")

	cfg, err := loadFiles(t, DefaultMandatoryVars)
	require.NoError(t, err)
	require.Equal(t, "https://avax.example/ext/bc/C/rpc", cfg.Chains[1].RPCURL)
	require.Equal(t, "0x01", cfg.Chains[1].Signer.PrivateKey)
	require.Equal(t, "https://ctz.solidwallet.io/api/v3", cfg.Chains[0].RPCURL)
	require.Empty(t, cfg.Chains[0].Signer.PrivateKey)
}

func TestLoadRejectsInvalidRegistry(t *testing.T) {
	_, err := loadFiles(t)
	require.ErrorIs(t, err, ErrNoChains)

	cfg, err := loadFiles(t, DefaultMandatoryVars, `
[[Chains]]
  ID = "sui"
  Family = "sui"
  NetworkID = "sui"
  Hub = true
  XCallAddress = "0x25f664e2"
  RPCURL = "https://fullnode.mainnet.sui.io"
`)
	// arrays are replaced, not appended, by later files
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	require.Equal(t, adapter.FamilySui, cfg.Chains[0].Family)

	_, err = loadFiles(t, `
[[Chains]]
  ID = "sui"
  Family = "sui"
  NetworkID = "sui"
  XCallAddress = "0x25f664e2"
  RPCURL = "https://fullnode.mainnet.sui.io"
`)
	require.ErrorIs(t, err, ErrHubCount)

	_, err = loadFiles(t, `
[[Chains]]
  ID = "near"
  Family = "near"
`)
	require.ErrorContains(t, err, "unknown chain family")
}

func TestRedactedAndSchema(t *testing.T) {
	cfg := Config{Chains: []adapter.ChainConfig{{ID: "icon"}}}
	cfg.Chains[0].Signer.PrivateKey = "0xsecret"
	cfg.Chains[0].Signer.Path = "/keys/icon.json"

	out, err := SaveConfigToString(cfg)
	require.NoError(t, err)
	require.NotContains(t, out, "0xsecret")
	require.Contains(t, out, "/keys/icon.json")
	require.Equal(t, "0xsecret", cfg.Chains[0].Signer.PrivateKey)

	schema, err := Schema()
	require.NoError(t, err)
	require.Contains(t, string(schema), "HopTimeout")
	require.Contains(t, string(schema), "Chains")
}

func TestUnusedKeysAreReported(t *testing.T) {
	cfg := &Config{}
	unused, err := loadString(cfg, "[Tracker]\nDBPath = \"x\"\nDBPAth2 = 1\n", ConfigType, false, EnvVarPrefix)
	require.NoError(t, err)
	require.Equal(t, "x", cfg.Tracker.DBPath)
	require.Len(t, unused, 1)
}
