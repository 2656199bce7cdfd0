package config

import (
	"testing"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/require"
)

func mapEnv(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func render(t *testing.T, env map[string]string, vars string, sources ...string) (*koanf.Koanf, error) {
	t.Helper()
	files := make([]FileData, 0, len(sources))
	for _, s := range sources {
		files = append(files, FileData{Name: "test", Content: s})
	}
	r := NewRenderer([]FileData{{Name: "vars", Content: vars}}, files, EnvVarPrefix)
	r.LookupEnv = mapEnv(env)
	out, err := r.Render()
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	require.NoError(t, k.Load(rawbytes.Provider([]byte(out)), toml.Parser()))
	return k, nil
}

func TestRenderDefaults(t *testing.T) {
	k, err := render(t, nil, DefaultVars, DefaultValues, DefaultMandatoryVars)
	require.NoError(t, err)

	require.Equal(t, "/tmp/xtracker/tracker.sqlite", k.String("Tracker.DBPath"))
	require.Equal(t, int64(100), k.Get("Sync.SyncBlockChunkSize"))
	require.False(t, k.Exists("PathRWData"))
	require.False(t, k.Exists("SyncChunkSize"))

	chains := k.Slices("Chains")
	require.Len(t, chains, 2)
	require.Equal(t, "icon", chains[0].String("ID"))
	require.True(t, chains[0].Bool("Hub"))
	require.Equal(t, int64(2000), chains[1].Get("SyncBlockChunkSize"))
}

func TestRenderVarsFromEnvironment(t *testing.T) {
	k, err := render(t, map[string]string{
		"XTRACKER_PathRWData":    "/data",
		"XTRACKER_SyncChunkSize": "250",
	}, DefaultVars, DefaultValues, DefaultMandatoryVars)
	require.NoError(t, err)

	require.Equal(t, "/data/tracker.sqlite", k.String("Tracker.DBPath"))
	require.Equal(t, int64(250), k.Get("Sync.SyncBlockChunkSize"))
}

func TestRenderReplacesChains(t *testing.T) {
	k, err := render(t, nil, DefaultVars, DefaultValues, DefaultMandatoryVars, `
[[Chains]]
  ID = "archway"
  Family = "cosmos"
  NetworkID = "archway-1"
  Hub = true
`)
	require.NoError(t, err)

	chains := k.Slices("Chains")
	require.Len(t, chains, 1)
	require.Equal(t, "archway", chains[0].String("ID"))
}

func TestRenderChainOverrides(t *testing.T) {
	k, err := render(t, map[string]string{
		"XTRACKER_CHAINS_ICON_RPCURL":                 "https://icon.example/api/v3",
		"XTRACKER_CHAINS_ICON_INDEXERURL":             "https://indexer.example/api/v1",
		"XTRACKER_CHAINS_AVALANCHE_SIGNER_PRIVATEKEY": "0xabc",
		"XTRACKER_CHAINS_SOLANA_RPCURL":               "https://unused.example",
	}, DefaultVars, DefaultValues, DefaultMandatoryVars)
	require.NoError(t, err)

	chains := k.Slices("Chains")
	require.Len(t, chains, 2)
	require.Equal(t, "https://icon.example/api/v3", chains[0].String("RPCURL"))
	require.Equal(t, "https://indexer.example/api/v1", chains[0].String("IndexerURL"))
	require.False(t, chains[0].Exists("Signer"))
	require.Equal(t, "0xabc", chains[1].String("Signer.PrivateKey"))
	require.Equal(t, "https://api.avax.network/ext/bc/C/rpc", chains[1].String("RPCURL"))
}

func TestChainEnvKey(t *testing.T) {
	r := NewRenderer(nil, nil, EnvVarPrefix)
	require.Equal(t, "XTRACKER_CHAINS_ICON_RPCURL", r.ChainEnvKey("icon", "RPCURL"))
	require.Equal(t, "XTRACKER_CHAINS_ARCHWAY_1_SIGNER_PATH", r.ChainEnvKey("archway-1", "Signer", "Path"))
}

func TestRenderVarsInsideChains(t *testing.T) {
	k, err := render(t, nil, `
IndexerHost = "https://tracker.icon.community"
IconLag = 3
`, `
[[Chains]]
  ID = "icon"
  IndexerURL = "{{IndexerHost}}/api/v1"
  ConfirmationLag = {{IconLag}}
`)
	require.NoError(t, err)

	chains := k.Slices("Chains")
	require.Len(t, chains, 1)
	require.Equal(t, "https://tracker.icon.community/api/v1", chains[0].String("IndexerURL"))
	require.Equal(t, int64(3), chains[0].Get("ConfirmationLag"))
}

func TestRenderVarErrors(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		vars     string
		source   string
		expected error
		invalid  bool
	}{
		{
			name:     "undefined var",
			source:   "[Tracker]\nDBPath = \"{{Missing}}/tracker.sqlite\"\n",
			expected: ErrMissingVars,
		},
		{
			name:     "self reference",
			vars:     "A = {{A}}\n",
			source:   "[Sync]\nSyncBlockChunkSize = {{A}}\n",
			expected: ErrCycleVars,
		},
		{
			name:     "two var cycle",
			vars:     "A = \"{{B}}\"\nB = \"{{A}}\"\n",
			source:   "[Tracker]\nDBPath = \"{{A}}\"\n",
			expected: ErrCycleVars,
		},
		{
			name:   "cycle broken by the environment",
			env:    map[string]string{"XTRACKER_B": "/env"},
			vars:   "A = \"{{B}}\"\nB = \"{{A}}\"\n",
			source: "[Tracker]\nDBPath = \"{{A}}\"\n",
		},
		{
			name:    "unclosed tag",
			source:  "[Tracker]\nDBPath = \"{{A\"\n",
			invalid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := render(t, tt.env, tt.vars, tt.source)
			if tt.invalid {
				require.Error(t, err)
				return
			}
			if tt.expected == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestConvertFileToToml(t *testing.T) {
	out, err := convertFileToToml(`{"Chains":[{"ID":"icon","Hub":true}],"Tracker":{"DBPath":"/data/tracker.sqlite"}}`, "json")
	require.NoError(t, err)

	k := koanf.New(".")
	require.NoError(t, k.Load(rawbytes.Provider([]byte(out)), toml.Parser()))
	require.Equal(t, "/data/tracker.sqlite", k.String("Tracker.DBPath"))
	chains := k.Slices("Chains")
	require.Len(t, chains, 1)
	require.Equal(t, "icon", chains[0].String("ID"))

	_, err = convertFileToToml("A: 1", "yaml")
	require.ErrorIs(t, err, ErrUnsupportedConfigFileType)
}
