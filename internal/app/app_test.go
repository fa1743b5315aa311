package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pii-ledger/internal/config"
	"pii-ledger/internal/ledger"
	"pii-ledger/internal/output"
	"pii-ledger/internal/repository"
	"pii-ledger/internal/source"
	"pii-ledger/internal/vault"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:    config.StoreConfig{Backend: "memory"},
		Detector: config.DetectorConfig{Endpoint: "https://lang.example.com", Key: "literal-key", MaxRetries: 1},
		Run: config.RunConfig{
			Tier: "S0", BatchSize: 5, Mode: "cloud", Transform: "redact", MaxAttempts: 3,
		},
		API: config.APIConfig{MaxTextLength: 100},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_MemoryBackend(t *testing.T) {
	a, err := New(context.Background(), testConfig(), discard())
	require.NoError(t, err)
	defer a.Close()

	require.IsType(t, &repository.MemoryStore{}, a.Store)
	require.NotNil(t, a.Messages)
	require.NotNil(t, a.Ledger)
	require.NotNil(t, a.Vault)
	require.NotNil(t, a.Detector)
	require.NotNil(t, a.Tokens)

	o, err := a.Orchestrator()
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestNew_BoltBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: "bolt", BoltPath: filepath.Join(t.TempDir(), "piictl.db")}

	a, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	require.IsType(t, &repository.BoltStore{}, a.Store)
	require.NoError(t, a.Close())
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "postgres"

	_, err := New(context.Background(), cfg, discard())
	require.ErrorContains(t, err, "unknown store backend")
}

func TestOrchestrator_LocalObfuscate(t *testing.T) {
	cfg := testConfig()
	cfg.Run.Mode = "local"
	cfg.Run.Transform = "obfuscate"
	cfg.Run.OutputFile = filepath.Join(t.TempDir(), "out.json")

	a, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)

	o, err := a.Orchestrator()
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestOrchestrator_UnknownTransform(t *testing.T) {
	cfg := testConfig()
	a, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)

	a.Config.Run.Transform = "hash"
	_, err = a.Orchestrator()
	require.ErrorContains(t, err, "unknown transform")
}

func TestTables(t *testing.T) {
	tables := Tables(config.TablesConfig{Messages: "m", Ledger: "l", Outputs: "o", Vault: "v"})
	require.Equal(t, map[string]string{
		source.Collection: "m",
		ledger.Collection: "l",
		output.Collection: "o",
		vault.Collection:  "v",
	}, tables)
}
