package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:                "127.0.0.1:0",
		DBPath:                ":memory:",
		SessionTTLSeconds:     300,
		ProvisionTimeoutMs:    5000,
		DefaultExecTimeoutMs:  1000,
		MaxExecTimeoutMs:      5000,
		ReaperIntervalSeconds: 1,
		Provider: config.ProviderConfig{
			Kind: "none",
		},
		Terminal: config.TerminalConfig{
			DefaultCols: 80,
			DefaultRows: 24,
			MaxCols:     500,
			MaxRows:     200,
			Scrollback:  "4KiB",
		},
		Agent: config.AgentConfig{
			MaxSteps: 5,
		},
	}
}

// NewTestStore creates an in-memory SQLite store that is closed when the
// test ends.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
