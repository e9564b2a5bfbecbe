package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerStartStopsWithCommandContext(t *testing.T) {
	t.Setenv("AGG_CONFIG", "")
	t.Setenv("AGG_LOG_OUTPUT", "null")
	dataDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := newRootCmd()
	cmd.SetArgs([]string{"server", "start", "--data-dir", dataDir, "--http", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dataDir, "store", "*"))
		return len(matches) > 0
	}, 5*time.Second, 10*time.Millisecond, "store never opened")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server start ignored the command context")
	}
}
