package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	p, err := New(config.LocalConfig{RootDir: t.TempDir(), Shell: "/bin/sh"})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateWorkspace_Idempotent(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	ws1, err := p.CreateWorkspace(ctx, provider.CreateOpts{UserID: "alice", SessionID: "s1"})
	require.NoError(t, err)
	ws2, err := p.CreateWorkspace(ctx, provider.CreateOpts{UserID: "alice", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "local-s1", ws1.SandboxID)
	assert.Equal(t, ws1.SandboxID, ws2.SandboxID)

	running, err := p.IsRunning(ctx, ws1.SandboxID)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestExecuteCommand(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	ws, err := p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "s1"})
	require.NoError(t, err)

	out, err := p.ExecuteCommand(ctx, ws.SandboxID, "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, 3, out.ExitCode)
	assert.GreaterOrEqual(t, out.ExecutionTimeMs, int64(0))
}

func TestExecuteCommand_RunsInWorkspace(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	ws, err := p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "s1"})
	require.NoError(t, err)

	_, err = p.ExecuteCommand(ctx, ws.SandboxID, "echo data > note.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(p.root, ws.SandboxID, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))
}

func TestExecuteCommand_Timeout(t *testing.T) {
	p := newTestProvider(t)
	ws, err := p.CreateWorkspace(context.Background(), provider.CreateOpts{SessionID: "s1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.ExecuteCommand(ctx, ws.SandboxID, "sleep 5")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteCommand_UnknownSandbox(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.ExecuteCommand(context.Background(), "local-missing", "true")
	assert.True(t, errors.Is(err, provider.ErrSandboxNotFound))

	_, err = p.ExecuteCommand(context.Background(), "local-../../etc", "true")
	assert.True(t, errors.Is(err, provider.ErrSandboxNotFound))
}

func TestOpenPTY_EchoesInput(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	ws, err := p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "s1"})
	require.NoError(t, err)

	term, err := p.OpenPTY(ctx, ws.SandboxID, 80, 24)
	require.NoError(t, err)
	defer term.Close()

	require.NoError(t, term.Resize(100, 30))

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, err := term.Read(buf)
			if n > 0 {
				out.Write(buf[:n])
				if strings.Contains(out.String(), "marker-42") {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	_, err = term.Write([]byte("echo marker-$((40+2))\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pty output")
	}
	assert.Contains(t, out.String(), "marker-42")
}

func TestDestroyWorkspace(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	ws, err := p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "s1"})
	require.NoError(t, err)

	term, err := p.OpenPTY(ctx, ws.SandboxID, 80, 24)
	require.NoError(t, err)

	require.NoError(t, p.DestroyWorkspace(ctx, ws.SandboxID))

	running, err := p.IsRunning(ctx, ws.SandboxID)
	require.NoError(t, err)
	assert.False(t, running)

	// Terminal was closed with the workspace.
	_, err = term.Write([]byte("x"))
	assert.Error(t, err)

	// Second destroy is a no-op.
	assert.NoError(t, p.DestroyWorkspace(ctx, ws.SandboxID))
}

func TestListSandboxes(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	_, err := p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "a"})
	require.NoError(t, err)
	_, err = p.CreateWorkspace(ctx, provider.CreateOpts{SessionID: "b"})
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(p.root, "unrelated"), 0o755))

	list, err := p.ListSandboxes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{list[0].SessionID, list[1].SessionID})
}
