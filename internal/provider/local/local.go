// Package local runs sandboxes as plain directories on the host, with
// commands executed by the host shell. It offers no isolation and is meant
// for development and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/provider"
)

const sandboxPrefix = "local-"

type Provider struct {
	root  string
	shell string

	mu   sync.Mutex
	ptys map[string]map[*ptyHandle]struct{} // sandboxID -> open terminals
}

func New(cfg config.LocalConfig) (*Provider, error) {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving root dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root dir: %w", err)
	}
	shell := cfg.Shell
	if shell == "" {
		shell = findShell()
	}
	return &Provider{
		root:  root,
		shell: shell,
		ptys:  make(map[string]map[*ptyHandle]struct{}),
	}, nil
}

func findShell() string {
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "sh"
}

func (p *Provider) Name() string { return "local" }

func (p *Provider) Close() error {
	p.mu.Lock()
	var all []*ptyHandle
	for _, set := range p.ptys {
		for h := range set {
			all = append(all, h)
		}
	}
	p.mu.Unlock()

	for _, h := range all {
		h.Close()
	}
	return nil
}

func (p *Provider) Ping(ctx context.Context) error {
	_, err := os.Stat(p.root)
	return err
}

// dir maps a sandbox id to its directory, refusing ids that would escape root.
func (p *Provider) dir(sandboxID string) (string, error) {
	if !strings.HasPrefix(sandboxID, sandboxPrefix) || strings.ContainsAny(sandboxID, `/\`) || strings.Contains(sandboxID, "..") {
		return "", fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, sandboxID)
	}
	return filepath.Join(p.root, sandboxID), nil
}

func (p *Provider) existingDir(sandboxID string) (string, error) {
	dir, err := p.dir(sandboxID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, sandboxID)
		}
		return "", err
	}
	return dir, nil
}

// CreateWorkspace creates the session's directory. The sandbox id is derived
// from the session id, so repeated calls return the same workspace.
func (p *Provider) CreateWorkspace(ctx context.Context, opts provider.CreateOpts) (*provider.Workspace, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sandboxID := sandboxPrefix + opts.SessionID
	dir, err := p.dir(sandboxID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &provider.Workspace{SandboxID: sandboxID}, nil
}

func (p *Provider) env(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"LANG=C.UTF-8",
	}
}

// ExecuteCommand runs command through the shell inside the workspace
// directory. The process is killed when ctx ends.
func (p *Provider) ExecuteCommand(ctx context.Context, sandboxID, command string) (*provider.ExecOutput, error) {
	dir, err := p.existingDir(sandboxID)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(p.env(dir), "TERM=dumb")
	cmd.WaitDelay = time.Second

	stdout := &provider.LimitedBuffer{Max: provider.MaxOutputBytes}
	stderr := &provider.LimitedBuffer{Max: provider.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("exec %s: %w", sandboxID, ctxErr)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("exec start: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	out, outTrunc := provider.CleanOutput(stdout.String())
	errOut, errTrunc := provider.CleanOutput(stderr.String())
	return &provider.ExecOutput{
		Stdout:          out,
		Stderr:          errOut,
		ExitCode:        exitCode,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Truncated:       outTrunc || errTrunc || stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// OpenPTY starts an interactive shell on a pseudo-terminal.
func (p *Provider) OpenPTY(ctx context.Context, sandboxID string, cols, rows int) (provider.PTY, error) {
	dir, err := p.existingDir(sandboxID)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.shell)
	cmd.Dir = dir
	cmd.Env = append(p.env(dir), "TERM=xterm-256color", "PS1=$ ")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &ptyHandle{f: f, cmd: cmd}
	h.release = func() { p.forget(sandboxID, h) }

	p.mu.Lock()
	if p.ptys[sandboxID] == nil {
		p.ptys[sandboxID] = make(map[*ptyHandle]struct{})
	}
	p.ptys[sandboxID][h] = struct{}{}
	p.mu.Unlock()

	return h, nil
}

func (p *Provider) forget(sandboxID string, h *ptyHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ptys[sandboxID], h)
	if len(p.ptys[sandboxID]) == 0 {
		delete(p.ptys, sandboxID)
	}
}

// DestroyWorkspace closes the sandbox's terminals and removes its directory.
func (p *Provider) DestroyWorkspace(ctx context.Context, sandboxID string) error {
	dir, err := p.dir(sandboxID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var open []*ptyHandle
	for h := range p.ptys[sandboxID] {
		open = append(open, h)
	}
	p.mu.Unlock()
	for _, h := range open {
		h.Close()
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func (p *Provider) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	_, err := p.existingDir(sandboxID)
	if errors.Is(err, provider.ErrSandboxNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (p *Provider) ListSandboxes(ctx context.Context) ([]provider.SandboxInfo, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	var result []provider.SandboxInfo
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sandboxPrefix) {
			continue
		}
		result = append(result, provider.SandboxInfo{
			SandboxID: e.Name(),
			SessionID: strings.TrimPrefix(e.Name(), sandboxPrefix),
		})
	}
	return result, nil
}

type ptyHandle struct {
	f       *os.File
	cmd     *exec.Cmd
	release func()

	closeOnce sync.Once
}

func (h *ptyHandle) Read(b []byte) (int, error) {
	return h.f.Read(b)
}

func (h *ptyHandle) Write(b []byte) (int, error) {
	return h.f.Write(b)
}

func (h *ptyHandle) Resize(cols, rows int) error {
	return pty.Setsize(h.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (h *ptyHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		err = h.f.Close()
		h.cmd.Wait()
		if h.release != nil {
			h.release()
		}
	})
	return err
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Lister   = (*Provider)(nil)
)
