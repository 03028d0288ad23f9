// Package docker runs sandboxes as Docker containers.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/provider"
)

const (
	labelPrefix     = "sandflow."
	namePrefix      = "sandflow-"
	volumePrefix    = "sandflow-ws-"
	workspaceDir    = "/workspace"
	defaultShell    = "/bin/sh"
	destroyDeadline = 30 * time.Second
)

type Client struct {
	docker *client.Client
	cfg    config.DockerConfig
}

func New(cfg config.DockerConfig) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	return &Client{docker: cli, cfg: cfg}, nil
}

func (c *Client) Name() string { return "docker" }

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

func containerName(sessionID string) string {
	return namePrefix + sessionID
}

func (c *Client) containerConfig(opts provider.CreateOpts) *container.Config {
	return &container.Config{
		Image: c.cfg.Image,
		Labels: map[string]string{
			labelPrefix + "managed":    "true",
			labelPrefix + "session_id": opts.SessionID,
			labelPrefix + "user_id":    opts.UserID,
		},
		WorkingDir: workspaceDir,
		Tty:        false,
		Cmd:        []string{"sleep", "infinity"},
	}
}

func (c *Client) hostConfig(sessionID string) *container.HostConfig {
	resources := container.Resources{
		NanoCPUs: int64(c.cfg.CPULimit * 1e9),
		Memory:   int64(c.cfg.MemLimitMB) * units.MiB,
	}
	if c.cfg.PidsLimit > 0 {
		pids := int64(c.cfg.PidsLimit)
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volumePrefix + sessionID,
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
		},
	}
	if c.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.cfg.NetworkMode)
	}
	return hostCfg
}

// CreateWorkspace creates and starts the session's container. The container
// name is derived from the session id, so calling it again for the same
// session returns the existing container.
func (c *Client) CreateWorkspace(ctx context.Context, opts provider.CreateOpts) (*provider.Workspace, error) {
	name := containerName(opts.SessionID)

	info, err := c.docker.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if info.State == nil || !info.State.Running {
			if err := c.docker.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
				return nil, fmt.Errorf("container start: %w", err)
			}
		}
		return &provider.Workspace{SandboxID: info.ID}, nil
	case !client.IsErrNotFound(err):
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	resp, err := c.docker.ContainerCreate(ctx, c.containerConfig(opts), c.hostConfig(opts.SessionID), nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	return &provider.Workspace{SandboxID: resp.ID}, nil
}

// ExecuteCommand runs command with the configured shell in the workspace
// directory. Cancelling ctx abandons the attach stream and returns ctx.Err().
func (c *Client) ExecuteCommand(ctx context.Context, sandboxID, command string) (*provider.ExecOutput, error) {
	start := time.Now()

	execResp, err := c.docker.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          []string{c.cfg.Shell, "-c", command},
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, sandboxID)
		}
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	stdout := &provider.LimitedBuffer{Max: provider.MaxOutputBytes}
	stderr := &provider.LimitedBuffer{Max: provider.MaxOutputBytes}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("exec read: %w", err)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-done
		return nil, fmt.Errorf("exec %s: %w", sandboxID, ctx.Err())
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	out, outTrunc := provider.CleanOutput(stdout.String())
	errOut, errTrunc := provider.CleanOutput(stderr.String())
	return &provider.ExecOutput{
		Stdout:          out,
		Stderr:          errOut,
		ExitCode:        inspect.ExitCode,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Truncated:       outTrunc || errTrunc || stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// OpenPTY starts an interactive shell in the container with a TTY attached.
func (c *Client) OpenPTY(ctx context.Context, sandboxID string, cols, rows int) (provider.PTY, error) {
	size := &[2]uint{uint(rows), uint(cols)}

	execResp, err := c.docker.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          []string{c.cfg.Shell},
		Env:          []string{"TERM=xterm-256color"},
		WorkingDir:   workspaceDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  size,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", provider.ErrSandboxNotFound, sandboxID)
		}
		return nil, fmt.Errorf("exec create: %w", err)
	}

	// The stream outlives the request that opened it.
	hijack, err := c.docker.ContainerExecAttach(context.WithoutCancel(ctx), execResp.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: size,
	})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &execPTY{docker: c.docker, execID: execResp.ID, hijack: hijack}, nil
}

// DestroyWorkspace force-removes the container and its workspace volume.
// Removing a container that no longer exists is not an error.
func (c *Client) DestroyWorkspace(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyDeadline)
	defer cancel()

	var sessionID string
	info, err := c.docker.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container inspect: %w", err)
	}
	if info.Config != nil {
		sessionID = info.Config.Labels[labelPrefix+"session_id"]
	}

	err = c.docker.ContainerRemove(ctx, sandboxID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}

	if sessionID != "" {
		c.docker.VolumeRemove(ctx, volumePrefix+sessionID, true)
	}
	return nil
}

// IsRunning checks if a container is currently running.
func (c *Client) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// ListSandboxes returns all containers carrying the sandflow labels.
func (c *Client) ListSandboxes(ctx context.Context) ([]provider.SandboxInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []provider.SandboxInfo
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			continue
		}
		result = append(result, provider.SandboxInfo{
			SandboxID: ctr.ID,
			SessionID: sessionID,
		})
	}
	return result, nil
}

type execPTY struct {
	docker *client.Client
	execID string
	hijack types.HijackedResponse

	closeOnce sync.Once
}

func (p *execPTY) Read(b []byte) (int, error) {
	return p.hijack.Reader.Read(b)
}

func (p *execPTY) Write(b []byte) (int, error) {
	return p.hijack.Conn.Write(b)
}

func (p *execPTY) Resize(cols, rows int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.docker.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *execPTY) Close() error {
	p.closeOnce.Do(func() {
		// EOF on stdin ends the shell; closing the connection releases the stream.
		p.hijack.CloseWrite()
		p.hijack.Close()
	})
	return nil
}

var (
	_ provider.Provider = (*Client)(nil)
	_ provider.Lister   = (*Client)(nil)
)
