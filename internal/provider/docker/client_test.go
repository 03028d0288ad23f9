package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/provider"
)

func testClient() *Client {
	return &Client{cfg: config.DockerConfig{
		Image:       "sandflow-runtime:base",
		CPULimit:    0.5,
		MemLimitMB:  256,
		PidsLimit:   64,
		NetworkMode: "none",
		Shell:       "/bin/sh",
	}}
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "sandflow-abc123", containerName("abc123"))
}

func TestContainerConfig(t *testing.T) {
	c := testClient()
	cfg := c.containerConfig(provider.CreateOpts{UserID: "alice", SessionID: "s1"})

	assert.Equal(t, "sandflow-runtime:base", cfg.Image)
	assert.Equal(t, "/workspace", cfg.WorkingDir)
	assert.Equal(t, "true", cfg.Labels["sandflow.managed"])
	assert.Equal(t, "s1", cfg.Labels["sandflow.session_id"])
	assert.Equal(t, "alice", cfg.Labels["sandflow.user_id"])
	assert.False(t, cfg.Tty)
}

func TestHostConfig_Limits(t *testing.T) {
	c := testClient()
	hc := c.hostConfig("s1")

	assert.Equal(t, int64(500_000_000), hc.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), hc.Memory)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(64), *hc.PidsLimit)
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.Equal(t, strslice.StrSlice{"ALL"}, hc.CapDrop)
	assert.Contains(t, hc.SecurityOpt, "no-new-privileges")
}

func TestHostConfig_Mounts(t *testing.T) {
	c := testClient()
	hc := c.hostConfig("s1")

	require.Len(t, hc.Mounts, 2)
	assert.Equal(t, mount.TypeVolume, hc.Mounts[0].Type)
	assert.Equal(t, "sandflow-ws-s1", hc.Mounts[0].Source)
	assert.Equal(t, "/workspace", hc.Mounts[0].Target)
	assert.Equal(t, mount.TypeTmpfs, hc.Mounts[1].Type)
}

func TestHostConfig_NoPidsLimit(t *testing.T) {
	c := testClient()
	c.cfg.PidsLimit = 0
	c.cfg.NetworkMode = ""

	hc := c.hostConfig("s1")
	assert.Nil(t, hc.PidsLimit)
	assert.Equal(t, container.NetworkMode(""), hc.NetworkMode)
}

func TestName(t *testing.T) {
	assert.Equal(t, "docker", testClient().Name())
}
