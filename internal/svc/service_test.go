package svc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("node")
	require.NoError(t, err)
	assert.Equal(t, RoleNode, role)

	role, err = ParseRole("balancer")
	require.NoError(t, err)
	assert.Equal(t, RoleBalancer, role)

	_, err = ParseRole("proxy")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	node := DefaultConfig(RoleNode)
	assert.Equal(t, "blobmesh-node", node.Name)
	assert.Equal(t, "node.yaml", filepath.Base(node.ConfigPath))
	assert.NotEmpty(t, node.DisplayName)

	lb := DefaultConfig(RoleBalancer)
	assert.Equal(t, "blobmesh-balancer", lb.Name)
	assert.Equal(t, "balancer.yaml", filepath.Base(lb.ConfigPath))
	assert.NotEqual(t, node.Description, lb.Description)
}

func TestConfigArguments(t *testing.T) {
	cfg := DefaultConfig(RoleBalancer)
	cfg.ConfigPath = "/srv/blobmesh/lb.yaml"

	args := cfg.Arguments()
	assert.Equal(t, []string{"balancer", "--config", "/srv/blobmesh/lb.yaml", "--service-run"}, args)
	assert.True(t, IsServiceMode(args))
	assert.False(t, IsServiceMode([]string{"node", "--config", "x"}))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultConfig(RoleNode)
	cfg.UserName = "blobmesh"

	linux := NewServiceConfig(cfg, "linux")
	assert.Equal(t, "blobmesh-node", linux.Name)
	assert.Equal(t, cfg.Arguments(), linux.Arguments)
	assert.Equal(t, "blobmesh", linux.UserName)
	assert.Contains(t, linux.Dependencies, "After=network-online.target")
	assert.Equal(t, "on-failure", linux.Option["Restart"])

	darwin := NewServiceConfig(cfg, "darwin")
	assert.Equal(t, true, darwin.Option["KeepAlive"])
	assert.Equal(t, "blobmesh", darwin.UserName)

	windows := NewServiceConfig(cfg, "windows")
	assert.Empty(t, windows.UserName)
	assert.Equal(t, "restart", windows.Option["OnFailure"])
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestControlRejectsUnknownAction(t *testing.T) {
	err := Control(DefaultConfig(RoleNode), "install")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported action")
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan struct{})
	prg := &Program{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}

	require.NoError(t, prg.Start(nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgramStopReturnsRunError(t *testing.T) {
	prg := &Program{Run: func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("listen failed")
	}}

	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "listen failed")
}

func TestProgramStartWithoutRun(t *testing.T) {
	prg := &Program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}
