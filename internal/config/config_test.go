package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
	"github.com/tunnelmesh/blobmesh/testutil"
)

func TestLoadNodeConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9001"
data_dir: "/srv/blobs"
max_object_size: "64MB"
disk_quota: "2GB"
max_header_count: 10
id_charset: "a-z0-9"
metadata_prefix: "X-Meta-"
chunk_size: 4096
registration:
  balancer: "lb.internal:8000"
  advertise_host: "store-1.internal"
  advertise_port: 9001
  name: "store-1"
  interval: "1s"
`
	configPath := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9001", cfg.Listen)
	assert.Equal(t, "/srv/blobs", cfg.DataDir)
	assert.Equal(t, 64*bytesize.MB, cfg.MaxObjectSize.Bytes())
	assert.Equal(t, 2*bytesize.GB, cfg.DiskQuota.Bytes())
	assert.Equal(t, 10, cfg.MaxHeaderCount)
	assert.Equal(t, "a-z0-9", cfg.IDCharset)
	assert.Equal(t, "X-Meta-", cfg.MetadataPrefix)
	assert.Equal(t, int64(4096), cfg.ChunkSize.Bytes())
	assert.Equal(t, "lb.internal:8000", cfg.Registration.Balancer)
	assert.Equal(t, "store-1.internal", cfg.Registration.AdvertiseHost)
	assert.Equal(t, 9001, cfg.Registration.AdvertisePort)
	assert.Equal(t, "store-1", cfg.Registration.Name)
	assert.Equal(t, time.Second, cfg.RegistrationInterval())

	// Unset fields keep their defaults
	assert.Equal(t, 50, cfg.MaxHeaderLength)
	assert.Equal(t, 200, cfg.MaxIDLength)
	assert.Equal(t, 30*time.Second, cfg.RegistrationTimeout())
	assert.Equal(t, 5*time.Second, cfg.RegistrationAttemptTimeout())
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	cfg, err := LoadNodeConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 10*bytesize.MB, cfg.MaxObjectSize.Bytes())
	assert.Equal(t, bytesize.GB, cfg.DiskQuota.Bytes())
	assert.Equal(t, 20, cfg.MaxHeaderCount)
	assert.Equal(t, 50, cfg.MaxHeaderLength)
	assert.Equal(t, 200, cfg.MaxIDLength)
	assert.Equal(t, "A-Za-z0-9._-", cfg.IDCharset)
	assert.Equal(t, "X-", cfg.MetadataPrefix)
	assert.Equal(t, 8*bytesize.KB, cfg.ChunkSize.Bytes())
	assert.Empty(t, cfg.Registration.Balancer)
	assert.Equal(t, 2*time.Second, cfg.RegistrationInterval())
}

func TestLoadNodeConfig_UnlimitedQuota(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "node.yaml", "disk_quota: 0\n")

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.DiskQuota.Bytes())
	assert.NoError(t, cfg.Validate())
}

func TestLoadNodeConfig_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	configPath := testutil.TempFile(t, dir, "node.yaml", `data_dir: "~/blobs"`)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "blobs"), cfg.DataDir)
}

func TestLoadNodeConfig_Errors(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "bad.yaml", "listen: [invalid yaml\n")
	_, err = LoadNodeConfig(configPath)
	assert.Error(t, err)

	configPath = testutil.TempFile(t, dir, "badsize.yaml", "max_object_size: \"ten megs\"\n")
	_, err = LoadNodeConfig(configPath)
	assert.Error(t, err)
}

func TestNodeConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{"empty listen", func(c *NodeConfig) { c.Listen = "" }},
		{"listen without port", func(c *NodeConfig) { c.Listen = "localhost" }},
		{"empty data dir", func(c *NodeConfig) { c.DataDir = "" }},
		{"zero max object size", func(c *NodeConfig) { c.MaxObjectSize = 0 }},
		{"negative quota", func(c *NodeConfig) { c.DiskQuota = -1 }},
		{"zero header count", func(c *NodeConfig) { c.MaxHeaderCount = 0 }},
		{"zero header length", func(c *NodeConfig) { c.MaxHeaderLength = 0 }},
		{"zero id length", func(c *NodeConfig) { c.MaxIDLength = 0 }},
		{"empty charset", func(c *NodeConfig) { c.IDCharset = "" }},
		{"broken charset", func(c *NodeConfig) { c.IDCharset = `\` }},
		{"empty prefix", func(c *NodeConfig) { c.MetadataPrefix = "" }},
		{"huge chunk", func(c *NodeConfig) { c.ChunkSize = bytesize.Size(2 * bytesize.MB) }},
		{"bad advertise port", func(c *NodeConfig) {
			c.Registration.Balancer = "lb:8000"
			c.Registration.AdvertisePort = 70000
		}},
		{"bad interval", func(c *NodeConfig) {
			c.Registration.Balancer = "lb:8000"
			c.Registration.Interval = "soon"
		}},
		{"zero timeout", func(c *NodeConfig) {
			c.Registration.Balancer = "lb:8000"
			c.Registration.Timeout = "0s"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNodeConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNodeConfigValidate_IgnoresRegistrationWithoutBalancer(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.Registration.Interval = "garbage"
	assert.NoError(t, cfg.Validate())
}

func TestLoadBalancerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":7000"
registration_window: "45s"
failure_threshold: 5
burn_cooldown: "2m"
upstream_timeout: "750ms"
chunk_size: "16KB"
nodes:
  - host: "10.0.0.1"
    port: 8080
    name: "seed-a"
  - host: "10.0.0.2"
    port: 8080
`
	configPath := testutil.TempFile(t, dir, "balancer.yaml", content)

	cfg, err := LoadBalancerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 45*time.Second, cfg.Window())
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Cooldown())
	assert.Equal(t, 750*time.Millisecond, cfg.Upstream())
	assert.Equal(t, 16*bytesize.KB, cfg.ChunkSize.Bytes())
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, SeedNode{Host: "10.0.0.1", Port: 8080, Name: "seed-a"}, cfg.Nodes[0])
	assert.Empty(t, cfg.Nodes[1].Name)
}

func TestLoadBalancerConfig_Defaults(t *testing.T) {
	cfg, err := LoadBalancerConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, 20*time.Second, cfg.Window())
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Cooldown())
	assert.Equal(t, 5*time.Second, cfg.Upstream())
	assert.Empty(t, cfg.Nodes)
}

func TestBalancerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BalancerConfig)
	}{
		{"empty listen", func(c *BalancerConfig) { c.Listen = "" }},
		{"bad window", func(c *BalancerConfig) { c.RegistrationWindow = "forever" }},
		{"negative window", func(c *BalancerConfig) { c.RegistrationWindow = "-1s" }},
		{"zero threshold", func(c *BalancerConfig) { c.FailureThreshold = 0 }},
		{"bad cooldown", func(c *BalancerConfig) { c.BurnCooldown = "" }},
		{"zero upstream timeout", func(c *BalancerConfig) { c.UpstreamTimeout = "0s" }},
		{"zero chunk", func(c *BalancerConfig) { c.ChunkSize = 0 }},
		{"seed without host", func(c *BalancerConfig) { c.Nodes = []SeedNode{{Port: 80}} }},
		{"seed with bad port", func(c *BalancerConfig) { c.Nodes = []SeedNode{{Host: "a", Port: 0}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBalancerConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultBalancerConfig()
	cfg.RegistrationWindow = "0s"
	assert.NoError(t, cfg.Validate())
}
