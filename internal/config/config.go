// Package config handles configuration loading and validation for blobmesh.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// RegistrationConfig controls how a storage node announces itself to the balancer.
type RegistrationConfig struct {
	Balancer       string `yaml:"balancer"`        // Balancer address; empty disables registration
	AdvertiseHost  string `yaml:"advertise_host"`  // Host the balancer should dial (default: hostname)
	AdvertisePort  int    `yaml:"advertise_port"`  // Port the balancer should dial (default: listen port)
	Name           string `yaml:"name"`            // Display name (default: "auto-" + hostname)
	Interval       string `yaml:"interval"`        // Delay between attempts, e.g. "2s"
	Timeout        string `yaml:"timeout"`         // Overall deadline, e.g. "30s"
	AttemptTimeout string `yaml:"attempt_timeout"` // Per-request timeout, e.g. "5s"
}

// NodeConfig holds configuration for a storage node.
type NodeConfig struct {
	Listen          string             `yaml:"listen"`
	DataDir         string             `yaml:"data_dir"`
	MaxObjectSize   bytesize.Size      `yaml:"max_object_size"` // Payload plus stored headers
	DiskQuota       bytesize.Size      `yaml:"disk_quota"`      // 0 = unlimited
	MaxHeaderCount  int                `yaml:"max_header_count"`
	MaxHeaderLength int                `yaml:"max_header_length"`
	MaxIDLength     int                `yaml:"max_id_length"`
	IDCharset       string             `yaml:"id_charset"` // Regexp character class body
	MetadataPrefix  string             `yaml:"metadata_prefix"`
	ChunkSize       bytesize.Size      `yaml:"chunk_size"`
	Registration    RegistrationConfig `yaml:"registration"`
}

// SeedNode is a storage node the balancer registers on its own at startup.
type SeedNode struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

// BalancerConfig holds configuration for the load-balancing proxy.
type BalancerConfig struct {
	Listen             string        `yaml:"listen"`
	RegistrationWindow string        `yaml:"registration_window"` // e.g. "20s"
	FailureThreshold   int           `yaml:"failure_threshold"`
	BurnCooldown       string        `yaml:"burn_cooldown"`    // e.g. "60s"
	UpstreamTimeout    string        `yaml:"upstream_timeout"` // Dial and response header timeout
	ChunkSize          bytesize.Size `yaml:"chunk_size"`
	Nodes              []SeedNode    `yaml:"nodes"`
}

// DefaultNodeConfig returns the storage node configuration used when no
// file is given. Values from a file override these field by field.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Listen:          ":8080",
		DataDir:         "/var/lib/blobmesh",
		MaxObjectSize:   bytesize.Size(10 * bytesize.MB),
		DiskQuota:       bytesize.Size(bytesize.GB),
		MaxHeaderCount:  20,
		MaxHeaderLength: 50,
		MaxIDLength:     200,
		IDCharset:       "A-Za-z0-9._-",
		MetadataPrefix:  "X-",
		ChunkSize:       bytesize.Size(8 * bytesize.KB),
		Registration: RegistrationConfig{
			Interval:       "2s",
			Timeout:        "30s",
			AttemptTimeout: "5s",
		},
	}
}

// DefaultBalancerConfig returns the balancer configuration used when no
// file is given.
func DefaultBalancerConfig() *BalancerConfig {
	return &BalancerConfig{
		Listen:             ":8000",
		RegistrationWindow: "20s",
		FailureThreshold:   3,
		BurnCooldown:       "60s",
		UpstreamTimeout:    "5s",
		ChunkSize:          bytesize.Size(8 * bytesize.KB),
	}
}

// LoadNodeConfig loads storage node configuration from a YAML file. An
// empty path yields the defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

// LoadBalancerConfig loads balancer configuration from a YAML file. An
// empty path yields the defaults.
func LoadBalancerConfig(path string) (*BalancerConfig, error) {
	cfg := DefaultBalancerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// mustDuration is used by accessors after Validate has accepted value.
func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func validateListen(listen string) error {
	if listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	return nil
}

// Validate checks if the storage node configuration is valid.
func (c *NodeConfig) Validate() error {
	if err := validateListen(c.Listen); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxObjectSize <= 0 {
		return fmt.Errorf("max_object_size must be positive")
	}
	if c.DiskQuota < 0 {
		return fmt.Errorf("disk_quota must not be negative")
	}
	if c.MaxHeaderCount <= 0 {
		return fmt.Errorf("max_header_count must be positive")
	}
	if c.MaxHeaderLength <= 0 {
		return fmt.Errorf("max_header_length must be positive")
	}
	if c.MaxIDLength <= 0 {
		return fmt.Errorf("max_id_length must be positive")
	}
	if c.IDCharset == "" {
		return fmt.Errorf("id_charset is required")
	}
	if _, err := regexp.Compile("^[" + c.IDCharset + "]+$"); err != nil {
		return fmt.Errorf("invalid id_charset: %w", err)
	}
	if c.MetadataPrefix == "" {
		return fmt.Errorf("metadata_prefix is required")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > bytesize.Size(bytesize.MB) {
		return fmt.Errorf("chunk_size must be between 1B and 1MB")
	}

	r := c.Registration
	if r.Balancer == "" {
		return nil
	}
	if r.AdvertisePort < 0 || r.AdvertisePort > 65535 {
		return fmt.Errorf("registration.advertise_port must be between 1 and 65535")
	}
	if _, err := parsePositiveDuration("registration.interval", r.Interval); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("registration.timeout", r.Timeout); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("registration.attempt_timeout", r.AttemptTimeout); err != nil {
		return err
	}
	return nil
}

// RegistrationInterval returns the delay between registration attempts.
func (c *NodeConfig) RegistrationInterval() time.Duration {
	return mustDuration(c.Registration.Interval, 2*time.Second)
}

// RegistrationTimeout returns the overall registration deadline.
func (c *NodeConfig) RegistrationTimeout() time.Duration {
	return mustDuration(c.Registration.Timeout, 30*time.Second)
}

// RegistrationAttemptTimeout returns the timeout of a single registration request.
func (c *NodeConfig) RegistrationAttemptTimeout() time.Duration {
	return mustDuration(c.Registration.AttemptTimeout, 5*time.Second)
}

// Validate checks if the balancer configuration is valid.
func (c *BalancerConfig) Validate() error {
	if err := validateListen(c.Listen); err != nil {
		return err
	}
	// A zero window is allowed: registration is closed from the start and
	// only seed nodes (registered before the clock starts) serve traffic.
	if d, err := time.ParseDuration(c.RegistrationWindow); err != nil || d < 0 {
		return fmt.Errorf("invalid registration_window %q", c.RegistrationWindow)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if _, err := parsePositiveDuration("burn_cooldown", c.BurnCooldown); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("upstream_timeout", c.UpstreamTimeout); err != nil {
		return err
	}
	if c.ChunkSize <= 0 || c.ChunkSize > bytesize.Size(bytesize.MB) {
		return fmt.Errorf("chunk_size must be between 1B and 1MB")
	}
	for i, n := range c.Nodes {
		if n.Host == "" {
			return fmt.Errorf("nodes[%d].host is required", i)
		}
		if n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("nodes[%d].port must be between 1 and 65535", i)
		}
	}
	return nil
}

// Window returns the registration window.
func (c *BalancerConfig) Window() time.Duration {
	d, err := time.ParseDuration(c.RegistrationWindow)
	if err != nil || d < 0 {
		return 20 * time.Second
	}
	return d
}

// Cooldown returns how long a burned node stays out of rotation.
func (c *BalancerConfig) Cooldown() time.Duration {
	return mustDuration(c.BurnCooldown, 60*time.Second)
}

// Upstream returns the dial and response header timeout for storage nodes.
func (c *BalancerConfig) Upstream() time.Duration {
	return mustDuration(c.UpstreamTimeout, 5*time.Second)
}
