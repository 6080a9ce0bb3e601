// Package promsd provides Prometheus service discovery for blobmesh storage nodes.
package promsd

import "time"

// Target represents a Prometheus file_sd target entry.
type Target struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// Config holds the configuration for the SD generator.
type Config struct {
	BalancerURL    string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	OutputFile     string
	// IncludeBurned keeps burned nodes in the target list so Prometheus
	// records them as down instead of dropping their series.
	IncludeBurned bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BalancerURL:    "http://localhost:8000",
		PollInterval:   30 * time.Second,
		RequestTimeout: 10 * time.Second,
		OutputFile:     "/targets/blobmesh-nodes.json",
	}
}
