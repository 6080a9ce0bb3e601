package promsd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/internal/balancer"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

// NodeFetcher lists the storage nodes known to a balancer.
// *balancer.Client satisfies it.
type NodeFetcher interface {
	ListNodes(ctx context.Context) ([]proto.NodeInfo, error)
}

// Generator generates Prometheus file_sd target files from the balancer's
// node registry.
type Generator struct {
	config  Config
	fetcher NodeFetcher
}

// NewGenerator creates a new Generator with the given configuration.
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		config:  cfg,
		fetcher: balancer.NewClient(cfg.BalancerURL, cfg.RequestTimeout),
	}
}

// SetFetcher sets a custom node fetcher (useful for testing).
func (g *Generator) SetFetcher(f NodeFetcher) {
	g.fetcher = f
}

// NodesToTargets converts registered nodes to Prometheus targets, one entry
// per node so each keeps its own labels. Burned nodes are skipped unless
// includeBurned is set; nodes without a host are always skipped.
func NodesToTargets(nodes []proto.NodeInfo, includeBurned bool) []Target {
	targets := make([]Target, 0, len(nodes))
	for _, n := range nodes {
		if n.Destination.Host == "" || n.Destination.Port <= 0 {
			continue
		}
		if n.State != balancer.StateHealthy.String() && !includeBurned {
			continue
		}
		labels := map[string]string{
			"node_id": n.ID,
			"state":   n.State,
		}
		if n.Name != "" {
			labels["node_name"] = n.Name
		}
		targets = append(targets, Target{
			Targets: []string{net.JoinHostPort(n.Destination.Host, strconv.Itoa(n.Destination.Port))},
			Labels:  labels,
		})
	}
	return targets
}

// WriteTargets writes targets to a file atomically.
func WriteTargets(targets []Target, outputFile string) error {
	if targets == nil {
		targets = []Target{}
	}
	data, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}

	tmpFile := outputFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, outputFile); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Generate fetches nodes and writes the targets file.
func (g *Generator) Generate(ctx context.Context) (int, error) {
	nodes, err := g.fetcher.ListNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}

	targets := NodesToTargets(nodes, g.config.IncludeBurned)
	if err := WriteTargets(targets, g.config.OutputFile); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// Run regenerates the targets file every PollInterval until ctx is done.
// Failures are logged and the previous file is left in place.
func (g *Generator) Run(ctx context.Context) {
	interval := g.config.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}

	g.runOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runOnce(ctx)
		}
	}
}

func (g *Generator) runOnce(ctx context.Context) {
	n, err := g.Generate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("balancer", g.config.BalancerURL).Msg("failed to generate targets")
		}
		return
	}
	log.Debug().Int("targets", n).Str("file", g.config.OutputFile).Msg("wrote targets")
}

// Config returns the generator's configuration.
func (g *Generator) Config() Config {
	return g.config
}
