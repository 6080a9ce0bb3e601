package metrics

import (
	"context"
	"time"
)

// Collector periodically refreshes gauges that the request path does not
// keep current, such as volume free space or nodes whose burn has expired.
type Collector struct {
	sources []func()
}

// NewCollector creates a collector calling each source on every tick.
func NewCollector(sources ...func()) *Collector {
	return &Collector{sources: sources}
}

// Collect runs every source once.
func (c *Collector) Collect() {
	for _, fn := range c.sources {
		if fn != nil {
			fn()
		}
	}
}

// Run collects immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
