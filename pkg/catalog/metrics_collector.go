package catalog

import (
	"context"
	"time"

	"github.com/sopdb/sop/pkg/metrics"
)

// StatsCollector periodically pushes each open store's item count and
// the total open-store count into the process's Prometheus gauges, and
// sweeps expired unlock tokens. Grounded on the teacher's ticker-driven
// collect loop.
type StatsCollector struct {
	db     *Database
	stopCh chan struct{}
}

func NewStatsCollector(db *Database) *StatsCollector {
	return &StatsCollector{db: db, stopCh: make(chan struct{})}
}

func (c *StatsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *StatsCollector) Stop() {
	close(c.stopCh)
}

func (c *StatsCollector) collect() {
	c.db.Tokens.CleanupExpired()

	ctx := context.Background()
	names, err := c.db.StoreNames(ctx)
	if err != nil {
		return
	}
	metrics.StoresOpenTotal.Set(float64(len(names)))
	for _, name := range names {
		info, err := c.db.OpenStore(ctx, name)
		if err != nil {
			continue
		}
		metrics.StoreItemsTotal.WithLabelValues(name).Set(float64(info.ItemCount))
	}
}
