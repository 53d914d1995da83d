package metrics

import "time"

// StatsProvider supplies the store-level values a Collector polls, so
// metrics needs no import of the package that owns the stores (which
// itself imports metrics for commit/conflict counters). pkg/catalog's
// Database does not implement it; catalog's StatsCollector sets the
// same gauges directly.
type StatsProvider interface {
	// StoreItemCounts returns each open store's published item_count.
	StoreItemCounts() map[string]int64
	// OpenStoreCount returns the number of stores currently open.
	OpenStoreCount() int
}

// Collector polls a StatsProvider on an interval and updates the
// corresponding gauges, the same ticker-driven collect loop used
// elsewhere in this codebase for periodic background work.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider) *Collector {
	return &Collector{
		provider: provider,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	StoresOpenTotal.Set(float64(c.provider.OpenStoreCount()))
	for store, count := range c.provider.StoreItemCounts() {
		StoreItemsTotal.WithLabelValues(store).Set(float64(count))
	}
}
