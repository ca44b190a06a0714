// Package metrics exposes the queue's Prometheus gauges: per-status job
// counts (including the synthetic concurrency-limited bucket) and connection
// pool state.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
)

const defaultInterval = 5 * time.Second

// Collector samples the store on a fixed cadence and publishes the gauges.
type Collector struct {
	store    interfaces.Store
	logger   *common.Logger
	interval time.Duration

	registry  *prometheus.Registry
	jobCount  *prometheus.GaugeVec
	poolGauge *prometheus.GaugeVec
}

// NewCollector builds a collector with its own registry. The metric names are
// prefixed with the queue name, matching the exposition one gauge per status.
func NewCollector(store interfaces.Store, queue string, interval time.Duration, logger *common.Logger) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}

	registry := prometheus.NewRegistry()
	jobCount := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: queue + "_job_count",
		Help: "Number of jobs per status, including the synthetic concurrency-limited status.",
	}, []string{"status"})
	poolGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: queue + "_db_pool_connections",
		Help: "Database connection pool state.",
	}, []string{"state"})

	registry.MustRegister(jobCount, poolGauge)

	return &Collector{
		store:     store,
		logger:    logger,
		interval:  interval,
		registry:  registry,
		jobCount:  jobCount,
		poolGauge: poolGauge,
	}
}

// Handler returns the text exposition endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run samples until ctx is done. Sampling errors are logged and skipped; the
// previous values stay published.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

func (c *Collector) sample(ctx context.Context) {
	counts, err := c.store.StatusCounts(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Metrics sample failed")
	} else {
		for status, n := range counts {
			c.jobCount.WithLabelValues(status).Set(float64(n))
		}
	}

	stats := c.store.PoolStats()
	c.poolGauge.WithLabelValues("total").Set(float64(stats.Total))
	c.poolGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	c.poolGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
}
