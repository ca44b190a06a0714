package metrics

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
)

// stubStore overrides just the sampling surface of interfaces.Store.
type stubStore struct {
	interfaces.Store
	counts map[string]int
	stats  interfaces.PoolStats
}

func (s *stubStore) StatusCounts(ctx context.Context) (map[string]int, error) {
	return s.counts, nil
}

func (s *stubStore) PoolStats() interfaces.PoolStats { return s.stats }

func TestCollectorSample(t *testing.T) {
	store := &stubStore{
		counts: map[string]int{
			"queued":              3,
			"active":              1,
			"concurrency-limited": 2,
		},
		stats: interfaces.PoolStats{Total: 10, Idle: 7, InUse: 3},
	}
	c := NewCollector(store, "scrape", 0, common.NewSilentLogger())

	c.sample(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobCount.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobCount.WithLabelValues("concurrency-limited")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.poolGauge.WithLabelValues("idle")))
}

func TestCollectorHandlerExposition(t *testing.T) {
	store := &stubStore{counts: map[string]int{"queued": 5}}
	c := NewCollector(store, "scrape", 0, common.NewSilentLogger())
	c.sample(context.Background())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `scrape_job_count{status="queued"} 5`)
	assert.Contains(t, rec.Body.String(), `scrape_db_pool_connections{state="total"} 0`)
}
