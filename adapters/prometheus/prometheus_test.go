package prometheus

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	require.NotNil(t, m)

	// Test store operations
	timer := m.StoreReadDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.StoreAppendDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("user", 5)

	// Test repository operations
	m.RepoLoadDuration("user").ObserveDuration()
	m.RepoSaveDuration("user").ObserveDuration()
	m.ConcurrencyConflict("user")

	// Test cache
	m.CacheHit("user")
	m.CacheMiss("user")

	// Test snapshots
	m.SnapshotLoadDuration("user").ObserveDuration()
	m.SnapshotSaveDuration("user").ObserveDuration()

	// Test relay
	m.EventsPublished(3)
	m.PublishFailed()

	// Test consumer
	m.ConsumerEventDuration("projection", "UserCreated").ObserveDuration()
	m.ConsumerEventProcessed("projection", "UserCreated", true)
	m.ConsumerEventProcessed("projection", "UserCreated", false)
	m.ConsumerRedelivery("projection")
	m.DeadLettered("projection")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["clstr_es_store_read_duration_seconds"])
	assert.True(t, names["clstr_es_repo_load_duration_seconds"])
	assert.True(t, names["clstr_es_cache_hits_total"])
	assert.True(t, names["clstr_es_events_published_total"])
	assert.True(t, names["clstr_es_dead_letters_total"])

	pm := m.(*esMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(pm.eventsAppended.WithLabelValues("user")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.consumerEvents.WithLabelValues("projection", "UserCreated", "false")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	m.CacheHit("counter")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `clstr_es_cache_hits_total{aggregate_type="counter"} 1`)
}

func TestESMetrics_Env(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	pm := m.(*esMetrics)

	te := es.StartTestEnv(t, domain.EnvOption(), es.WithMetrics(m))
	repo := domain.NewRepository(te.Env)

	_, err := repo.Execute(t.Context(), "c-1", domain.Create("c-1"))
	require.NoError(t, err)
	_, err = repo.Execute(t.Context(), "c-1", domain.IncrementBy(1))
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.eventsAppended.WithLabelValues(domain.AggregateType)))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.eventsPublished))
}
