package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/loader"
	"github.com/turbolytics/radar-etl/pkg/radar"
)

var _ radar.Observer = (*Metrics)(nil)

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	p, err := New(httpRequests(t),
		WithFetcher(&stubFetcher{n: 4}),
		WithLoader(loader.New(t.TempDir())),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
		WithMetrics(metrics),
	)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	s := NewServer(zap.NewNop(), reg)
	s.RegisterPipeline(p)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/pipelines")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body struct {
			Pipelines []PipelineInfo `json:"pipelines"`
			Count     int            `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		require.Len(t, body.Pipelines, 1)
		assert.Equal(t, "http_requests", body.Pipelines[0].ID)
		assert.Equal(t, StateDone, body.Pipelines[0].State)
		assert.Equal(t, 2, body.Pipelines[0].Stats.WindowsDone)
		assert.Equal(t, int64(8), body.Pipelines[0].Stats.RowsWritten)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/pipelines/http_requests")
		require.NoError(t, err)
		defer resp.Body.Close()

		var info PipelineInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		assert.Equal(t, "http_requests", info.Dataset)
		require.NotNil(t, info.Stats.LastCheckpoint)
		assert.True(t, info.Stats.LastCheckpoint.WindowEnd.Equal(date("2024-01-03")))
	})

	t.Run("not_found", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/pipelines/unknown")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `radar_etl_rows_written_total{dataset="http_requests"} 8`)
	})
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRequest("outages", 200, 10*time.Millisecond)
	m.ObserveRequest("outages", 429, 5*time.Millisecond)
	m.ObserveRetry("outages", nil, time.Second)
	m.windowCompleted("outages", 5, 4, &Checkpoint{WindowEnd: date("2024-01-02")})
	m.runFailed("outages", KindTransient)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("outages", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("outages")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.records.WithLabelValues("outages")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rows.WithLabelValues("outages")))
	assert.Equal(t, float64(date("2024-01-02").Unix()), testutil.ToFloat64(m.checkpoint.WithLabelValues("outages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("outages", "transient")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.ObserveRequest("outages", 200, time.Millisecond)
		nilMetrics.runFailed("outages", KindSchema)
	})
}
