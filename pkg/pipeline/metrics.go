package pipeline

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radar_etl"

// Metrics exports pipeline and API client activity to Prometheus. It
// satisfies radar.Observer so the same instance can be handed to the
// client. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	records         *prometheus.CounterVec
	rows            *prometheus.CounterVec
	windows         *prometheus.CounterVec
	failures        *prometheus.CounterVec
	checkpoint      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Radar API requests by dataset and HTTP status code.",
		}, []string{"dataset", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Radar API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dataset"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Transient Radar API failures that were retried.",
		}, []string{"dataset"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Raw records fetched from the Radar API.",
		}, []string{"dataset"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows appended to dataset output files.",
		}, []string{"dataset"}),
		windows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_completed_total",
			Help:      "Windows persisted and checkpointed.",
		}, []string{"dataset"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Aborted pipeline runs by failure kind.",
		}, []string{"dataset", "kind"}),
		checkpoint: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_window_end_seconds",
			Help:      "End of the last checkpointed window as a unix timestamp.",
		}, []string{"dataset"}),
	}
}

func (m *Metrics) ObserveRequest(dataset string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dataset, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(dataset).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(dataset string, err error, next time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(dataset).Inc()
}

func (m *Metrics) windowCompleted(dataset string, records, rows int, cp *Checkpoint) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(dataset).Add(float64(records))
	m.rows.WithLabelValues(dataset).Add(float64(rows))
	m.windows.WithLabelValues(dataset).Inc()
	m.checkpoint.WithLabelValues(dataset).Set(float64(cp.WindowEnd.Unix()))
}

func (m *Metrics) runFailed(dataset string, kind ErrorKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(dataset, string(kind)).Inc()
}
