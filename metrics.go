package nosql

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	writes       *prometheus.CounterVec
	corrupt      prometheus.Counter
	viewRebuilds prometheus.Counter
	compactions  prometheus.Counter
	events       *prometheus.CounterVec
	fsync        prometheus.Summary
}

// newMetrics creates the database collectors and registers them on reg
// unless it is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nosql_writes_total",
			Help: "Number of documents written, by operation",
		}, []string{"op"}),
		corrupt: f.NewCounter(prometheus.CounterOpts{
			Name: "nosql_corrupt_records_total",
			Help: "Number of corrupt records skipped while scanning the log",
		}),
		viewRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "nosql_view_rebuilds_total",
			Help: "Number of full view rebuilds",
		}),
		compactions: f.NewCounter(prometheus.CounterOpts{
			Name: "nosql_compactions_total",
			Help: "Number of log compactions",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nosql_events_total",
			Help: "Number of change events emitted, by operation",
		}, []string{"op"}),
		fsync: f.NewSummary(prometheus.SummaryOpts{
			Name:       "nosql_fsync_duration_seconds",
			Help:       "Duration of log fsync calls",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
}

func (m *metrics) observeFsync(d time.Duration) {
	m.fsync.Observe(d.Seconds())
}
