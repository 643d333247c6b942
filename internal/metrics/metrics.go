package metrics

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds Prometheus metrics for the bot
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsFinalized prometheus.Counter
	GraceResumes      prometheus.Counter
	GraceExpiries     prometheus.Counter
	OpenSessions      prometheus.Gauge
	ResetRuns         *prometheus.CounterVec
	UsersReset        *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	DBConnPoolStats   *prometheus.GaugeVec
}

// New creates a new metrics instance
func New() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "sessions_started_total",
			Help:      "Voice sessions opened",
		}),
		SessionsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "sessions_finalized_total",
			Help:      "Voice sessions closed and persisted",
		}),
		GraceResumes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "grace_resumes_total",
			Help:      "Rejoins inside the grace window",
		}),
		GraceExpiries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "grace_expiries_total",
			Help:      "Grace periods that expired into a real departure",
		}),
		OpenSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "housepoints",
			Name:      "open_sessions",
			Help:      "Currently open voice sessions",
		}),
		ResetRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "reset_runs_total",
			Help:      "Reset job invocations",
		}, []string{"job"}),
		UsersReset: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "users_reset_total",
			Help:      "Users whose counters were zeroed",
		}, []string{"job"}),
		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "housepoints",
			Name:      "alerts_raised_total",
			Help:      "Failures absorbed by the alerting wrapper",
		}, []string{"label"}),
		DBConnPoolStats: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "housepoints",
			Name:      "db_connection_pool",
			Help:      "Database connection pool statistics",
		}, []string{"stat"}),
	}
}

// RecordDBPoolStats records database connection pool statistics
func (m *Metrics) RecordDBPoolStats(stats sql.DBStats) {
	m.DBConnPoolStats.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.DBConnPoolStats.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.DBConnPoolStats.WithLabelValues("idle").Set(float64(stats.Idle))
	m.DBConnPoolStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	m.DBConnPoolStats.WithLabelValues("wait_duration_ms").Set(float64(stats.WaitDuration.Milliseconds()))
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics listener stopped")
		}
	}()
}
