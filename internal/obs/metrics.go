package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Security-domain metrics shared across the recorder, the workers and the
// alert manager.
var (
	ActivitiesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_activities_recorded_total",
			Help: "Activities recorded, by activity type.",
		},
		[]string{"type"},
	)

	ActivityRiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "security_activity_risk_score",
		Help:    "Distribution of computed activity risk scores.",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "security_activity_queue_depth",
		Help: "Activities currently waiting for the monitor.",
	})

	QueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "security_activity_queue_dropped_total",
		Help: "Activities dropped from the bounded queue under load.",
	})

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "security_audit_dropped_total",
		Help: "Audit events dropped because the sink could not keep up.",
	})

	PermissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_permission_checks_total",
			Help: "Permission checks, by result.",
		},
		[]string{"result"},
	)

	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_alerts_created_total",
			Help: "Security alerts created, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	IncidentsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_incidents_opened_total",
			Help: "Breach incidents opened, by incident type.",
		},
		[]string{"type"},
	)

	WorkerIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_worker_iterations_total",
			Help: "Completed worker iterations, by worker.",
		},
		[]string{"worker"},
	)

	WorkerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_worker_errors_total",
			Help: "Failed worker iterations, by worker.",
		},
		[]string{"worker"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		ActivitiesRecorded,
		ActivityRiskScore,
		QueueDepth,
		QueueDropped,
		AuditDropped,
		PermissionChecks,
		AlertsCreated,
		IncidentsOpened,
		WorkerIterations,
		WorkerErrors,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
