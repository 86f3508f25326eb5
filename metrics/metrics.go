package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router is satisfied by both *http.ServeMux and chi routers.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_submissions_total",
			Help: "Admission decisions for submitted requests",
		},
		[]string{"result"}, // accepted|duplicate
	)

	RequestsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_requests_finished_total",
			Help: "Requests that reached a terminal state",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Requests waiting in the queue",
		},
	)

	RunningRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_running_requests",
			Help: "Requests currently executing",
		},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_execution_duration_seconds",
			Help:    "Duration of executor calls",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_queue_wait_seconds",
			Help:    "Time between submission and start",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_confirmations_total",
			Help: "Confirmation gate events",
		},
		[]string{"outcome"}, // created|approved|rejected|not_found|expired
	)

	NotificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_notification_failures_total",
			Help: "Notifications that could not be delivered",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_commands_total",
			Help: "Commands handled from the command bus",
		},
		[]string{"type", "result"}, // result: ok|rejected|error
	)

	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_command_duration_seconds",
			Help:    "Time to handle a command and publish its reply",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_circuit_breaker_state",
			Help: "Executor circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(RequestsFinished)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunningRequests)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(QueueWait)
	prometheus.MustRegister(ConfirmationsTotal)
	prometheus.MustRegister(NotificationFailures)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(CircuitBreakerState)
}

func Register(r Router) {
	r.Handle("/metrics", promhttp.Handler())
}
