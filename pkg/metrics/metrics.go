package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Allocator metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermgr_agents_total",
			Help: "Total number of registered agents by activation status",
		},
		[]string{"status"},
	)

	FrameworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermgr_frameworks_total",
			Help: "Total number of registered frameworks by active status",
		},
		[]string{"status"},
	)

	AllocationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clustermgr_allocation_cycle_duration_seconds",
			Help:    "Time taken to complete one allocate() cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	AllocationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clustermgr_allocation_cycles_total",
			Help: "Total number of allocation cycles run",
		},
	)

	OffersGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermgr_offers_generated_total",
			Help: "Total number of (framework, role, agent) offers generated",
		},
		[]string{"role"},
	)

	InverseOffersGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clustermgr_inverse_offers_generated_total",
			Help: "Total number of inverse offers generated for maintenance",
		},
	)

	QuotaUnsatisfiedScalar = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermgr_quota_unsatisfied",
			Help: "Remaining unsatisfied quota scalar quantity by role and resource name",
		},
		[]string{"role", "resource"},
	)

	FiltersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermgr_filters_active",
			Help: "Number of offer/inverse-offer filters currently installed",
		},
	)

	// Agent metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermgr_agent_tasks_total",
			Help: "Total number of tasks tracked by the agent by state",
		},
		[]string{"state"},
	)

	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermgr_agent_executors_total",
			Help: "Total number of executors tracked by the agent by state",
		},
		[]string{"state"},
	)

	StatusUpdatesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermgr_status_updates_in_flight",
			Help: "Number of status updates awaiting acknowledgement from the master",
		},
	)

	StatusUpdatesAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clustermgr_status_updates_acked_total",
			Help: "Total number of status updates acknowledged by the master",
		},
	)

	TaskLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clustermgr_task_launch_duration_seconds",
			Help:    "Time taken to run a task from runTask to executor dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clustermgr_recovery_duration_seconds",
			Help:    "Time taken to replay checkpoints and reconcile with the containerizer on restart",
			Buckets: prometheus.DefBuckets,
		},
	)

	OperationsPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermgr_operations_pending_total",
			Help: "Number of tracked operations awaiting a terminal status",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(FrameworksTotal)
	prometheus.MustRegister(AllocationCycleDuration)
	prometheus.MustRegister(AllocationCyclesTotal)
	prometheus.MustRegister(OffersGeneratedTotal)
	prometheus.MustRegister(InverseOffersGeneratedTotal)
	prometheus.MustRegister(QuotaUnsatisfiedScalar)
	prometheus.MustRegister(FiltersActive)

	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ExecutorsTotal)
	prometheus.MustRegister(StatusUpdatesInFlight)
	prometheus.MustRegister(StatusUpdatesAckedTotal)
	prometheus.MustRegister(TaskLaunchDuration)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(OperationsPendingTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
