package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowjob_workers_total",
			Help: "Total number of known workers by status",
		},
		[]string{"status"},
	)

	ActiveTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowjob_active_tasks",
			Help: "Number of tasks not yet terminal by status",
		},
		[]string{"status"},
	)

	ClusterLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowjob_cluster_is_leader",
			Help: "Whether this broker is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	OwnedSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowjob_cluster_owned_slots",
			Help: "Number of plan slots owned by this broker",
		},
	)

	// Scheduler metrics
	SchedulesArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowjob_schedules_armed",
			Help: "Number of entities armed on the time wheel",
		},
	)

	SchedulesFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowjob_schedules_fired_total",
			Help: "Total number of time wheel firings handed to the pool",
		},
	)

	SchedulesDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowjob_schedules_duplicate_total",
			Help: "Total number of schedule requests rejected because the id was already armed",
		},
	)

	SchedulesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowjob_schedules_rejected_total",
			Help: "Total number of firings dropped because the worker pool was saturated",
		},
	)

	FireLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowjob_schedule_fire_lag_seconds",
			Help:    "Delay between the requested trigger instant and the actual firing",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Selection metrics
	SelectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowjob_selection_duration_seconds",
			Help:    "Worker selection duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	SelectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_selection_failures_total",
			Help: "Total number of selections that found no eligible worker by filter stage",
		},
		[]string{"stage"},
	)

	SelectionPicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_selection_picks_total",
			Help: "Total number of workers picked by strategy",
		},
		[]string{"strategy"},
	)

	// Lifecycle metrics
	PlanInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_plan_instances_total",
			Help: "Total number of plan instance transitions by status",
		},
		[]string{"status"},
	)

	JobInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_job_instances_total",
			Help: "Total number of job instance transitions by status",
		},
		[]string{"status"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowjob_job_retries_total",
			Help: "Total number of job instance retries",
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowjob_tasks_dispatched_total",
			Help: "Total number of tasks accepted by workers",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_tasks_failed_total",
			Help: "Total number of failed tasks by reason",
		},
		[]string{"reason"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowjob_dispatch_latency_seconds",
			Help:    "Time taken by a worker to answer a dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowjob_rpc_requests_total",
			Help: "Total number of feedback RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowjob_rpc_request_duration_seconds",
			Help:    "Feedback RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ActiveTasks)
	prometheus.MustRegister(ClusterLeader)
	prometheus.MustRegister(OwnedSlots)
	prometheus.MustRegister(SchedulesArmed)
	prometheus.MustRegister(SchedulesFired)
	prometheus.MustRegister(SchedulesDuplicate)
	prometheus.MustRegister(SchedulesRejected)
	prometheus.MustRegister(FireLag)
	prometheus.MustRegister(SelectionDuration)
	prometheus.MustRegister(SelectionFailures)
	prometheus.MustRegister(SelectionPicks)
	prometheus.MustRegister(PlanInstancesTotal)
	prometheus.MustRegister(JobInstancesTotal)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
