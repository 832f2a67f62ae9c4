/*
Package metrics exposes flowjob's Prometheus metrics and the broker's
health endpoints.

Every metric is registered with the default registry at package init and
served by Handler. Counters and histograms are updated inline by the
packages doing the work; gauges describing broker state are sampled by a
Collector from a Source.

# Metric Catalog

Scheduling:

	flowjob_schedules_armed                 entries on the time wheel
	flowjob_schedules_fired_total           firings handed to the pool
	flowjob_schedules_duplicate_total       Schedule calls for an id already armed
	flowjob_schedules_rejected_total        firings dropped by a saturated pool
	flowjob_schedule_fire_lag_seconds       firing time minus trigger time

Workers and selection:

	flowjob_workers_total{status}
	flowjob_selection_duration_seconds{strategy}
	flowjob_selection_failures_total{reason}
	flowjob_selection_picks_total{strategy}

Execution:

	flowjob_plan_instances_total{status}
	flowjob_job_instances_total{status}
	flowjob_job_retries_total
	flowjob_active_tasks{status}
	flowjob_tasks_dispatched_total
	flowjob_tasks_failed_total{reason}
	flowjob_dispatch_latency_seconds

Cluster and RPC:

	flowjob_cluster_is_leader
	flowjob_cluster_owned_slots
	flowjob_rpc_requests_total{method,status}
	flowjob_rpc_request_duration_seconds{method}

# Timing

	timer := metrics.NewTimer()
	w, err := sel.Select(inv, workers)
	timer.ObserveDurationVec(metrics.SelectionDuration, string(lbType))

# Health

NewServeMux serves /metrics next to /health, /ready and /live.
Components report through SetComponent; the broker is ready once every
entry of CriticalComponents is registered and healthy.

	metrics.SetComponent("cluster", true, "raft")

	$ curl -s localhost:9090/ready
	{"status":"ready","components":{"cluster":"ready",...}}
*/
package metrics
