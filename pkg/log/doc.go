/*
Package log provides structured logging for flowjob using zerolog.

A single global Logger is configured once at startup by Init. Packages
derive child loggers carrying the identifiers an operator filters on:

	log.WithComponent("scheduler")          component=scheduler
	log.WithNodeID(cfg.NodeID)              node_id=broker-1
	log.WithPlanID(plan.ID)                 plan_id=nightly
	log.WithJobInstanceID(ji.ID)            job_instance_id=...
	log.WithTaskID(task.ID)                 task_id=...
	log.WithWorkerID(w.ID)                  worker_id=...

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Console output is meant for a terminal; JSON output for log shippers.
Output defaults to stdout. Unknown levels fall back to info.

# Conventions

Messages start with a capital letter and describe what happened, with the
details in fields rather than in the message:

	logger := log.WithPlanID(plan.ID)
	logger.Info().
		Int("version", plan.Version).
		Time("trigger_at", triggerAt).
		Msg("Plan armed")

Errors go through Err so that they land in the "error" field. Firing and
dispatch decisions log at debug; state transitions of plan and job
instances at info; failures the broker recovers from at warn.

Raft's hclog output is bridged into the same logger by the cluster
package.
*/
package log
