/*
Package rpc carries tasks from the broker to workers and task outcomes
back, over gRPC with well-known protobuf payloads.

There is no generated code. Each service is a hand-written
grpc.ServiceDesc whose messages are structpb.Struct, wrapperspb.BoolValue
and emptypb.Empty, so any gRPC client that can build a Struct can talk to a
broker or act as a worker.

# Architecture

	┌─────────────────────────── Broker ────────────────────────────┐
	│                                                                │
	│  lifecycle.Engine ──► WorkerClient ─────────────┐              │
	│        ▲              (conn cache per URL)      │              │
	│        │                                        │              │
	│        │ HandleTaskSuccess / HandleTaskFail     │              │
	│        │                                        │              │
	│  ┌─────┴──────────────── Server ──────────────┐ │              │
	│  │ flowjob.rpc.Feedback   flowjob.rpc.Admin    │ │              │
	│  │ grpc.health.v1         reflection           │ │              │
	│  │ MetricsInterceptor on every unary call      │ │              │
	│  └─────▲───────────────────────▲──────────────┘ │              │
	└────────┼───────────────────────┼────────────────┼──────────────┘
	         │                       │                │ Dispatch
	         │ ReportTask*           │ ApplyPlan ...  ▼
	         │ Heartbeat             │         ┌──────────────────┐
	   ┌─────┴─────────────┐   ┌─────┴──────┐  │ flowjob.rpc.     │
	   │ FeedbackClient    │   │ AdminClient│  │ Worker           │
	   │ (worker process)  │   │ (CLI)      │  │ (worker process) │
	   └───────────────────┘   └────────────┘  └──────────────────┘

# Services

flowjob.rpc.Worker, served by workers:

	Dispatch(Struct) BoolValue      task payload in, accepted or not out

flowjob.rpc.Feedback, served by the broker:

	ReportTaskSuccess(Struct) Empty     task_id, result
	ReportTaskFail(Struct) Empty        task_id, error
	Heartbeat(Struct) Empty             worker snapshot

flowjob.rpc.Admin, served by the broker on the same listener:

	ApplyPlan(Struct) Struct        document → plan_id, version, owned
	EnablePlan(Struct) Empty        plan_id
	DisablePlan(Struct) Empty       plan_id
	TriggerPlan(Struct) Struct      plan_id → plan_instance_id, version
	TriggerJob(Struct) Empty        plan_instance_id, job_id

# Payloads

A dispatched task carries:

	task_id, job_instance_id, plan_instance_id, job_id
	type             STANDALONE, BROADCAST, SHARDING, MAP or REDUCE
	executor_name
	shard_index      number
	attributes       string map

A heartbeat carries worker_id, url, executors, tags, cpu, ram,
queue_limit and status. EncodeTask, DecodeTask, EncodeHeartbeat and
DecodeHeartbeat are exported so worker implementations in Go share the
same field names.

# Worker Registration

Workers are not registered ahead of time. The first heartbeat from an
unknown worker id registers it; later heartbeats refresh its status and
free resources. A worker stops receiving tasks once it reports FUSING or
its heartbeat times out.

# Error Mapping

Handler errors are translated into gRPC status codes:

	types.ErrNotFound                    NotFound
	*types.ConfigError                   InvalidArgument
	*types.StructureError                InvalidArgument
	types.ErrDuplicateTrigger            AlreadyExists
	types.ErrNotOwner                    FailedPrecondition
	types.ErrPlanDisabled                FailedPrecondition
	types.ErrStaleVersion                FailedPrecondition
	anything else                        Internal

Missing required fields are rejected with InvalidArgument before the
handler runs.

On the client side, WorkerClient.Dispatch wraps every connection or call
failure in *types.DispatchTransportError. A worker answering false is not
an error; the engine fails the task as rejected.

# Usage

Broker side:

	srv := rpc.NewServer(engine, registry)
	srv.RegisterAdmin(broker)
	go srv.Start("0.0.0.0:7070")
	defer srv.Stop()

	client := rpc.NewWorkerClient(5 * time.Second)
	defer client.Close()
	accepted, err := client.Dispatch(ctx, worker, task)

Worker side:

	fb, err := rpc.NewFeedbackClient("broker:7070")
	if err != nil {
		return err
	}
	defer fb.Close()
	err = fb.Heartbeat(ctx, self)
	err = fb.ReportTaskSuccess(ctx, task.ID, map[string]string{"rows": "42"})

Operator side:

	admin, err := rpc.NewAdminClient("broker:7070", 10*time.Second)
	applied, err := admin.ApplyPlan(ctx, yamlDocument)
	if !applied.Owned {
		// another broker owns the slot; apply the document there too
	}

# Transport Security

Clients dial with insecure credentials unless dial options are passed.
NewWorkerClient and NewFeedbackClient accept grpc.DialOption values, so a
deployment can supply TLS credentials without changes to this package.

# Metrics

MetricsInterceptor records every unary call on the server:

  - flowjob_rpc_requests_total{method, status}
  - flowjob_rpc_request_duration_seconds{method}

WorkerClient records flowjob_dispatch_latency_seconds for each Dispatch
round trip. Failed calls are logged at debug level with the method and
code.

# Troubleshooting

Use grpcurl against the reflection service to inspect a broker:

	grpcurl -plaintext broker:7070 list
	grpcurl -plaintext broker:7070 grpc.health.v1.Health/Check

A growing flowjob_tasks_failed_total{reason="transport"} usually means the URL a worker
advertises in its heartbeat is not reachable from the broker. Worker URLs
may carry a grpc:// prefix, which Target strips before dialing.
*/
package rpc
