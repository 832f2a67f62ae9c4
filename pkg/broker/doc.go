/*
Package broker assembles a flowjob broker node from the storage, cluster,
scheduler, lifecycle and rpc packages.

# Architecture

	                     flowjob broker start
	                              │
	                              ▼
	┌──────────────────────────── Broker ─────────────────────────────┐
	│                                                                  │
	│  storage.BoltStore ◄──────── lifecycle.Engine ────► rpc.Worker-  │
	│  <dataDir>/flowjob.db         │   ▲    │             Client      │
	│                               │   │    ▼                         │
	│  cluster.Static or Raft ──────┘   │  scheduler.Scheduler         │
	│  Directory (Owns)                 │  (time wheel + ants pool)    │
	│                                   │                              │
	│  registry.Directory ──────────────┤  PlanLoader   TaskChecker    │
	│  (heartbeats, sweep)              │                              │
	│                                   │                              │
	│  rpc.Server :7070 ────────────────┘  metrics :9090               │
	│    Feedback + Admin + health           /metrics /health          │
	│                                        /ready   /live            │
	└──────────────────────────────────────────────────────────────────┘

New builds every component from a config.Config and releases whatever it
created if a later step fails. Start opens the listeners and launches the
background loops; Stop cancels them, drains the gRPC server and closes the
store last.

# Usage

	cfg, err := config.Load("broker.yaml")
	if err != nil {
		return err
	}
	b, err := broker.New(cfg)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-b.Errors():
		log.Logger.Error().Err(err).Msg("Broker failed")
	}
	return b.Stop(context.Background())

# Background Loops

  - registry sweep: marks workers TERMINATED when their heartbeat times out
  - plan loader: arms stored plans this node owns
  - task checker: fails tasks left on lost workers
  - metrics collector: refreshes gauges from the broker
  - event logger: writes every bus event to the debug log

# Admin Operations

Broker implements rpc.AdminHandler. ApplyPlan parses a YAML document with
the planfile package and saves it through the engine. When the node does
not own the plan's slot the plan is still stored, a warning is logged and
the answer says so: in raft mode every broker keeps its own store, so the
plan must be applied to its owner too.
*/
package broker
