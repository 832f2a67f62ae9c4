/*
Package cluster decides which broker node schedules which plan.

Plans hash into a fixed number of slots (crc32 of the plan id modulo the
slot count). A node arms a plan on its time wheel only when it owns the
plan's slot, so every plan fires on exactly one node.

StaticDirectory serves a single broker that owns everything.
RaftDirectory runs hashicorp/raft between broker nodes: the leader spreads
slots evenly over the voters in the Raft configuration, replicates the
assignment through the log, and rebalances when voters join or leave.
Moving a slot only changes owners where an even share requires it.

Epoch increases with every applied assignment so callers can tell when to
re-evaluate the plans they hold.

# Architecture

	┌──────────── node-1 (leader) ────────────┐
	│ run loop                                 │
	│   LeaderCh → rebalance                   │
	│   ticker   → rebalance (every 5s)        │
	│                                          │
	│ rebalance                                │
	│   voters := GetConfiguration()           │
	│   next   := balance(current, voters)     │
	│   next != current → raft.Apply           │
	└──────────────────┬───────────────────────┘
	                   │ assign_slots log entry
	      ┌────────────┼────────────┐
	      ▼            ▼            ▼
	┌──────────┐ ┌──────────┐ ┌──────────┐
	│ slotFSM  │ │ slotFSM  │ │ slotFSM  │
	│ node-1   │ │ node-2   │ │ node-3   │
	│ epoch 7  │ │ epoch 7  │ │ epoch 7  │
	└────┬─────┘ └────┬─────┘ └────┬─────┘
	     │ Owns       │ Owns       │ Owns
	     ▼            ▼            ▼
	 lifecycle    lifecycle    lifecycle
	 engine       engine       engine

Each slotFSM holds one owner node id per slot and the epoch of the last
applied assignment. Owns is answered from the local FSM without a network
round trip, so it is cheap enough to check on every firing.

# Slot Assignment

balance is deterministic. With 128 slots and three voters the quota is
ceil(128/3) = 43:

 1. every slot whose current owner is still a voter keeps that owner while
    the owner is below quota
 2. every remaining slot goes to the voter with the fewest slots, ties
    broken by node id

Adding a fourth voter lowers the quota to 32. Each existing node keeps its
first 32 slots and the surplus moves to the new node; nothing else moves.
Removing a voter only redistributes the slots it held.

The leader applies a new assignment only when it differs from the current
one, so a steady cluster writes nothing to the log.

# Bootstrapping

A node with no Raft state bootstraps a configuration made of itself and
cfg.Peers. Every node of the initial cluster should be started with the
same peer list; raft.ErrCantBootstrap from nodes that already joined is
ignored. Nodes added later join through AddVoter on the leader.

	nodes, err := cluster.NewRaftDirectory(cluster.RaftConfig{
		NodeID:   "broker-1",
		BindAddr: "10.0.0.1:7946",
		DataDir:  "/var/lib/flowjob",
		Peers: []cluster.Peer{
			{ID: "broker-2", Address: "10.0.0.2:7946"},
			{ID: "broker-3", Address: "10.0.0.3:7946"},
		},
	})
	if err != nil {
		return err
	}
	defer nodes.Close()

Raft state lives under <DataDir>/raft: raft.db holds the log and stable
store, and the two latest snapshots sit beside it.

# Timing

Raft is tuned for a LAN: 500ms heartbeat and election timeouts, 50ms
commit timeout and a 250ms leader lease. A failed leader is replaced in a
few seconds, and its slots are reassigned on the new leader's first
rebalance.

# What Is Not Replicated

Only slot ownership goes through Raft. Plans, instances and tasks live in
each broker's own BoltDB store. A plan fires on the broker owning its slot,
so it must be stored on that broker. The admin ApplyPlan answer says
whether the receiving broker owns the plan; operators apply the same
document to every broker of a raft cluster.

When ownership moves, the new owner's plan loader sees a new epoch, reloads
every stored plan and arms the ones it now owns. The old owner stops
firing them because every firing checks Owns first.

# Logging

Raft's own hclog output is written into the zerolog logger with
component=raft. Its level follows RaftConfig.LogLevel and defaults to
warn. Leadership changes and rebalances are logged with component=cluster
and the node id.

# Metrics

The broker's collector reports:

  - flowjob_cluster_is_leader: 1 on the Raft leader
  - flowjob_cluster_owned_slots: slots this node owns

Across a healthy cluster the owned slot gauges sum to the slot count and
none exceeds the quota.

# Troubleshooting

## A node owns no slots

The node is probably not a voter. Check that it was in the bootstrap peer
list or added with AddVoter, and that the leader can reach its raftAddr.

## Slots keep moving

A voter that flaps in and out of the configuration makes the leader
rebalance each time. Look for "Gained leadership" and "Lost leadership"
churn in the logs.

## Changing the slot count

The slot count must match on every node and must not change after the
cluster has started. Changing it remaps every plan.
*/
package cluster
