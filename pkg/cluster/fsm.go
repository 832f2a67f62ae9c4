package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const opAssignSlots = "assign_slots"

// slotFSM replicates the slot to node assignment
type slotFSM struct {
	mu          sync.RWMutex
	assignments []string
	epoch       uint64
}

func newSlotFSM(slots int) *slotFSM {
	return &slotFSM{assignments: make([]string, slots)}
}

// Apply applies a Raft log entry to the FSM
func (f *slotFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opAssignSlots:
		var assignments []string
		if err := json.Unmarshal(cmd.Data, &assignments); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(assignments) != len(f.assignments) {
			return fmt.Errorf("assignment covers %d slots, want %d", len(assignments), len(f.assignments))
		}
		f.assignments = assignments
		f.epoch++
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *slotFSM) owner(slot int) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.assignments[slot]
}

func (f *slotFSM) count(nodeID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, owner := range f.assignments {
		if owner == nodeID {
			n++
		}
	}
	return n
}

func (f *slotFSM) snapshotAssignments() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.assignments...)
}

func (f *slotFSM) currentEpoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// Snapshot returns a snapshot of the assignment
func (f *slotFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &slotSnapshot{Assignments: f.snapshotAssignments()}, nil
}

// Restore restores the assignment from a snapshot
func (f *slotFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot slotSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(snapshot.Assignments) == len(f.assignments) {
		f.assignments = snapshot.Assignments
		f.epoch++
	}
	return nil
}

type slotSnapshot struct {
	Assignments []string
}

// Persist writes the snapshot to the given SnapshotSink
func (s *slotSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *slotSnapshot) Release() {}

// balance assigns every slot to one of servers, keeping current owners
// where that does not exceed an even share. The result is deterministic for
// a given input.
func balance(current []string, servers []string) []string {
	next := make([]string, len(current))
	if len(servers) == 0 {
		return next
	}

	sorted := append([]string(nil), servers...)
	sort.Strings(sorted)
	quota := (len(current) + len(sorted) - 1) / len(sorted)

	counts := make(map[string]int, len(sorted))
	for _, s := range sorted {
		counts[s] = 0
	}

	for slot, owner := range current {
		if n, live := counts[owner]; live && n < quota {
			next[slot] = owner
			counts[owner]++
		}
	}

	for slot := range next {
		if next[slot] != "" {
			continue
		}
		least := sorted[0]
		for _, s := range sorted[1:] {
			if counts[s] < counts[least] {
				least = s
			}
		}
		next[slot] = least
		counts[least]++
	}
	return next
}
