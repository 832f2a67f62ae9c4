package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// DefaultRebalanceInterval is how often the leader checks slot balance
const DefaultRebalanceInterval = 5 * time.Second

// Peer is a broker node taking part in slot ownership
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// RaftConfig configures a RaftDirectory
type RaftConfig struct {
	NodeID            string
	BindAddr          string
	DataDir           string
	Slots             int
	Peers             []Peer // Other nodes of the initial cluster
	RebalanceInterval time.Duration
	LogLevel          string
}

// RaftDirectory shares plan ownership between broker nodes. The leader
// spreads slots over the Raft configuration and replicates the assignment
// through the log; every node answers Owns from its local copy.
type RaftDirectory struct {
	nodeID   string
	slots    int
	interval time.Duration

	raft   *raft.Raft
	fsm    *slotFSM
	closer []func() error

	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRaftDirectory starts a Raft node using TCP transport and BoltDB log
// storage under cfg.DataDir. A fresh node bootstraps the cluster from
// itself and cfg.Peers.
func NewRaftDirectory(cfg RaftConfig) (*RaftDirectory, error) {
	dataDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	// An unspecified address cannot be advertised; let the listener decide
	var advertise net.Addr
	if addr.IP != nil && !addr.IP.IsUnspecified() && addr.Port != 0 {
		advertise = addr
	}

	logger := newRaftLogger(cfg.LogLevel)
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(dataDir, 2, logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	// Log store and stable store share one BoltDB file
	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	d, err := newRaftDirectory(cfg, logger, boltStore, boltStore, snapshotStore, transport)
	if err != nil {
		boltStore.Close()
		transport.Close()
		return nil, err
	}
	d.closer = append(d.closer, transport.Close, boltStore.Close)
	return d, nil
}

func newRaftDirectory(cfg RaftConfig, logger hclog.Logger, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport) (*RaftDirectory, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = logger

	// Tuned for LAN failover well under ten seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	fsm := newSlotFSM(cfg.Slots)
	r, err := raft.NewRaft(config, fsm, logs, stable, snaps, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	d := &RaftDirectory{
		nodeID:   cfg.NodeID,
		slots:    cfg.Slots,
		interval: cfg.RebalanceInterval,
		raft:     r,
		fsm:      fsm,
		logger:   log.WithComponent("cluster").With().Str("node_id", cfg.NodeID).Logger(),
		stopCh:   make(chan struct{}),
	}

	existing, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		r.Shutdown()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}
	if !existing {
		servers := []raft.Server{{
			Suffrage: raft.Voter,
			ID:       config.LocalID,
			Address:  transport.LocalAddr(),
		}}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{
				Suffrage: raft.Voter,
				ID:       raft.ServerID(p.ID),
				Address:  raft.ServerAddress(p.Address),
			})
		}
		sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	d.wg.Add(1)
	go d.run()
	return d, nil
}

// Owns reports whether this node owns the slot planID hashes into
func (d *RaftDirectory) Owns(planID string) bool {
	return d.fsm.owner(Slot(planID, d.slots)) == d.nodeID
}

// IsLeader returns true if this node is the Raft leader
func (d *RaftDirectory) IsLeader() bool {
	return d.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (d *RaftDirectory) LeaderAddr() string {
	addr, _ := d.raft.LeaderWithID()
	return string(addr)
}

// OwnedSlots returns the number of slots assigned to this node
func (d *RaftDirectory) OwnedSlots() int {
	return d.fsm.count(d.nodeID)
}

// Epoch changes whenever a new assignment is applied
func (d *RaftDirectory) Epoch() uint64 {
	return d.fsm.currentEpoch()
}

// AddVoter adds a broker node to the cluster. Must be called on the leader.
func (d *RaftDirectory) AddVoter(nodeID, address string) error {
	if !d.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", d.LeaderAddr())
	}

	future := d.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	d.logger.Info().Str("voter", nodeID).Str("address", address).Msg("Added voter")
	return d.rebalance()
}

// RemoveServer removes a broker node from the cluster. Must be called on
// the leader.
func (d *RaftDirectory) RemoveServer(nodeID string) error {
	if !d.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := d.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return d.rebalance()
}

// Close shuts the Raft node down
func (d *RaftDirectory) Close() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	var firstErr error
	if err := d.raft.Shutdown().Error(); err != nil {
		firstErr = err
	}
	for _, closeFn := range d.closer {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run rebalances on gaining leadership and periodically while leader
func (d *RaftDirectory) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case isLeader := <-d.raft.LeaderCh():
			if isLeader {
				d.logger.Info().Msg("Gained leadership")
				if err := d.rebalance(); err != nil {
					d.logger.Warn().Err(err).Msg("Failed to rebalance slots")
				}
			} else {
				d.logger.Info().Msg("Lost leadership")
			}
		case <-ticker.C:
			if !d.IsLeader() {
				continue
			}
			if err := d.rebalance(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to rebalance slots")
			}
		}
	}
}

// rebalance spreads slots over the current configuration and replicates
// the result if it differs from the applied assignment
func (d *RaftDirectory) rebalance() error {
	future := d.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to get configuration: %w", err)
	}

	var servers []string
	for _, s := range future.Configuration().Servers {
		if s.Suffrage == raft.Voter {
			servers = append(servers, string(s.ID))
		}
	}

	current := d.fsm.snapshotAssignments()
	next := balance(current, servers)
	if reflect.DeepEqual(current, next) {
		return nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(Command{Op: opAssignSlots, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	apply := d.raft.Apply(cmd, 5*time.Second)
	if err := apply.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := apply.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	d.logger.Info().Int("servers", len(servers)).Msg("Rebalanced slots")
	return nil
}
