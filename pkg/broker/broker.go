package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/cluster"
	"github.com/cuemby/flowjob/pkg/config"
	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/lifecycle"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/planfile"
	"github.com/cuemby/flowjob/pkg/registry"
	"github.com/cuemby/flowjob/pkg/rpc"
	"github.com/cuemby/flowjob/pkg/scheduler"
	"github.com/cuemby/flowjob/pkg/selector"
	"github.com/cuemby/flowjob/pkg/storage"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/rs/zerolog"
)

// Broker is one flowjob broker node: the plan store, the time wheel, the
// lifecycle engine and the gRPC and HTTP endpoints around them
type Broker struct {
	cfg *config.Config

	store     *storage.BoltStore
	events    *events.Broker
	workers   *registry.Directory
	scheduler *scheduler.Scheduler
	nodes     cluster.NodeDirectory
	raft      *cluster.RaftDirectory
	workerRPC *rpc.WorkerClient
	engine    *lifecycle.Engine
	loader    *lifecycle.PlanLoader
	checker   *lifecycle.TaskChecker
	server    *rpc.Server
	collector *metrics.Collector
	http      *http.Server

	grpcLis    net.Listener
	metricsLis net.Listener

	logger   zerolog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errCh    chan error
	stopOnce sync.Once
}

// New builds a broker from cfg. Nothing runs until Start.
func New(cfg *config.Config) (_ *Broker, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	b := &Broker{
		cfg:    cfg,
		logger: log.WithNodeID(cfg.NodeID),
		errCh:  make(chan error, 2),
	}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	b.store, err = storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	b.events = events.NewBroker()
	b.events.Start()
	b.workers = registry.New(b.events)

	switch cfg.Cluster.Mode {
	case config.ModeRaft:
		b.raft, err = cluster.NewRaftDirectory(cluster.RaftConfig{
			NodeID:            cfg.NodeID,
			BindAddr:          cfg.Cluster.RaftAddr,
			DataDir:           cfg.DataDir,
			Slots:             cfg.Cluster.Slots,
			Peers:             cfg.Cluster.Peers,
			RebalanceInterval: cfg.Cluster.RebalanceInterval,
			LogLevel:          cfg.Log.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start cluster membership: %w", err)
		}
		b.nodes = b.raft
	default:
		b.nodes = cluster.StaticDirectory{Slots: cfg.Cluster.Slots}
	}

	b.scheduler, err = scheduler.New(scheduler.Config{
		Tick:     cfg.Scheduler.Tick,
		Slots:    cfg.Scheduler.WheelSlots,
		PoolSize: cfg.Scheduler.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	stats := selector.NewStatisticsRepo(cfg.Workers.StatisticsWindow)
	b.workerRPC = rpc.NewWorkerClient(cfg.Workers.DispatchTimeout)
	b.engine, err = lifecycle.New(lifecycle.Config{
		Store:     b.store,
		Workers:   b.workers,
		RPC:       b.workerRPC,
		Selectors: selector.NewFactory(stats, cfg.Workers.StatisticsWindow),
		Stats:     stats,
		Scheduler: b.scheduler,
		Nodes:     b.nodes,
		Events:    b.events,
	})
	if err != nil {
		return nil, err
	}
	b.loader = lifecycle.NewPlanLoader(b.engine, cfg.Lifecycle.PlanLoadInterval)
	b.checker = lifecycle.NewTaskChecker(b.engine, cfg.Lifecycle.TaskCheckInterval)

	b.server = rpc.NewServer(b.engine, b.workers)
	b.server.RegisterAdmin(b)
	b.collector = metrics.NewCollector(b, 0)
	return b, nil
}

// Start opens the listeners and starts every background loop
func (b *Broker) Start() error {
	var err error
	b.grpcLis, err = net.Listen("tcp", b.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.GRPCAddr, err)
	}
	if b.cfg.MetricsAddr != "" {
		b.metricsLis, err = net.Listen("tcp", b.cfg.MetricsAddr)
		if err != nil {
			b.grpcLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", b.cfg.MetricsAddr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.scheduler.Start()
	metrics.SetComponent("scheduler", true, "")
	metrics.SetComponent("storage", true, "")
	metrics.SetComponent("cluster", true, b.cfg.Cluster.Mode)

	b.goRun(func() {
		b.workers.Run(ctx, b.cfg.Workers.SweepInterval, b.cfg.Workers.HeartbeatTimeout)
	})
	sub := b.events.Subscribe()
	b.goRun(func() { b.logEvents(ctx, sub) })
	b.goRun(func() { b.loader.Run(ctx) })
	b.goRun(func() { b.checker.Run(ctx) })
	b.collector.Start()

	b.goRun(func() {
		metrics.SetComponent("rpc", true, "")
		if err := b.server.Serve(b.grpcLis); err != nil {
			metrics.SetComponent("rpc", false, err.Error())
			b.errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	})

	if b.metricsLis != nil {
		b.http = &http.Server{
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.goRun(func() {
			if err := b.http.Serve(b.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.errCh <- fmt.Errorf("metrics server: %w", err)
			}
		})
	}

	b.logger.Info().
		Str("grpc_addr", b.grpcLis.Addr().String()).
		Str("cluster_mode", b.cfg.Cluster.Mode).
		Msg("Broker started")
	return nil
}

// Errors reports fatal errors of the servers started by Start
func (b *Broker) Errors() <-chan error {
	return b.errCh
}

// GRPCAddr returns the address the gRPC server listens on once started
func (b *Broker) GRPCAddr() string {
	if b.grpcLis == nil {
		return b.cfg.GRPCAddr
	}
	return b.grpcLis.Addr().String()
}

// MetricsAddr returns the address of the HTTP metrics endpoint once started
func (b *Broker) MetricsAddr() string {
	if b.metricsLis == nil {
		return b.cfg.MetricsAddr
	}
	return b.metricsLis.Addr().String()
}

// Stop shuts the broker down. Firings in progress get their context
// cancelled; the store is closed last.
func (b *Broker) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping broker")
		if b.cancel != nil {
			b.cancel()
			b.collector.Stop()
		}
		if b.http != nil {
			if shutdownErr := b.http.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("failed to stop metrics server: %w", shutdownErr)
			}
		}
		if b.grpcLis != nil {
			b.server.Stop()
		}
		b.wg.Wait()
		b.close()
		b.logger.Info().Msg("Broker stopped")
	})
	return err
}

func (b *Broker) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// logEvents writes bus events to the debug log until ctx is done
func (b *Broker) logEvents(ctx context.Context, sub events.Subscriber) {
	defer b.events.Unsubscribe(sub)
	logger := log.WithComponent("events")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			entry := logger.Debug().Str("event", string(ev.Type))
			for k, v := range ev.Metadata {
				entry = entry.Str(k, v)
			}
			entry.Msg(ev.Message)
		}
	}
}

// close releases whatever New managed to create
func (b *Broker) close() {
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	if b.workerRPC != nil {
		if err := b.workerRPC.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close worker connections")
		}
	}
	if b.raft != nil {
		if err := b.raft.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to stop cluster membership")
		}
	}
	if b.events != nil {
		b.events.Stop()
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// ApplyPlan parses a plan document and stores it as the plan's next version
func (b *Broker) ApplyPlan(ctx context.Context, document []byte) (*types.Plan, error) {
	plan, err := planfile.Parse(document)
	if err != nil {
		return nil, err
	}
	saved, err := b.engine.SavePlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !b.nodes.Owns(saved.ID) {
		b.logger.Warn().
			Str("plan_id", saved.ID).
			Int("slot", cluster.Slot(saved.ID, b.cfg.Cluster.Slots)).
			Msg("Plan stored on a broker that does not own its slot")
	}
	return saved, nil
}

// Owns reports whether this broker schedules planID
func (b *Broker) Owns(planID string) bool {
	return b.nodes.Owns(planID)
}

// EnablePlan enables a plan
func (b *Broker) EnablePlan(ctx context.Context, planID string) error {
	return b.engine.EnablePlan(ctx, planID)
}

// DisablePlan disables a plan
func (b *Broker) DisablePlan(ctx context.Context, planID string) error {
	return b.engine.DisablePlan(ctx, planID)
}

// TriggerPlan starts a plan instance on behalf of an operator
func (b *Broker) TriggerPlan(ctx context.Context, planID string) (*types.PlanInstance, error) {
	return b.engine.TriggerPlan(ctx, planID, types.TriggerTypeAPI, time.Time{})
}

// TriggerJob starts a job waiting for an outside trigger
func (b *Broker) TriggerJob(ctx context.Context, planInstanceID, jobID string) error {
	return b.engine.TriggerJob(ctx, planInstanceID, jobID)
}

func (b *Broker) ArmedSchedules() int {
	return b.engine.ArmedSchedules()
}

func (b *Broker) WorkerCounts() map[string]int {
	return b.workers.Counts()
}

func (b *Broker) ActiveTaskCounts() (map[string]int, error) {
	tasks, err := b.store.ListActiveTasks()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, task := range tasks {
		counts[string(task.Status)]++
	}
	return counts, nil
}

func (b *Broker) IsLeader() bool {
	return b.nodes.IsLeader()
}

func (b *Broker) OwnedSlots() int {
	return b.nodes.OwnedSlots()
}
