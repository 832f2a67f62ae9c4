package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/cuemby/flowjob/pkg/config"
	"github.com/cuemby/flowjob/pkg/rpc"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const pipelinePlan = `
id: pipeline
triggerType: API
jobs:
  - id: extract
    executor: echo
    children: [load]
  - id: load
    executor: echo
`

const cyclicPlan = `
id: cyclic
triggerType: API
jobs:
  - id: a
    executor: echo
    children: [b]
  - id: b
    executor: echo
    children: [a]
`

// echoWorker accepts every task and hands it to the test
type echoWorker struct {
	tasks chan *types.Task
}

func (w *echoWorker) Dispatch(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	task, err := rpc.DecodeTask(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	w.tasks <- task
	return wrapperspb.Bool(true), nil
}

func startEchoWorker(t *testing.T) (*echoWorker, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := &echoWorker{tasks: make(chan *types.Task, 16)}
	srv := grpc.NewServer()
	rpc.RegisterWorkerServer(srv, w)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return w, "grpc://" + lis.Addr().String()
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.NodeID = "broker-test"
	cfg.DataDir = t.TempDir()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Scheduler.Tick = 10 * time.Millisecond
	return cfg
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, b.Stop(ctx))
	})
	return b
}

func nextTask(t *testing.T, w *echoWorker) *types.Task {
	t.Helper()
	select {
	case task := <-w.tasks:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("no task dispatched")
		return nil
	}
}

func TestBrokerRunsPlanEndToEnd(t *testing.T) {
	b := startBroker(t)
	worker, url := startEchoWorker(t)
	ctx := context.Background()

	feedback, err := rpc.NewFeedbackClient(b.GRPCAddr())
	require.NoError(t, err)
	defer feedback.Close()
	require.NoError(t, feedback.Heartbeat(ctx, &types.Worker{
		ID:        "echo-1",
		URL:       url,
		Executors: []string{"echo"},
		Resource:  types.WorkerResource{AvailableCPU: 2, AvailableRAM: 4, AvailableQueueLimit: 8},
	}))
	assert.Equal(t, 1, b.WorkerCounts()[string(types.WorkerStatusRunning)])

	admin, err := rpc.NewAdminClient(b.GRPCAddr(), 5*time.Second)
	require.NoError(t, err)
	defer admin.Close()

	applied, err := admin.ApplyPlan(ctx, []byte(pipelinePlan))
	require.NoError(t, err)
	assert.Equal(t, &rpc.AppliedPlan{ID: "pipeline", Version: 1, Owned: true}, applied)

	piID, err := admin.TriggerPlan(ctx, applied.ID)
	require.NoError(t, err)
	require.NotEmpty(t, piID)

	extract := nextTask(t, worker)
	assert.Equal(t, "extract", extract.JobID)
	assert.Eventually(t, func() bool {
		counts, err := b.ActiveTaskCounts()
		return err == nil && counts[string(types.TaskStatusExecuting)] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, feedback.ReportTaskSuccess(ctx, extract.ID, map[string]string{"rows": "12"}))

	load := nextTask(t, worker)
	assert.Equal(t, "load", load.JobID)
	assert.Equal(t, "12", load.Attributes["rows"])
	require.NoError(t, feedback.ReportTaskSuccess(ctx, load.ID, nil))

	assert.Eventually(t, func() bool {
		pi, err := b.store.GetPlanInstance(piID)
		return err == nil && pi.Status == types.PlanStatusSucceed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerAdminErrors(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	admin, err := rpc.NewAdminClient(b.GRPCAddr(), 5*time.Second)
	require.NoError(t, err)
	defer admin.Close()

	_, err = admin.ApplyPlan(ctx, []byte(cyclicPlan))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = admin.TriggerPlan(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Equal(t, codes.NotFound, status.Code(admin.EnablePlan(ctx, "missing")))
}

func TestBrokerServesHealth(t *testing.T) {
	b := startBroker(t)

	resp, err := http.Get("http://" + b.MetricsAddr() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + b.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Mode = "mesh"

	_, err := New(cfg)
	var configErr *types.ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "cluster.mode", configErr.Field)
}

func TestBrokerSourceInStandaloneMode(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	defer b.Stop(context.Background())

	assert.True(t, b.IsLeader())
	assert.Equal(t, b.cfg.Cluster.Slots, b.OwnedSlots())
	assert.Zero(t, b.ArmedSchedules())

	counts, err := b.ActiveTaskCounts()
	require.NoError(t, err)
	assert.Empty(t, counts)
}
