package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/registry"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type fakeWorker struct {
	mu     sync.Mutex
	tasks  []*types.Task
	accept bool
}

func (f *fakeWorker) Dispatch(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	task, err := DecodeTask(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	return wrapperspb.Bool(f.accept), nil
}

func startWorker(t *testing.T, accept bool) (*fakeWorker, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fw := &fakeWorker{accept: accept}
	srv := grpc.NewServer()
	RegisterWorkerServer(srv, fw)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return fw, "grpc://" + lis.Addr().String()
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name   string
		accept bool
	}{
		{"accepted", true},
		{"rejected", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw, url := startWorker(t, tt.accept)
			client := NewWorkerClient(2 * time.Second)
			defer client.Close()

			task := &types.Task{
				ID:             "t1",
				JobInstanceID:  "ji",
				PlanInstanceID: "pi",
				JobID:          "a",
				Type:           types.TaskTypeSharding,
				ExecutorName:   "echo",
				ShardIndex:     3,
				Attributes:     map[string]string{"k": "v"},
			}
			accepted, err := client.Dispatch(context.Background(), &types.Worker{ID: "w1", URL: url}, task)
			require.NoError(t, err)
			assert.Equal(t, tt.accept, accepted)

			fw.mu.Lock()
			defer fw.mu.Unlock()
			require.Len(t, fw.tasks, 1)
			assert.Equal(t, task, fw.tasks[0])
		})
	}
}

func TestDispatchTransportError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	client := NewWorkerClient(2 * time.Second)
	defer client.Close()

	_, err = client.Dispatch(context.Background(), &types.Worker{ID: "gone", URL: "grpc://" + addr}, &types.Task{ID: "t1"})
	var te *types.DispatchTransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "gone", te.WorkerID)
}

type fakeHandler struct {
	mu      sync.Mutex
	success map[string]map[string]string
	failed  map[string]string
	err     error
}

func (f *fakeHandler) HandleTaskSuccess(_ context.Context, taskID string, result map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[taskID] = result
	return f.err
}

func (f *fakeHandler) HandleTaskFail(_ context.Context, taskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = errMsg
	return f.err
}

func startBroker(t *testing.T, handler FeedbackHandler, workers WorkerRegistry) *FeedbackClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(handler, workers)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewFeedbackClient(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestFeedback(t *testing.T) {
	handler := &fakeHandler{success: map[string]map[string]string{}, failed: map[string]string{}}
	client := startBroker(t, handler, registry.New(events.NewBroker()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.ReportTaskSuccess(ctx, "t1", map[string]string{"rows": "42"}))
	require.NoError(t, client.ReportTaskFail(ctx, "t2", "exit status 1"))

	handler.mu.Lock()
	assert.Equal(t, map[string]string{"rows": "42"}, handler.success["t1"])
	assert.Equal(t, "exit status 1", handler.failed["t2"])
	handler.err = types.ErrNotFound
	handler.mu.Unlock()
	err := client.ReportTaskSuccess(ctx, "t3", nil)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.ReportTaskFail(ctx, "", "no id")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHeartbeatRegisters(t *testing.T) {
	dir := registry.New(events.NewBroker())
	client := startBroker(t, &fakeHandler{}, dir)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &types.Worker{
		ID:        "w1",
		URL:       "grpc://10.0.0.5:9090",
		Executors: []string{"echo", "sql"},
		Tags:      map[string][]string{"zone": {"us-east-1"}},
		Resource:  types.WorkerResource{AvailableCPU: 1.5, AvailableRAM: 2, AvailableQueueLimit: 8},
	}
	require.NoError(t, client.Heartbeat(ctx, w))

	got, ok := dir.Get("w1")
	require.True(t, ok)
	assert.Equal(t, w.URL, got.URL)
	assert.Equal(t, w.Executors, got.Executors)
	assert.Equal(t, w.Tags, got.Tags)
	assert.Equal(t, w.Resource, got.Resource)
	assert.True(t, got.IsAlive())

	w.Status = types.WorkerStatusFusing
	require.NoError(t, client.Heartbeat(ctx, w))
	got, _ = dir.Get("w1")
	assert.Equal(t, types.WorkerStatusFusing, got.Status)
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Heartbeat", methodName(methodHeartbeat))
	assert.Equal(t, "Dispatch", methodName(methodDispatch))
	assert.Equal(t, "x", methodName("x"))
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "10.0.0.1:9090", Target("grpc://10.0.0.1:9090"))
	assert.Equal(t, "10.0.0.1:9090", Target("10.0.0.1:9090"))
}

type fakeAdmin struct {
	mu        sync.Mutex
	owned     bool
	documents []string
	enabled   map[string]bool
	triggered []string
	jobs      []string
}

func (f *fakeAdmin) ApplyPlan(_ context.Context, document []byte) (*types.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(document) == "bad" {
		return nil, &types.ConfigError{Field: "plan file", Reason: "bad"}
	}
	f.documents = append(f.documents, string(document))
	return &types.Plan{ID: "p1", Version: len(f.documents)}, nil
}

func (f *fakeAdmin) Owns(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned
}

func (f *fakeAdmin) EnablePlan(_ context.Context, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[planID] = true
	return nil
}

func (f *fakeAdmin) DisablePlan(_ context.Context, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enabled[planID]; !ok {
		return types.ErrNotFound
	}
	f.enabled[planID] = false
	return nil
}

func (f *fakeAdmin) TriggerPlan(_ context.Context, planID string) (*types.PlanInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled[planID] {
		return nil, types.ErrPlanDisabled
	}
	f.triggered = append(f.triggered, planID)
	return &types.PlanInstance{ID: "pi-1", PlanID: planID, PlanVersion: 1}, nil
}

func (f *fakeAdmin) TriggerJob(_ context.Context, planInstanceID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, planInstanceID+"/"+jobID)
	return nil
}

func TestAdmin(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	admin := &fakeAdmin{enabled: map[string]bool{}}
	srv := NewServer(&fakeHandler{}, registry.New(events.NewBroker()))
	srv.RegisterAdmin(admin)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewAdminClient(lis.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	applied, err := client.ApplyPlan(ctx, []byte("id: p1"))
	require.NoError(t, err)
	assert.Equal(t, &AppliedPlan{ID: "p1", Version: 1, Owned: false}, applied)

	admin.mu.Lock()
	admin.owned = true
	admin.mu.Unlock()
	applied, err = client.ApplyPlan(ctx, []byte("id: p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Version)
	assert.True(t, applied.Owned)

	_, err = client.ApplyPlan(ctx, []byte("bad"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ApplyPlan(ctx, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.DisablePlan(ctx, "p1")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.TriggerPlan(ctx, "p1")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, client.EnablePlan(ctx, "p1"))
	piID, err := client.TriggerPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "pi-1", piID)

	require.NoError(t, client.TriggerJob(ctx, "pi-1", "b"))
	err = client.TriggerJob(ctx, "pi-1", "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	admin.mu.Lock()
	defer admin.mu.Unlock()
	assert.Equal(t, []string{"p1"}, admin.triggered)
	assert.Equal(t, []string{"pi-1/b"}, admin.jobs)
}
