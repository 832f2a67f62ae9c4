package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultDispatchTimeout bounds a single dispatch call
const DefaultDispatchTimeout = 5 * time.Second

// WorkerClient dispatches tasks to workers over gRPC. Connections are
// cached per worker URL.
type WorkerClient struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	timeout  time.Duration
	dialOpts []grpc.DialOption
}

// NewWorkerClient creates a client. Without dial options connections are
// made over plaintext.
func NewWorkerClient(timeout time.Duration, opts ...grpc.DialOption) *WorkerClient {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &WorkerClient{
		conns:    make(map[string]*grpc.ClientConn),
		timeout:  timeout,
		dialOpts: opts,
	}
}

// Dispatch sends task to w. It reports whether the worker accepted it.
// Transport failures are returned as *types.DispatchTransportError.
func (c *WorkerClient) Dispatch(ctx context.Context, w *types.Worker, task *types.Task) (bool, error) {
	payload, err := EncodeTask(task)
	if err != nil {
		return false, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	conn, err := c.conn(w.URL)
	if err != nil {
		return false, &types.DispatchTransportError{WorkerID: w.ID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timer := metrics.NewTimer()
	accepted := new(wrapperspb.BoolValue)
	err = conn.Invoke(ctx, methodDispatch, payload, accepted)
	timer.ObserveDuration(metrics.DispatchLatency)
	if err != nil {
		return false, &types.DispatchTransportError{WorkerID: w.ID, Err: err}
	}
	return accepted.GetValue(), nil
}

func (c *WorkerClient) conn(url string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[url]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(Target(url), c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	c.conns[url] = conn
	return conn, nil
}

// Close closes every cached connection
func (c *WorkerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for url, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, url)
	}
	return firstErr
}

// Target strips the grpc:// scheme workers advertise their URL with
func Target(url string) string {
	return strings.TrimPrefix(url, "grpc://")
}

// FeedbackClient is used by workers to report to the broker
type FeedbackClient struct {
	conn *grpc.ClientConn
}

// NewFeedbackClient connects to the broker's feedback service
func NewFeedbackClient(addr string, opts ...grpc.DialOption) (*FeedbackClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(Target(addr), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &FeedbackClient{conn: conn}, nil
}

// ReportTaskSuccess reports a finished task and its result
func (c *FeedbackClient) ReportTaskSuccess(ctx context.Context, taskID string, result map[string]string) error {
	req, err := feedbackPayload(taskID, map[string]any{fieldResult: anyMap(result)})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodReportTaskSuccess, req, new(emptypb.Empty))
}

// ReportTaskFail reports a failed task
func (c *FeedbackClient) ReportTaskFail(ctx context.Context, taskID, errMsg string) error {
	req, err := feedbackPayload(taskID, map[string]any{fieldError: errMsg})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodReportTaskFail, req, new(emptypb.Empty))
}

// Heartbeat reports the worker's current state
func (c *FeedbackClient) Heartbeat(ctx context.Context, w *types.Worker) error {
	req, err := EncodeHeartbeat(w)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodHeartbeat, req, new(emptypb.Empty))
}

// Close closes the connection
func (c *FeedbackClient) Close() error {
	return c.conn.Close()
}
