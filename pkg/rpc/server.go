package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// FeedbackHandler consumes task outcomes
type FeedbackHandler interface {
	HandleTaskSuccess(ctx context.Context, taskID string, result map[string]string) error
	HandleTaskFail(ctx context.Context, taskID, errMsg string) error
}

// WorkerRegistry records worker heartbeats
type WorkerRegistry interface {
	Register(w *types.Worker)
	Heartbeat(id string, status types.WorkerStatus, resource types.WorkerResource) error
}

// Server implements the broker's Feedback gRPC service
type Server struct {
	handler FeedbackHandler
	workers WorkerRegistry
	grpc    *grpc.Server
	health  *health.Server
}

// NewServer creates a new feedback server
func NewServer(handler FeedbackHandler, workers WorkerRegistry) *Server {
	s := &Server{
		handler: handler,
		workers: workers,
		grpc:    grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor())),
		health:  health.NewServer(),
	}
	RegisterFeedbackServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	logger := log.WithComponent("rpc")
	logger.Info().Str("addr", lis.Addr().String()).Msg("Feedback service listening")
	s.health.SetServingStatus(feedbackServiceName, healthpb.HealthCheckResponse_SERVING)
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// ReportTaskSuccess handles a task success report
func (s *Server) ReportTaskSuccess(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	taskID := stringField(req, fieldTaskID)
	if taskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	if err := s.handler.HandleTaskSuccess(ctx, taskID, stringMap(req, fieldResult)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ReportTaskFail handles a task failure report
func (s *Server) ReportTaskFail(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	taskID := stringField(req, fieldTaskID)
	if taskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	if err := s.handler.HandleTaskFail(ctx, taskID, stringField(req, fieldError)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Heartbeat refreshes a worker, registering it on first contact
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	w, err := DecodeHeartbeat(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	err = s.workers.Heartbeat(w.ID, w.Status, w.Resource)
	if errors.Is(err, types.ErrNotFound) {
		s.workers.Register(w)
		return &emptypb.Empty{}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	var configErr *types.ConfigError
	var structErr *types.StructureError

	switch {
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &configErr), errors.As(err, &structErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrDuplicateTrigger):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, types.ErrNotOwner), errors.Is(err, types.ErrPlanDisabled), errors.Is(err, types.ErrStaleVersion):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
