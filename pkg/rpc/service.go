package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	workerServiceName   = "flowjob.rpc.Worker"
	feedbackServiceName = "flowjob.rpc.Feedback"

	methodDispatch          = "/" + workerServiceName + "/Dispatch"
	methodReportTaskSuccess = "/" + feedbackServiceName + "/ReportTaskSuccess"
	methodReportTaskFail    = "/" + feedbackServiceName + "/ReportTaskFail"
	methodHeartbeat         = "/" + feedbackServiceName + "/Heartbeat"
)

// WorkerServer is implemented by workers accepting dispatched tasks.
// Dispatch reports whether the worker accepted the task.
type WorkerServer interface {
	Dispatch(ctx context.Context, task *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// FeedbackServer is implemented by the broker to receive task outcomes and
// worker heartbeats
type FeedbackServer interface {
	ReportTaskSuccess(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	ReportTaskFail(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Heartbeat(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterWorkerServer registers srv with a gRPC server
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

// RegisterFeedbackServer registers srv with a gRPC server
func RegisterFeedbackServer(s grpc.ServiceRegistrar, srv FeedbackServer) {
	s.RegisterService(&feedbackServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler: unaryHandler(methodDispatch, func(srv any, ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
				return srv.(WorkerServer).Dispatch(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowjob/rpc/worker",
}

var feedbackServiceDesc = grpc.ServiceDesc{
	ServiceName: feedbackServiceName,
	HandlerType: (*FeedbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportTaskSuccess",
			Handler: unaryHandler(methodReportTaskSuccess, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(FeedbackServer).ReportTaskSuccess(ctx, req)
			}),
		},
		{
			MethodName: "ReportTaskFail",
			Handler: unaryHandler(methodReportTaskFail, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(FeedbackServer).ReportTaskFail(ctx, req)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler(methodHeartbeat, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(FeedbackServer).Heartbeat(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowjob/rpc/feedback",
}

// unaryHandler adapts a typed call into a grpc.MethodHandler, passing it
// through the server's interceptor chain
func unaryHandler[Req any, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
