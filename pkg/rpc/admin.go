package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	adminServiceName = "flowjob.rpc.Admin"

	methodApplyPlan   = "/" + adminServiceName + "/ApplyPlan"
	methodEnablePlan  = "/" + adminServiceName + "/EnablePlan"
	methodDisablePlan = "/" + adminServiceName + "/DisablePlan"
	methodTriggerPlan = "/" + adminServiceName + "/TriggerPlan"
	methodTriggerJob  = "/" + adminServiceName + "/TriggerJob"

	fieldDocument = "document"
	fieldPlanID   = "plan_id"
	fieldVersion  = "version"
	fieldOwned    = "owned"
)

// AdminHandler manages plans on behalf of operators
type AdminHandler interface {
	ApplyPlan(ctx context.Context, document []byte) (*types.Plan, error)
	EnablePlan(ctx context.Context, planID string) error
	DisablePlan(ctx context.Context, planID string) error
	TriggerPlan(ctx context.Context, planID string) (*types.PlanInstance, error)
	TriggerJob(ctx context.Context, planInstanceID, jobID string) error
	// Owns reports whether this broker schedules planID. Plans are stored
	// per broker, so a plan applied elsewhere only fires on its owner.
	Owns(planID string) bool
}

// AppliedPlan is the answer of a broker to ApplyPlan
type AppliedPlan struct {
	ID      string
	Version int
	// Owned is false when another broker owns the plan's slot. The plan
	// does not fire until it is applied to that broker too.
	Owned bool
}

// AdminServer is the gRPC surface of AdminHandler
type AdminServer interface {
	ApplyPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EnablePlan(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	DisablePlan(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	TriggerPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TriggerJob(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ApplyPlan",
			Handler: unaryHandler(methodApplyPlan, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return srv.(AdminServer).ApplyPlan(ctx, req)
			}),
		},
		{
			MethodName: "EnablePlan",
			Handler: unaryHandler(methodEnablePlan, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(AdminServer).EnablePlan(ctx, req)
			}),
		},
		{
			MethodName: "DisablePlan",
			Handler: unaryHandler(methodDisablePlan, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(AdminServer).DisablePlan(ctx, req)
			}),
		},
		{
			MethodName: "TriggerPlan",
			Handler: unaryHandler(methodTriggerPlan, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return srv.(AdminServer).TriggerPlan(ctx, req)
			}),
		},
		{
			MethodName: "TriggerJob",
			Handler: unaryHandler(methodTriggerJob, func(srv any, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
				return srv.(AdminServer).TriggerJob(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowjob/rpc/admin",
}

// adminService adapts an AdminHandler to AdminServer
type adminService struct {
	handler AdminHandler
}

// RegisterAdmin exposes h on the server. It must be called before Serve.
func (s *Server) RegisterAdmin(h AdminHandler) {
	s.grpc.RegisterService(&adminServiceDesc, &adminService{handler: h})
	s.health.SetServingStatus(adminServiceName, healthpb.HealthCheckResponse_SERVING)
}

func (a *adminService) ApplyPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	doc := stringField(req, fieldDocument)
	if doc == "" {
		return nil, status.Error(codes.InvalidArgument, "document is required")
	}
	plan, err := a.handler.ApplyPlan(ctx, []byte(doc))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldPlanID:  plan.ID,
		fieldVersion: float64(plan.Version),
		fieldOwned:   a.handler.Owns(plan.ID),
	})
}

func (a *adminService) EnablePlan(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	planID, err := requiredField(req, fieldPlanID)
	if err != nil {
		return nil, err
	}
	if err := a.handler.EnablePlan(ctx, planID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *adminService) DisablePlan(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	planID, err := requiredField(req, fieldPlanID)
	if err != nil {
		return nil, err
	}
	if err := a.handler.DisablePlan(ctx, planID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *adminService) TriggerPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	planID, err := requiredField(req, fieldPlanID)
	if err != nil {
		return nil, err
	}
	pi, err := a.handler.TriggerPlan(ctx, planID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldPlanInstanceID: pi.ID,
		fieldVersion:        float64(pi.PlanVersion),
	})
}

func (a *adminService) TriggerJob(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	planInstanceID, err := requiredField(req, fieldPlanInstanceID)
	if err != nil {
		return nil, err
	}
	jobID, err := requiredField(req, fieldJobID)
	if err != nil {
		return nil, err
	}
	if err := a.handler.TriggerJob(ctx, planInstanceID, jobID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func requiredField(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

// AdminClient is used by the CLI to manage plans on a broker
type AdminClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewAdminClient connects to a broker's admin service
func NewAdminClient(addr string, timeout time.Duration) (*AdminClient, error) {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	conn, err := grpc.NewClient(Target(addr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &AdminClient{conn: conn, timeout: timeout}, nil
}

// ApplyPlan sends a YAML plan document and returns the stored version
func (c *AdminClient) ApplyPlan(ctx context.Context, document []byte) (*AppliedPlan, error) {
	req, err := structpb.NewStruct(map[string]any{fieldDocument: string(document)})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, methodApplyPlan, req, resp); err != nil {
		return nil, err
	}
	fields := resp.GetFields()
	return &AppliedPlan{
		ID:      stringField(resp, fieldPlanID),
		Version: int(fields[fieldVersion].GetNumberValue()),
		Owned:   fields[fieldOwned].GetBoolValue(),
	}, nil
}

// EnablePlan enables a plan
func (c *AdminClient) EnablePlan(ctx context.Context, planID string) error {
	return c.planCall(ctx, methodEnablePlan, planID)
}

// DisablePlan disables a plan
func (c *AdminClient) DisablePlan(ctx context.Context, planID string) error {
	return c.planCall(ctx, methodDisablePlan, planID)
}

// TriggerPlan fires a plan immediately and returns the plan instance id
func (c *AdminClient) TriggerPlan(ctx context.Context, planID string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{fieldPlanID: planID})
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, methodTriggerPlan, req, resp); err != nil {
		return "", err
	}
	return stringField(resp, fieldPlanInstanceID), nil
}

// TriggerJob starts a job waiting for an external trigger
func (c *AdminClient) TriggerJob(ctx context.Context, planInstanceID, jobID string) error {
	req, err := structpb.NewStruct(map[string]any{
		fieldPlanInstanceID: planInstanceID,
		fieldJobID:          jobID,
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodTriggerJob, req, new(emptypb.Empty))
}

// Close closes the connection
func (c *AdminClient) Close() error {
	return c.conn.Close()
}

func (c *AdminClient) planCall(ctx context.Context, method, planID string) error {
	req, err := structpb.NewStruct(map[string]any{fieldPlanID: planID})
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, req, new(emptypb.Empty))
}

func (c *AdminClient) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, req, resp)
}
