package grpcapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/obs"
)

const (
	// ServiceName is the fully qualified Authorizer service.
	ServiceName = "wattguard.authz.v1.Authorizer"
	// CheckMethod is the full method name of Authorizer/Check.
	CheckMethod = "/" + ServiceName + "/Check"
)

// AuthorizerServer answers permission checks. Messages are structpb.Struct so collaborators
// need no generated stubs.
type AuthorizerServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var authorizerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wattguard/authz/v1/authorizer.proto",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizerServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizerServer).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAuthorizerServer attaches srv to s.
func RegisterAuthorizerServer(s grpc.ServiceRegistrar, srv AuthorizerServer) {
	s.RegisterService(&authorizerServiceDesc, srv)
}

// CheckServer implements AuthorizerServer over the engine.
type CheckServer struct {
	engine *authz.Engine
}

// NewCheckServer wraps engine.
func NewCheckServer(engine *authz.Engine) *CheckServer {
	return &CheckServer{engine: engine}
}

// Check reads access_token, action, resource_type, resource_id and class. The token may also
// come from authorization metadata. A decision is always a successful response; only a
// malformed request is an error.
func (s *CheckServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	token := f["access_token"].GetStringValue()
	if token == "" {
		var err error
		if token, err = tokenFromMetadata(ctx); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
	}
	action := f["action"].GetStringValue()
	if action == "" {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}
	areq := authz.Request{
		AccessToken: token,
		Action:      action,
		SourceIP:    peerIP(ctx),
		Class:       f["class"].GetStringValue(),
	}
	if rt, rid := f["resource_type"].GetStringValue(), f["resource_id"].GetStringValue(); rt != "" || rid != "" {
		areq.Resource = &auth.ResourceRef{Type: rt, ID: rid}
	}
	dec := s.engine.Authorize(ctx, areq)
	reason := dec.Reason
	if reason == authz.ReasonTenantMismatch {
		reason = authz.ReasonNotFound
	}
	out := map[string]any{
		"allow":        dec.Allowed,
		"reason":       string(reason),
		"principal_id": dec.Principal.PrincipalID,
		"tenant_id":    dec.Principal.TenantID,
	}
	if dec.Reason == authz.ReasonRateLimited {
		out["retry_after_seconds"] = float64((dec.RetryAfter + time.Second - 1) / time.Second)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return resp, nil
}

// CheckRequest is the client-side view of an Authorizer/Check call.
type CheckRequest struct {
	AccessToken  string
	Action       string
	ResourceType string
	ResourceID   string
	Class        string
}

// CheckResult is the decoded Authorizer/Check response.
type CheckResult struct {
	Allow       bool
	Reason      string
	PrincipalID string
	TenantID    string
	RetryAfter  time.Duration
}

// Check calls Authorizer/Check on conn.
func Check(ctx context.Context, conn grpc.ClientConnInterface, req CheckRequest, opts ...grpc.CallOption) (CheckResult, error) {
	in, err := structpb.NewStruct(map[string]any{
		"access_token":  req.AccessToken,
		"action":        req.Action,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"class":         req.Class,
	})
	if err != nil {
		return CheckResult{}, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, CheckMethod, in, out, opts...); err != nil {
		return CheckResult{}, err
	}
	f := out.GetFields()
	return CheckResult{
		Allow:       f["allow"].GetBoolValue(),
		Reason:      f["reason"].GetStringValue(),
		PrincipalID: f["principal_id"].GetStringValue(),
		TenantID:    f["tenant_id"].GetStringValue(),
		RetryAfter:  time.Duration(f["retry_after_seconds"].GetNumberValue()) * time.Second,
	}, nil
}

// Options configures NewServer.
type Options struct {
	Engine *authz.Engine
	// Rules guards additional services registered on the returned server.
	Rules map[string]Rule
	// Public lists additional methods that skip the interceptor.
	Public []string
}

// Server bundles the gRPC server with its health service.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer registers the Authorizer and health services behind the logging and
// authorization interceptors.
func NewServer(opts Options, extra ...grpc.ServerOption) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("grpcapi: engine is required")
	}
	public := append([]string{
		CheckMethod,
		grpc_health_v1.Health_Check_FullMethodName,
		"/grpc.health.v1.Health/List",
	}, opts.Public...)
	authorizer, err := NewAuthorizer(opts.Engine, opts.Rules, public...)
	if err != nil {
		return nil, err
	}
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingInterceptor(), authorizer.Unary()),
	}, extra...)
	s := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	RegisterAuthorizerServer(s, NewCheckServer(opts.Engine))

	return &Server{Server: s, Health: hs}, nil
}

// SetReady mirrors readiness into the health service and the ready gauge.
func (s *Server) SetReady(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.Health.SetServingStatus("", st)
	s.Health.SetServingStatus(ServiceName, st)
	obs.SetReady(ok)
}
