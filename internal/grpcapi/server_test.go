package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/permission"
	"wattguard.io/internal/ratelimit"
	"wattguard.io/internal/rbac"
	"wattguard.io/internal/session"
	"wattguard.io/internal/store/memory"
	"wattguard.io/internal/tenancy"
)

const (
	bufSize      = 1024 * 1024
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct-horse-battery"
	echoMethod   = "/wattguard.test.Devices/Read"
	writeMethod  = "/wattguard.test.Devices/Write"
)

type discard struct{}

func (discard) Record(context.Context, auth.AuditEntry) {}

// devices is a collaborator service guarded by the interceptor.
type devices struct{}

func (devices) handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pc, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "principal missing")
	}
	return structpb.NewStruct(map[string]any{"principal_id": pc.PrincipalID, "device": req.GetFields()["id"].GetStringValue()})
}

func deviceMethod(name string) grpc.MethodDesc {
	full := "/wattguard.test.Devices/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(devices).handle(ctx, req.(*structpb.Struct))
			})
		},
	}
}

var devicesDesc = grpc.ServiceDesc{
	ServiceName: "wattguard.test.Devices",
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{deviceMethod("Read"), deviceMethod("Write"), deviceMethod("Unlisted")},
}

func deviceFromRequest(req any) *auth.ResourceRef {
	s, _ := req.(*structpb.Struct)
	return &auth.ResourceRef{Type: "device", ID: s.GetFields()["id"].GetStringValue()}
}

type env struct {
	conn   *grpc.ClientConn
	engine *authz.Engine
	server *Server
	token  string
}

func startEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	if err := rbac.SeedCatalog(ctx, mem); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, id := range []string{"org-a", "org-b"} {
		if err := mem.Tenants().Create(ctx, &auth.Tenant{ID: id, Name: id, Active: true}); err != nil {
			t.Fatalf("tenant: %v", err)
		}
	}
	for _, r := range []auth.Resource{
		{ID: "d1", Type: "device", TenantID: "org-a"},
		{ID: "d2", Type: "device", TenantID: "org-b"},
	} {
		r := r
		if err := mem.Resources().Upsert(ctx, &r); err != nil {
			t.Fatalf("resource: %v", err)
		}
	}
	creds, err := credential.New(mem.Principals())
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	sessions, err := session.New(session.NewMemoryStore(), testSecret)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	limiter, err := ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, StandardLimit: 100, ElevatedLimit: 500})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	engine, err := authz.New(authz.Deps{
		Store:       mem,
		Credentials: creds,
		Sessions:    sessions,
		Resolver:    permission.New(mem),
		Tenancy:     tenancy.New(mem, []string{auth.RoleSuperAdmin}),
		Limiter:     limiter,
		Audit:       discard{},
	}, authz.Config{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	p, err := creds.Register(ctx, "op@org-a.test", testPassword, auth.StatusActive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mem.Tenants().AddMembership(ctx, auth.Membership{PrincipalID: p.ID, TenantID: "org-a", Active: true}); err != nil {
		t.Fatalf("membership: %v", err)
	}
	if err := mem.Roles().Assign(ctx, auth.UserRole{PrincipalID: p.ID, TenantID: "org-a", RoleID: auth.SystemRoleID("operator"), Active: true}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	s, err := engine.Login(ctx, authz.LoginRequest{Identifier: "op@org-a.test", Secret: testPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	srv, err := NewServer(Options{
		Engine: engine,
		Rules: map[string]Rule{
			echoMethod:  {Action: auth.PermDeviceRead, Resource: deviceFromRequest},
			writeMethod: {Action: auth.PermDeviceWrite, Resource: deviceFromRequest},
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.RegisterService(&devicesDesc, devices{})

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = listener.Close()
	})
	return &env{conn: conn, engine: engine, server: srv, token: s.Tokens.AccessToken}
}

func (e *env) call(ctx context.Context, method, token, deviceID string) (*structpb.Struct, error) {
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	in, _ := structpb.NewStruct(map[string]any{"id": deviceID})
	out := new(structpb.Struct)
	err := e.conn.Invoke(ctx, method, in, out)
	return out, err
}

func TestHealthServing(t *testing.T) {
	e := startEnv(t)
	client := grpc_health_v1.NewHealthClient(e.conn)
	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	e.server.SetReady(false)
	resp, err = client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestCheckService(t *testing.T) {
	e := startEnv(t)
	ctx := context.Background()

	res, err := Check(ctx, e.conn, CheckRequest{AccessToken: e.token, Action: auth.PermDeviceRead, ResourceType: "device", ResourceID: "d1"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allow || res.TenantID != "org-a" || res.Reason != string(authz.ReasonAllowed) {
		t.Fatalf("expected allow, got %+v", res)
	}

	foreign, err := Check(ctx, e.conn, CheckRequest{AccessToken: e.token, Action: auth.PermDeviceRead, ResourceType: "device", ResourceID: "d2"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if foreign.Allow || foreign.Reason != string(authz.ReasonNotFound) {
		t.Fatalf("foreign resource must read as missing, got %+v", foreign)
	}

	res, err = Check(ctx, e.conn, CheckRequest{AccessToken: e.token, Action: auth.PermDeviceWrite, ResourceType: "device", ResourceID: "d1"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allow || res.Reason != string(authz.ReasonPermissionDenied) {
		t.Fatalf("expected permission_denied, got %+v", res)
	}

	mdCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+e.token)
	res, err = Check(mdCtx, e.conn, CheckRequest{Action: auth.PermDeviceRead})
	if err != nil {
		t.Fatalf("check with metadata token: %v", err)
	}
	if !res.Allow {
		t.Fatalf("expected tenant-level allow, got %+v", res)
	}

	_, err = Check(ctx, e.conn, CheckRequest{Action: auth.PermDeviceRead})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	_, err = Check(ctx, e.conn, CheckRequest{AccessToken: e.token})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUnaryAuthorizer(t *testing.T) {
	e := startEnv(t)
	ctx := context.Background()

	out, err := e.call(ctx, echoMethod, e.token, "d1")
	if err != nil {
		t.Fatalf("allowed call: %v", err)
	}
	if out.GetFields()["principal_id"].GetStringValue() == "" {
		t.Fatal("handler should see the principal")
	}

	cases := []struct {
		name   string
		method string
		token  string
		device string
		want   codes.Code
	}{
		{"missing token", echoMethod, "", "d1", codes.Unauthenticated},
		{"bad token", echoMethod, "garbage", "d1", codes.Unauthenticated},
		{"foreign tenant", echoMethod, e.token, "d2", codes.NotFound},
		{"unknown device", echoMethod, e.token, "d404", codes.NotFound},
		{"missing permission", writeMethod, e.token, "d1", codes.PermissionDenied},
		{"unlisted method", "/wattguard.test.Devices/Unlisted", e.token, "d1", codes.PermissionDenied},
	}
	for _, tc := range cases {
		_, err := e.call(ctx, tc.method, tc.token, tc.device)
		if got := status.Code(err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v (%v)", tc.name, tc.want, got, err)
		}
	}
}

func TestNewAuthorizerRejectsEmptyAction(t *testing.T) {
	e := startEnv(t)
	if _, err := NewAuthorizer(e.engine, map[string]Rule{echoMethod: {}}); err == nil {
		t.Fatal("expected an error for a rule without action")
	}
	if _, err := NewAuthorizer(nil, nil); err == nil {
		t.Fatal("expected an error without engine")
	}
}

func TestStatusFromError(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		want codes.Code
	}{
		{auth.ErrTokenExpired, codes.Unauthenticated},
		{auth.ErrSessionRevoked, codes.Unauthenticated},
		{auth.ErrPermissionDenied, codes.PermissionDenied},
		{auth.ErrHiddenTenantMismatch, codes.NotFound},
		{&auth.RateLimitError{RetryAfter: 3 * time.Second}, codes.ResourceExhausted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(statusFromError(ctx, tc.err)); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}
