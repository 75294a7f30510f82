package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/permission"
	"wattguard.io/internal/ratelimit"
	"wattguard.io/internal/session"
	"wattguard.io/internal/store/memory"
	"wattguard.io/internal/tenancy"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct-horse-battery"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	entries []auth.AuditEntry
}

func (r *recorder) Record(_ context.Context, e auth.AuditEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) all() []auth.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.AuditEntry(nil), r.entries...)
}

func (r *recorder) last() auth.AuditEntry {
	all := r.all()
	return all[len(all)-1]
}

type fixture struct {
	store    *memory.Store
	engine   *Engine
	sessions *session.Manager
	creds    *credential.Service
	audit    *recorder
	clock    *clock
}

type fixtureOpt func(*ratelimit.Config, *auth.Store)

func withLimit(n int) fixtureOpt {
	return func(c *ratelimit.Config, _ *auth.Store) { c.StandardLimit = n }
}

func withStore(wrap func(*memory.Store) auth.Store) fixtureOpt {
	return func(_ *ratelimit.Config, s *auth.Store) { *s = wrap((*s).(*memory.Store)) }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	catalog, err := auth.Builtins()
	require.NoError(t, err)
	require.NoError(t, mem.Permissions().Ensure(ctx, catalog.Permissions))
	for _, role := range catalog.Roles {
		role := role
		require.NoError(t, mem.Roles().Create(ctx, &role))
	}
	for _, id := range []string{"org-a", "org-b"} {
		require.NoError(t, mem.Tenants().Create(ctx, &auth.Tenant{ID: id, Name: id, Active: true}))
	}
	for _, r := range []auth.Resource{
		{ID: "d1", Type: "device", TenantID: "org-a"},
		{ID: "d2", Type: "device", TenantID: "org-b"},
	} {
		r := r
		require.NoError(t, mem.Resources().Upsert(ctx, &r))
	}

	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	rlCfg := ratelimit.Config{Window: time.Minute, StandardLimit: 100, ElevatedLimit: 500, ElevatedRoles: []string{"admin", "super_admin"}}
	var store auth.Store = mem
	for _, opt := range opts {
		opt(&rlCfg, &store)
	}

	creds, err := credential.New(mem.Principals(), credential.WithClock(c.Now), credential.WithLockout(5, 15*time.Minute))
	require.NoError(t, err)
	sessions, err := session.New(session.NewMemoryStore(), testSecret, session.WithClock(c.Now))
	require.NoError(t, err)
	limiter, err := ratelimit.NewMemory(rlCfg)
	require.NoError(t, err)
	rec := &recorder{}

	engine, err := New(Deps{
		Store:       store,
		Credentials: creds,
		Sessions:    sessions,
		Resolver:    permission.New(store),
		Tenancy:     tenancy.New(store, nil),
		Limiter:     limiter,
		Audit:       rec,
	}, Config{})
	require.NoError(t, err)

	return &fixture{store: mem, engine: engine, sessions: sessions, creds: creds, audit: rec, clock: c}
}

func (f *fixture) principal(t *testing.T, email string) string {
	t.Helper()
	p, err := f.creds.Register(context.Background(), email, testPassword, auth.StatusActive)
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) member(t *testing.T, principalID, tenantID string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Tenants().AddMembership(ctx, auth.Membership{PrincipalID: principalID, TenantID: tenantID, Active: true, CreatedAt: f.clock.Now()}))
	for _, role := range roles {
		require.NoError(t, f.store.Roles().Assign(ctx, auth.UserRole{PrincipalID: principalID, TenantID: tenantID, RoleID: auth.SystemRoleID(role)}))
	}
}

func (f *fixture) login(t *testing.T, email string, remember bool) *Session {
	t.Helper()
	s, err := f.engine.Login(context.Background(), LoginRequest{Identifier: email, Secret: testPassword, RememberMe: remember})
	require.NoError(t, err)
	return s
}

func device(id string) *auth.ResourceRef {
	return &auth.ResourceRef{Type: "device", ID: id}
}

func TestOperatorReadsOwnTenantOnly(t *testing.T) {
	f := newFixture(t)
	u1 := f.principal(t, "u1@org-a.test")
	f.member(t, u1, "org-a", "operator")
	s := f.login(t, "u1@org-a.test", false)
	ctx := context.Background()

	dec := f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1"), SourceIP: "10.1.1.1"})
	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonAllowed, dec.Reason)
	assert.Equal(t, "org-a", dec.Principal.TenantID)
	assert.Equal(t, u1, dec.Principal.PrincipalID)

	dec = f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d2")})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonTenantMismatch, dec.Reason)
	assert.ErrorIs(t, dec.Err(), auth.ErrNotFound)
	assert.NotErrorIs(t, dec.Err(), auth.ErrPermissionDenied)

	missing := f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d404")})
	assert.Equal(t, ReasonNotFound, missing.Reason)
	assert.Equal(t, dec.Err().Error(), missing.Err().Error(), "mismatch must look like a missing resource")

	entry := f.audit.all()[len(f.audit.all())-2]
	assert.Equal(t, auth.DecisionDeny, entry.Decision)
	assert.Equal(t, "tenant_mismatch", entry.Reason)
	assert.Equal(t, "d2", entry.ResourceID)

	dec = f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceWrite, Resource: device("d1")})
	assert.Equal(t, ReasonPermissionDenied, dec.Reason)
	assert.ErrorIs(t, dec.Err(), auth.ErrPermissionDenied)
}

func TestNoMembershipDeniesEverything(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "outsider@org-b.test")
	f.member(t, u, "org-b", "admin")
	ctx := context.Background()

	// A session bound to a tenant the principal does not belong to.
	_, tokens, err := f.sessions.CreateSession(ctx, u, "org-a", false, auth.ClientMeta{})
	require.NoError(t, err)

	for _, perm := range []string{auth.PermDeviceRead, auth.PermDeviceWrite, auth.PermReportRead, auth.PermTenantManage} {
		dec := f.engine.Authorize(ctx, Request{AccessToken: tokens.AccessToken, Action: perm, Resource: device("d1")})
		assert.False(t, dec.Allowed, perm)
		assert.Equal(t, ReasonNoMembership, dec.Reason, perm)

		dec = f.engine.Authorize(ctx, Request{AccessToken: tokens.AccessToken, Action: perm})
		assert.False(t, dec.Allowed, perm)
	}
}

func TestForeignTenantRoleNeverGrants(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "admin@org-b.test")
	f.member(t, u, "org-b", "admin")
	s := f.login(t, "admin@org-b.test", false)

	for _, perm := range []string{auth.PermDeviceRead, auth.PermDeviceWrite, auth.PermDeviceControl} {
		dec := f.engine.Authorize(context.Background(), Request{AccessToken: s.Tokens.AccessToken, Action: perm, Resource: device("d1")})
		assert.False(t, dec.Allowed)
		assert.Equal(t, ReasonTenantMismatch, dec.Reason)
	}
}

func TestRevocationVisibleOnNextCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "ops@org-a.test")
	f.member(t, u, "org-a", "viewer")
	s := f.login(t, "ops@org-a.test", false)
	req := Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")}

	for i := 0; i < 3; i++ {
		require.True(t, f.engine.Authorize(ctx, req).Allowed, "repeat %d", i)
	}
	require.NoError(t, f.store.Roles().Revoke(ctx, u, "org-a", auth.SystemRoleID("viewer")))
	assert.Equal(t, ReasonPermissionDenied, f.engine.Authorize(ctx, req).Reason)

	grant := &auth.UserPermission{ID: "g1", PrincipalID: u, TenantID: "org-a", Permission: auth.PermDeviceRead, ResourceID: "d1", Effect: auth.EffectAllow, Active: true}
	require.NoError(t, f.store.Permissions().Grant(ctx, grant))
	assert.True(t, f.engine.Authorize(ctx, req).Allowed)

	require.NoError(t, f.store.Permissions().RevokeGrant(ctx, "g1"))
	assert.False(t, f.engine.Authorize(ctx, req).Allowed)
}

func TestEveryCallAuditedOnce(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "audit@org-a.test")
	f.member(t, u, "org-a", "operator")
	s := f.login(t, "audit@org-a.test", false)
	before := len(f.audit.all())

	reqs := []Request{
		{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")},
		{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d2")},
		{AccessToken: s.Tokens.AccessToken, Action: auth.PermRoleManage},
		{AccessToken: "garbage", Action: auth.PermDeviceRead},
		{AccessToken: s.Tokens.AccessToken, Action: ""},
	}
	for _, r := range reqs {
		f.engine.Authorize(context.Background(), r)
	}
	entries := f.audit.all()[before:]
	require.Len(t, entries, len(reqs))
	assert.Equal(t, auth.DecisionAllow, entries[0].Decision)
	assert.Equal(t, "token_invalid", entries[3].Reason)
	for _, e := range entries[1:] {
		assert.Equal(t, auth.DecisionDeny, e.Decision)
	}
}

func TestTokenFailures(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "tok@org-a.test")
	f.member(t, u, "org-a", "admin")
	s := f.login(t, "tok@org-a.test", false)
	ctx := context.Background()

	dec := f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken + "x", Action: auth.PermDeviceRead})
	assert.Equal(t, ReasonTokenInvalid, dec.Reason)
	assert.ErrorIs(t, dec.Err(), auth.ErrTokenInvalid)

	require.NoError(t, f.engine.Logout(ctx, s.Principal, "", "10.0.0.1"))
	// Stateless actions still pass until expiry; strict actions consult the session.
	assert.True(t, f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead}).Allowed)
	dec = f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermUserManage})
	assert.Equal(t, ReasonSessionRevoked, dec.Reason)

	f.clock.Advance(31 * time.Minute)
	dec = f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead})
	assert.Equal(t, ReasonTokenExpired, dec.Reason)
}

func TestRateLimitedAfterPermission(t *testing.T) {
	f := newFixture(t, withLimit(2))
	u := f.principal(t, "busy@org-a.test")
	f.member(t, u, "org-a", "viewer")
	s := f.login(t, "busy@org-a.test", false)
	req := Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")}

	require.True(t, f.engine.Authorize(context.Background(), req).Allowed)
	require.True(t, f.engine.Authorize(context.Background(), req).Allowed)
	dec := f.engine.Authorize(context.Background(), req)
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonRateLimited, dec.Reason)
	assert.GreaterOrEqual(t, dec.RetryAfter, time.Second)

	var rl *auth.RateLimitError
	require.ErrorAs(t, dec.Err(), &rl)
	assert.Equal(t, dec.RetryAfter, rl.RetryAfter)

	// Denied permissions are decided before the limiter and do not consume budget.
	other := f.engine.Authorize(context.Background(), Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceWrite})
	assert.Equal(t, ReasonPermissionDenied, other.Reason)
}

func TestElevatedTierForAdmins(t *testing.T) {
	f := newFixture(t, withLimit(1))
	u := f.principal(t, "boss@org-a.test")
	f.member(t, u, "org-a", "admin")
	s := f.login(t, "boss@org-a.test", false)

	for i := 0; i < 5; i++ {
		dec := f.engine.Authorize(context.Background(), Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead})
		require.True(t, dec.Allowed, "request %d", i)
	}
}

func TestSuperAdminCrossesTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.principal(t, "root@platform.test")
	require.NoError(t, f.store.Roles().Assign(ctx, auth.UserRole{PrincipalID: root, RoleID: auth.SystemRoleID(auth.RoleSuperAdmin)}))

	s := f.login(t, "root@platform.test", false)
	assert.Equal(t, "", s.Principal.TenantID)
	assert.Equal(t, []string{auth.RoleSuperAdmin}, s.Principal.SystemRoles)

	dec := f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceControl, Resource: device("d2")})
	require.True(t, dec.Allowed)
	assert.Equal(t, "org-b", f.audit.last().TenantID)
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "a@x.com")
	f.member(t, u, "org-a", "viewer")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.Login(ctx, LoginRequest{Identifier: "a@x.com", Secret: "wrong-password"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	_, err := f.engine.Login(ctx, LoginRequest{Identifier: "a@x.com", Secret: testPassword})
	require.ErrorIs(t, err, auth.ErrAccountLocked)
	assert.Equal(t, "account_locked", f.audit.last().Reason)

	f.clock.Advance(15*time.Minute + time.Second)
	s, err := f.engine.Login(ctx, LoginRequest{Identifier: "A@X.com", Secret: testPassword})
	require.NoError(t, err)
	assert.Equal(t, "org-a", s.Principal.TenantID)

	p, err := f.store.Principals().FindByIdentifier(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Zero(t, p.FailedAttempts)
	assert.Equal(t, auth.DecisionAllow, f.audit.last().Decision)
}

func TestLoginRateLimitDoesNotLockOut(t *testing.T) {
	f := newFixture(t, withLimit(2))
	f.principal(t, "rl@org-a.test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, LoginRequest{Identifier: "rl@org-a.test", Secret: "nope-nope"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	for i := 0; i < 5; i++ {
		_, err := f.engine.Login(ctx, LoginRequest{Identifier: "rl@org-a.test", Secret: "nope-nope"})
		require.ErrorIs(t, err, auth.ErrRateLimited)
	}
	p, err := f.store.Principals().FindByIdentifier(ctx, "rl@org-a.test")
	require.NoError(t, err)
	assert.Equal(t, 2, p.FailedAttempts)
	assert.Equal(t, "rate_limited", f.audit.last().Reason)
}

func TestLoginTenantSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "multi@org.test")
	f.member(t, u, "org-a", "viewer")
	f.member(t, u, "org-b", "viewer")
	f.principal(t, "lonely@org.test")

	s, err := f.engine.Login(ctx, LoginRequest{Identifier: "multi@org.test", Secret: testPassword, TenantID: "org-b"})
	require.NoError(t, err)
	assert.Equal(t, "org-b", s.Principal.TenantID)

	require.NoError(t, f.store.Tenants().SetActive(ctx, "org-b", false))
	_, err = f.engine.Login(ctx, LoginRequest{Identifier: "multi@org.test", Secret: testPassword, TenantID: "org-b"})
	require.ErrorIs(t, err, auth.ErrPermissionDenied)

	_, err = f.engine.Login(ctx, LoginRequest{Identifier: "lonely@org.test", Secret: testPassword})
	require.ErrorIs(t, err, auth.ErrPermissionDenied)
	assert.Equal(t, "no_membership", f.audit.last().Reason)
}

func TestRememberMeSurvivesRefresh(t *testing.T) {
	f := newFixture(t)
	u := f.principal(t, "rm@org-a.test")
	f.member(t, u, "org-a", "viewer")
	s := f.login(t, "rm@org-a.test", true)
	require.Equal(t, 7*24*time.Hour, s.Tokens.ExpiresIn)

	f.clock.Advance(time.Hour)
	refreshed, err := f.engine.Refresh(context.Background(), s.Tokens.RefreshToken, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, refreshed.Tokens.ExpiresIn)
	assert.True(t, refreshed.Principal.RememberMe)
	assert.Equal(t, ActionRefresh, f.audit.last().Action)

	_, err = f.engine.Refresh(context.Background(), "nope.nope", "")
	require.ErrorIs(t, err, auth.ErrTokenInvalid)
	assert.Equal(t, "token_invalid", f.audit.last().Reason)
}

func TestLogoutOwnershipAndIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.principal(t, "a@org-a.test")
	b := f.principal(t, "b@org-a.test")
	f.member(t, a, "org-a", "viewer")
	f.member(t, b, "org-a", "viewer")
	sa := f.login(t, "a@org-a.test", false)
	sb := f.login(t, "b@org-a.test", false)

	require.NoError(t, f.engine.Logout(ctx, sa.Principal, sb.Principal.SessionID, ""))
	assert.Equal(t, string(ReasonPermissionDenied), f.audit.last().Reason)
	assert.Equal(t, auth.DecisionDeny, f.audit.last().Decision)
	live, err := f.engine.Authenticate(ctx, sb.Tokens.AccessToken)
	require.NoError(t, err, "foreign logout must not revoke the session")
	assert.Equal(t, sb.Principal.SessionID, live.SessionID)

	require.NoError(t, f.engine.Logout(ctx, sb.Principal, sb.Principal.SessionID, ""))
	require.NoError(t, f.engine.Logout(ctx, sb.Principal, sb.Principal.SessionID, ""))

	_, err = f.engine.Refresh(ctx, sb.Tokens.RefreshToken, "")
	require.ErrorIs(t, err, auth.ErrSessionRevoked)
}

func TestResolveTokenIgnoresRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "gone@org-a.test")
	f.member(t, u, "org-a", "viewer")
	s := f.login(t, "gone@org-a.test", false)

	require.NoError(t, f.engine.Logout(ctx, s.Principal, "", ""))
	_, err := f.engine.Authenticate(ctx, s.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrSessionRevoked)

	pc, err := f.engine.ResolveToken(s.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.Principal.SessionID, pc.SessionID)
	require.NoError(t, f.engine.Logout(ctx, pc, "", ""))

	_, err = f.engine.ResolveToken("garbage")
	require.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestSuspensionStopsSensitiveActionsAtOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "suspend@org-a.test")
	f.member(t, u, "org-a", "admin")
	s := f.login(t, "suspend@org-a.test", true)

	require.True(t, f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceControl, Resource: device("d1")}).Allowed)
	require.NoError(t, f.sessions.RevokeAll(ctx, u, "suspended"))

	for _, action := range DefaultStrictActions {
		dec := f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: action})
		assert.Equal(t, ReasonSessionRevoked, dec.Reason, action)
	}
	// Plain reads stay stateless until the token expires.
	assert.True(t, f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")}).Allowed)
}

func TestSwitchTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.principal(t, "switch@org.test")
	f.member(t, u, "org-a", "viewer")
	f.member(t, u, "org-b", "admin")
	s := f.login(t, "switch@org.test", false)
	require.Equal(t, "org-a", s.Principal.TenantID)

	_, err := f.engine.SwitchTenant(ctx, s.Tokens.AccessToken, "org-zzz", "")
	require.ErrorIs(t, err, auth.ErrNotFound)

	switched, err := f.engine.SwitchTenant(ctx, s.Tokens.AccessToken, "org-b", "")
	require.NoError(t, err)
	assert.Equal(t, "org-b", switched.Principal.TenantID)

	dec := f.engine.Authorize(ctx, Request{AccessToken: switched.Tokens.AccessToken, Action: auth.PermUserManage})
	assert.True(t, dec.Allowed)
	dec = f.engine.Authorize(ctx, Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermUserManage})
	assert.Equal(t, ReasonTokenInvalid, dec.Reason)
}

type brokenRoles struct{ auth.RoleStore }

func (brokenRoles) ActiveRoles(context.Context, string, string) ([]auth.Role, error) {
	return nil, errors.New("connection reset")
}

type brokenStore struct{ *memory.Store }

func (b brokenStore) Roles() auth.RoleStore { return brokenRoles{b.Store.Roles()} }

func TestInternalFaultFailsClosed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(obs.SetLogger(zap.New(core)))

	f := newFixture(t, withStore(func(m *memory.Store) auth.Store { return brokenStore{m} }))
	u := f.principal(t, "fault@org-a.test")
	f.member(t, u, "org-a", "admin")
	_, tokens, err := f.sessions.CreateSession(context.Background(), u, "org-a", false, auth.ClientMeta{})
	require.NoError(t, err)

	dec := f.engine.Authorize(context.Background(), Request{AccessToken: tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonInternal, dec.Reason)
	assert.True(t, IsInternal(dec.Err()))
	assert.Equal(t, "internal_error", f.audit.last().Reason)

	faults := logs.FilterField(zap.String("kind", "system_error")).All()
	require.Len(t, faults, 1)
	assert.Equal(t, zapcore.ErrorLevel, faults[0].Level)
}

type slowResources struct{ auth.ResourceStore }

func (slowResources) Get(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowStore struct{ *memory.Store }

func (s slowStore) Resources() auth.ResourceStore { return slowResources{s.Store.Resources()} }

func TestStoreTimeoutDenies(t *testing.T) {
	f := newFixture(t, withStore(func(m *memory.Store) auth.Store { return slowStore{m} }))
	u := f.principal(t, "slow@org-a.test")
	f.member(t, u, "org-a", "admin")
	s := f.login(t, "slow@org-a.test", false)
	f.engine.timeout = 20 * time.Millisecond

	started := time.Now()
	dec := f.engine.Authorize(context.Background(), Request{AccessToken: s.Tokens.AccessToken, Action: auth.PermDeviceRead, Resource: device("d1")})
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonInternal, dec.Reason)
	assert.Less(t, time.Since(started), time.Second)
}
