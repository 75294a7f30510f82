package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/store/memory"
)

type fixture struct {
	store *memory.Store
	r     *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	catalog, err := auth.Builtins()
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := s.Permissions().Ensure(ctx, catalog.Permissions); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, role := range catalog.Roles {
		role := role
		if err := s.Roles().Create(ctx, &role); err != nil {
			t.Fatalf("create role: %v", err)
		}
	}
	for _, id := range []string{"org-a", "org-b"} {
		if err := s.Tenants().Create(ctx, &auth.Tenant{ID: id, Name: id, Active: true}); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	return &fixture{store: s, r: New(s)}
}

func (f *fixture) member(t *testing.T, principal, tenant string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Tenants().AddMembership(ctx, auth.Membership{PrincipalID: principal, TenantID: tenant, Active: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("membership: %v", err)
	}
	for _, role := range roles {
		if err := f.store.Roles().Assign(ctx, auth.UserRole{PrincipalID: principal, TenantID: tenant, RoleID: auth.SystemRoleID(role)}); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
}

func (f *fixture) grant(t *testing.T, id, principal, tenant, perm, resource string, effect auth.Effect) {
	t.Helper()
	g := &auth.UserPermission{ID: id, PrincipalID: principal, TenantID: tenant, Permission: perm, ResourceID: resource, Effect: effect, Active: true}
	if err := f.store.Permissions().Grant(context.Background(), g); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (f *fixture) groups(t *testing.T, tenant string, chain ...string) {
	t.Helper()
	parent := ""
	for _, id := range chain {
		if err := f.store.Groups().Create(context.Background(), &auth.DeviceGroup{ID: id, TenantID: tenant, ParentID: parent, Name: id}); err != nil {
			t.Fatalf("group: %v", err)
		}
		parent = id
	}
}

func (f *fixture) check(t *testing.T, q Query) Outcome {
	t.Helper()
	o, err := f.r.NewEvaluation().Check(context.Background(), q)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return o
}

func device(id, tenant, group string) *auth.Resource {
	return &auth.Resource{ID: id, Type: "device", TenantID: tenant, GroupID: group}
}

func TestRoleDerivedPermission(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-a", "operator")

	if o := f.check(t, Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead, Resource: device("d1", "org-a", "")}); o != Allowed {
		t.Fatalf("expected allowed, got %s", o)
	}
	if o := f.check(t, Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceWrite}); o != Denied {
		t.Fatalf("expected denied, got %s", o)
	}
	if o := f.check(t, Query{PrincipalID: "u1", TenantID: "org-a", Permission: "no_such_permission"}); o != Denied {
		t.Fatalf("unknown permission must deny, got %s", o)
	}
}

func TestNoMembershipShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-b", "admin")

	if o := f.check(t, Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead}); o != NoMembership {
		t.Fatalf("expected no membership, got %s", o)
	}
	f.grant(t, "g1", "u1", "org-a", auth.PermDeviceRead, "", auth.EffectAllow)
	if o := f.check(t, Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead}); o != NoMembership {
		t.Fatalf("grant without membership must not apply, got %s", o)
	}
}

func TestInactiveMembershipAndTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "u1", "org-a", "viewer")
	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead}

	_ = f.store.Tenants().SetActive(ctx, "org-a", false)
	if o := f.check(t, q); o != NoMembership {
		t.Fatalf("inactive tenant must deny, got %s", o)
	}
	_ = f.store.Tenants().SetActive(ctx, "org-a", true)
	_ = f.store.Tenants().SetMembershipActive(ctx, "u1", "org-a", false)
	if o := f.check(t, q); o != NoMembership {
		t.Fatalf("inactive membership must deny, got %s", o)
	}
}

func TestGroupCascade(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-a")
	f.groups(t, "org-a", "site", "building", "floor")
	f.grant(t, "g1", "u1", "org-a", auth.PermDeviceControl, "building", auth.EffectAllow)

	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceControl}
	q.Resource = device("d1", "org-a", "floor")
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("grant on ancestor must cascade, got %s", o)
	}
	q.Resource = device("d2", "org-a", "site")
	if o := f.check(t, q); o != Denied {
		t.Fatalf("grant must not flow upward, got %s", o)
	}
	q.Resource = &auth.Resource{ID: "floor", Type: auth.ResourceTypeDeviceGroup, TenantID: "org-a"}
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("grant must cover descendant groups, got %s", o)
	}
}

func TestExplicitDenyOverrides(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-a", "operator")
	f.groups(t, "org-a", "site", "building")
	f.grant(t, "g1", "u1", "org-a", auth.PermDeviceControl, "site", auth.EffectDeny)

	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceControl, Resource: device("d1", "org-a", "building")}
	if o := f.check(t, q); o != ExplicitDeny {
		t.Fatalf("ancestor deny must override role allow, got %s", o)
	}
	f.grant(t, "g2", "u1", "org-a", auth.PermDeviceControl, "d1", auth.EffectAllow)
	if o := f.check(t, q); o != ExplicitDeny {
		t.Fatalf("deny must override a more specific allow, got %s", o)
	}
	q.Resource = device("d9", "org-a", "")
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("deny outside the chain must not apply, got %s", o)
	}
}

func TestRevocationVisibleToNextEvaluation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "u1", "org-a", "viewer")
	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead}

	eval := f.r.NewEvaluation()
	if o, _ := eval.Check(ctx, q); o != Allowed {
		t.Fatalf("expected allowed, got %s", o)
	}
	if err := f.store.Roles().Revoke(ctx, "u1", "org-a", auth.SystemRoleID("viewer")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if o, _ := eval.Check(ctx, q); o != Allowed {
		t.Fatalf("same evaluation must reuse its memo, got %s", o)
	}
	if o := f.check(t, q); o != Denied {
		t.Fatalf("new evaluation must see the revocation, got %s", o)
	}

	f.grant(t, "g1", "u1", "org-a", auth.PermDeviceRead, "", auth.EffectAllow)
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("expected direct grant to allow, got %s", o)
	}
	_ = f.store.Permissions().RevokeGrant(ctx, "g1")
	if o := f.check(t, q); o != Denied {
		t.Fatalf("revoked grant must not allow, got %s", o)
	}
}

func TestPermissionCondition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cond, _ := auth.ParseCondition([]byte(`{"field":"owner_id","op":"eq","value":"$principal.id"}`))
	_ = f.store.Permissions().Ensure(ctx, []auth.Permission{{Name: "device_own_write", ResourceType: "device", Action: "write", Condition: cond}})
	f.member(t, "u1", "org-a")
	f.grant(t, "g1", "u1", "org-a", "device_own_write", "", auth.EffectAllow)

	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: "device_own_write"}
	q.Resource = &auth.Resource{ID: "d1", Type: "device", TenantID: "org-a", OwnerID: "u1"}
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("owner must be allowed, got %s", o)
	}
	q.Resource = &auth.Resource{ID: "d2", Type: "device", TenantID: "org-a", OwnerID: "u2"}
	if o := f.check(t, q); o != ConditionFailed {
		t.Fatalf("non-owner must fail condition, got %s", o)
	}
}

func TestGlobalRoleWithoutMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.Roles().Assign(ctx, auth.UserRole{PrincipalID: "root", RoleID: auth.SystemRoleID(auth.RoleSuperAdmin)}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	q := Query{PrincipalID: "root", TenantID: "org-b", Permission: auth.PermTenantManage}
	if o := f.check(t, q); o != Allowed {
		t.Fatalf("super admin must be allowed, got %s", o)
	}
}

func TestGroupCycleFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "u1", "org-a")
	f.groups(t, "org-a", "a", "b")
	// Corrupt the hierarchy behind the store's cycle check.
	f.store.TamperGroupParent("a", "b")
	f.grant(t, "g1", "u1", "org-a", auth.PermDeviceRead, "zzz", auth.EffectAllow)

	o, err := f.r.NewEvaluation().Check(ctx, Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermDeviceRead, Resource: device("d1", "org-a", "b")})
	if !errors.Is(err, auth.ErrCycle) || o.Allowed() {
		t.Fatalf("expected cycle error and deny, got %s %v", o, err)
	}
}

func TestHasPermissionUsesProvider(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-a", "operator")
	provider := ResourceProviderFunc(func(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
		return device(ref.ID, "org-a", ""), nil
	})
	ok, err := f.r.HasPermission(context.Background(), "u1", "org-a", auth.PermDeviceRead, &auth.ResourceRef{Type: "device", ID: "d1"}, provider)
	if err != nil || !ok {
		t.Fatalf("expected allowed, got %v %v", ok, err)
	}
	if _, err := f.r.HasPermission(context.Background(), "u1", "org-a", auth.PermDeviceRead, &auth.ResourceRef{Type: "device", ID: "d1"}, nil); err == nil {
		t.Fatalf("expected error without provider")
	}
}

func TestResolutionIdempotent(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", "org-a", "manager")
	q := Query{PrincipalID: "u1", TenantID: "org-a", Permission: auth.PermReportExport}
	first := f.check(t, q)
	for i := 0; i < 5; i++ {
		if o := f.check(t, q); o != first {
			t.Fatalf("decision changed on repeat: %s vs %s", o, first)
		}
	}
}
