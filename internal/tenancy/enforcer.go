// Package tenancy is the single arbiter of tenant match for resource access.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/permission"
)

// ResourceTypeTenant addresses a tenant itself, used by administrative actions.
const ResourceTypeTenant = "tenant"

// Enforcer loads resources on behalf of a principal and hides other tenants' resources.
type Enforcer struct {
	store       auth.Store
	systemRoles []string
}

// New constructs an Enforcer. Principals holding any of systemRoles see every tenant.
func New(store auth.Store, systemRoles []string) *Enforcer {
	if len(systemRoles) == 0 {
		systemRoles = []string{auth.RoleSuperAdmin}
	}
	return &Enforcer{store: store, systemRoles: append([]string(nil), systemRoles...)}
}

// Bypass reports whether pc is exempt from tenant filtering.
func (e *Enforcer) Bypass(pc auth.PrincipalContext) bool {
	return pc.HasSystemRole(e.systemRoles...)
}

// Fetch loads ref for pc. A resource of another tenant is reported as not found; the
// returned error also matches auth.ErrTenantMismatch so callers can record the reason.
func (e *Enforcer) Fetch(ctx context.Context, pc auth.PrincipalContext, ref auth.ResourceRef) (*auth.Resource, error) {
	if ref.Type == "" || ref.ID == "" {
		return nil, fmt.Errorf("%w: resource type and id are required", auth.ErrInvalidInput)
	}
	res, err := e.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := e.Check(pc, res.TenantID); err != nil {
		return nil, err
	}
	return res, nil
}

// Check compares a resource's tenant with the principal's active tenant.
func (e *Enforcer) Check(pc auth.PrincipalContext, resourceTenant string) error {
	if pc.TenantID != "" && resourceTenant == pc.TenantID {
		return nil
	}
	if e.Bypass(pc) {
		return nil
	}
	return auth.ErrHiddenTenantMismatch
}

// Scope returns the tenant a list query must be restricted to. An empty result with all set
// means the principal may list across tenants.
func (e *Enforcer) Scope(pc auth.PrincipalContext) (tenantID string, all bool) {
	if e.Bypass(pc) {
		return "", true
	}
	return pc.TenantID, false
}

// Filter drops items that belong to other tenants.
func Filter[T any](e *Enforcer, pc auth.PrincipalContext, items []T, tenantOf func(T) string) []T {
	out := items[:0:0]
	for _, item := range items {
		if e.Check(pc, tenantOf(item)) == nil {
			out = append(out, item)
		}
	}
	return out
}

// Provider adapts the enforcer to the resolver's resource callback for pc.
func (e *Enforcer) Provider(pc auth.PrincipalContext) permission.ResourceProvider {
	return permission.ResourceProviderFunc(func(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
		return e.Fetch(ctx, pc, ref)
	})
}

func (e *Enforcer) load(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
	switch ref.Type {
	case ResourceTypeTenant:
		t, err := e.store.Tenants().Get(ctx, ref.ID)
		if err != nil {
			return nil, wrapLoad(err)
		}
		return &auth.Resource{ID: t.ID, Type: ResourceTypeTenant, TenantID: t.ID, Attributes: t.Config, UpdatedAt: t.UpdatedAt}, nil
	case auth.ResourceTypeDeviceGroup:
		g, err := e.store.Groups().Get(ctx, ref.ID)
		if err != nil {
			return nil, wrapLoad(err)
		}
		return &auth.Resource{ID: g.ID, Type: auth.ResourceTypeDeviceGroup, TenantID: g.TenantID, Attributes: map[string]any{"name": g.Name}}, nil
	default:
		res, err := e.store.Resources().Get(ctx, ref)
		if err != nil {
			return nil, wrapLoad(err)
		}
		return res, nil
	}
}

func wrapLoad(err error) error {
	if errors.Is(err, auth.ErrNotFound) {
		return auth.ErrNotFound
	}
	return fmt.Errorf("load resource: %w", err)
}
