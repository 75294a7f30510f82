package memory

import (
	"context"
	"sort"
	"sync"

	"wattguard.io/internal/auth"
)

type memberKey struct{ principal, tenant string }

type tenantRepo struct {
	mu      sync.RWMutex
	tenants map[string]auth.Tenant
	members map[memberKey]auth.Membership
}

func (r *tenantRepo) Create(ctx context.Context, t *auth.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[t.ID]; ok {
		return auth.ErrConflict
	}
	cp := *t
	cp.Config = cloneMap(t.Config)
	r.tenants[t.ID] = cp
	return nil
}

func (r *tenantRepo) Get(ctx context.Context, id string) (*auth.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	t.Config = cloneMap(t.Config)
	return &t, nil
}

func (r *tenantRepo) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return auth.ErrNotFound
	}
	t.Active = active
	r.tenants[id] = t
	return nil
}

func (r *tenantRepo) AddMembership(ctx context.Context, m auth.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[m.TenantID]; !ok {
		return auth.ErrNotFound
	}
	key := memberKey{m.PrincipalID, m.TenantID}
	if existing, ok := r.members[key]; ok && existing.Active {
		return auth.ErrConflict
	}
	r.members[key] = m
	return nil
}

func (r *tenantRepo) SetMembershipActive(ctx context.Context, principalID, tenantID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memberKey{principalID, tenantID}
	m, ok := r.members[key]
	if !ok {
		return auth.ErrNotFound
	}
	m.Active = active
	r.members[key] = m
	return nil
}

func (r *tenantRepo) Membership(ctx context.Context, principalID, tenantID string) (*auth.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberKey{principalID, tenantID}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &m, nil
}

func (r *tenantRepo) Memberships(ctx context.Context, principalID string) ([]auth.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []auth.Membership
	for k, m := range r.members {
		if k.principal == principalID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
