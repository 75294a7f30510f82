package memory

import (
	"context"
	"sort"
	"sync"

	"wattguard.io/internal/auth"
)

type permissionRepo struct {
	mu     sync.RWMutex
	perms  map[string]auth.Permission
	grants map[string]auth.UserPermission
}

func (r *permissionRepo) Ensure(ctx context.Context, perms []auth.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range perms {
		r.perms[p.Name] = p
	}
	return nil
}

func (r *permissionRepo) Get(ctx context.Context, name string) (*auth.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perms[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &p, nil
}

func (r *permissionRepo) List(ctx context.Context) ([]auth.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]auth.Permission, 0, len(r.perms))
	for _, p := range r.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *permissionRepo) Grant(ctx context.Context, g *auth.UserPermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.perms[g.Permission]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.grants[g.ID]; ok {
		return auth.ErrConflict
	}
	r.grants[g.ID] = *g
	return nil
}

func (r *permissionRepo) RevokeGrant(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return auth.ErrNotFound
	}
	g.Active = false
	r.grants[id] = g
	return nil
}

func (r *permissionRepo) ActiveGrants(ctx context.Context, principalID, tenantID, permission string) ([]auth.UserPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []auth.UserPermission
	for _, g := range r.grants {
		if g.Active && g.PrincipalID == principalID && g.TenantID == tenantID && g.Permission == permission {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
