package memory

import (
	"context"
	"sort"
	"sync"

	"wattguard.io/internal/auth"
)

type bindingKey struct{ principal, tenant, role string }

type roleRepo struct {
	mu       sync.RWMutex
	roles    map[string]auth.Role
	bindings map[bindingKey]auth.UserRole
}

func (r *roleRepo) Create(ctx context.Context, role *auth.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; ok {
		return auth.ErrConflict
	}
	for _, existing := range r.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	cp := *role
	cp.Permissions = cloneStrings(role.Permissions)
	r.roles[role.ID] = cp
	return nil
}

func (r *roleRepo) Get(ctx context.Context, id string) (*auth.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	role.Permissions = cloneStrings(role.Permissions)
	return &role, nil
}

// List returns system roles plus the custom roles of tenantID.
func (r *roleRepo) List(ctx context.Context, tenantID string) ([]auth.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []auth.Role
	for _, role := range r.roles {
		if role.TenantID == "" || role.TenantID == tenantID {
			role.Permissions = cloneStrings(role.Permissions)
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *roleRepo) SetPermissions(ctx context.Context, roleID string, permissions []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	role.Permissions = cloneStrings(permissions)
	r.roles[roleID] = role
	return nil
}

func (r *roleRepo) Assign(ctx context.Context, ur auth.UserRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[ur.RoleID]; !ok {
		return auth.ErrNotFound
	}
	ur.Active = true
	r.bindings[bindingKey{ur.PrincipalID, ur.TenantID, ur.RoleID}] = ur
	return nil
}

func (r *roleRepo) Revoke(ctx context.Context, principalID, tenantID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bindingKey{principalID, tenantID, roleID}
	ur, ok := r.bindings[key]
	if !ok {
		return auth.ErrNotFound
	}
	ur.Active = false
	r.bindings[key] = ur
	return nil
}

func (r *roleRepo) ActiveRoles(ctx context.Context, principalID, tenantID string) ([]auth.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []auth.Role
	for k, ur := range r.bindings {
		if k.principal != principalID || k.tenant != tenantID || !ur.Active {
			continue
		}
		role, ok := r.roles[k.role]
		if !ok {
			continue
		}
		role.Permissions = cloneStrings(role.Permissions)
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
