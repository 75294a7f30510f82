package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
)

// CreateRole creates a custom role in tenantID. Names of system roles are reserved.
func (s *Service) CreateRole(ctx context.Context, actor auth.PrincipalContext, tenantID, name, description string, permissions []string) (auth.Role, error) {
	role, err := s.createRole(ctx, tenantID, name, description, permissions)
	s.record(ctx, actor, "role_create", tenantID, "role", role.ID, err)
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Service) createRole(ctx context.Context, tenantID, name, description string, permissions []string) (auth.Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if !required(tenantID, name) {
		return auth.Role{}, fmt.Errorf("%w: tenant_id and role name are required", auth.ErrInvalidInput)
	}
	catalog, err := auth.Builtins()
	if err != nil {
		return auth.Role{}, err
	}
	for _, r := range catalog.Roles {
		if r.Name == name {
			return auth.Role{}, fmt.Errorf("%w: role name %s is reserved", auth.ErrConflict, name)
		}
	}
	if _, err := s.store.Tenants().Get(ctx, tenantID); err != nil {
		return auth.Role{}, err
	}
	perms, err := s.knownPermissions(ctx, permissions)
	if err != nil {
		return auth.Role{}, err
	}
	role := auth.Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Roles().Create(ctx, &role); err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

// ListRoles returns the system roles and tenantID's custom roles.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	if !required(tenantID) {
		return nil, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return s.store.Roles().List(ctx, strings.TrimSpace(tenantID))
}

// SetRolePermissions replaces a custom role's permissions. System roles are immutable and
// roles of other tenants are reported as not found.
func (s *Service) SetRolePermissions(ctx context.Context, actor auth.PrincipalContext, tenantID, roleID string, permissions []string) error {
	err := s.setRolePermissions(ctx, tenantID, roleID, permissions)
	s.record(ctx, actor, "role_update", tenantID, "role", roleID, err)
	return err
}

func (s *Service) setRolePermissions(ctx context.Context, tenantID, roleID string, permissions []string) error {
	role, err := s.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return fmt.Errorf("%w: system role %s", auth.ErrImmutable, role.Name)
	}
	perms, err := s.knownPermissions(ctx, permissions)
	if err != nil {
		return err
	}
	return s.store.Roles().SetPermissions(ctx, role.ID, perms)
}

// tenantRole loads a role assignable in tenantID: a tenant-assignable system role or one of
// the tenant's custom roles.
func (s *Service) tenantRole(ctx context.Context, tenantID, roleID string) (*auth.Role, error) {
	if !required(tenantID, roleID) {
		return nil, fmt.Errorf("%w: tenant_id and role_id are required", auth.ErrInvalidInput)
	}
	role, err := s.store.Roles().Get(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.Global {
		return nil, fmt.Errorf("%w: global role %s is not tenant scoped", auth.ErrInvalidInput, role.Name)
	}
	if role.TenantID != "" && role.TenantID != tenantID {
		return nil, auth.ErrHiddenTenantMismatch
	}
	return role, nil
}

func (s *Service) knownPermissions(ctx context.Context, names []string) ([]string, error) {
	names = dedupeStrings(names)
	for _, name := range names {
		if _, err := s.store.Permissions().Get(ctx, name); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown permission %s", auth.ErrInvalidInput, name)
			}
			return nil, err
		}
	}
	return names, nil
}

// AssignRole binds a role to a principal inside an active membership of tenantID.
func (s *Service) AssignRole(ctx context.Context, actor auth.PrincipalContext, tenantID, principalID, roleID string) error {
	err := s.assignRole(ctx, actor, tenantID, principalID, roleID)
	s.record(ctx, actor, "role_assign", tenantID, "principal", principalID, err)
	return err
}

func (s *Service) assignRole(ctx context.Context, actor auth.PrincipalContext, tenantID, principalID, roleID string) error {
	role, err := s.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	m, err := s.store.Tenants().Membership(ctx, principalID, tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("%w: principal is not a member of the tenant", auth.ErrInvalidInput)
		}
		return err
	}
	if !m.Active {
		return fmt.Errorf("%w: membership is inactive", auth.ErrInvalidInput)
	}
	return s.store.Roles().Assign(ctx, auth.UserRole{
		PrincipalID: principalID,
		TenantID:    tenantID,
		RoleID:      role.ID,
		AssignedBy:  actor.PrincipalID,
		AssignedAt:  s.now().UTC(),
		Active:      true,
	})
}

// RevokeRole deactivates a role binding. The next authorization reflects it.
func (s *Service) RevokeRole(ctx context.Context, actor auth.PrincipalContext, tenantID, principalID, roleID string) error {
	var err error
	if !required(tenantID, principalID, roleID) {
		err = fmt.Errorf("%w: tenant_id, principal_id and role_id are required", auth.ErrInvalidInput)
	} else {
		err = s.store.Roles().Revoke(ctx, principalID, tenantID, roleID)
	}
	s.record(ctx, actor, "role_revoke", tenantID, "principal", principalID, err)
	return err
}

// AssignGlobalRole binds a global role such as super_admin outside any tenant.
func (s *Service) AssignGlobalRole(ctx context.Context, actor auth.PrincipalContext, principalID, roleID string) error {
	err := s.assignGlobalRole(ctx, actor, principalID, roleID)
	s.record(ctx, actor, "global_role_assign", "", "principal", principalID, err)
	return err
}

func (s *Service) assignGlobalRole(ctx context.Context, actor auth.PrincipalContext, principalID, roleID string) error {
	role, err := s.store.Roles().Get(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.Global {
		return fmt.Errorf("%w: role %s is tenant scoped", auth.ErrInvalidInput, role.Name)
	}
	if _, err := s.store.Principals().Get(ctx, principalID); err != nil {
		return err
	}
	return s.store.Roles().Assign(ctx, auth.UserRole{
		PrincipalID: principalID,
		RoleID:      role.ID,
		AssignedBy:  actor.PrincipalID,
		AssignedAt:  s.now().UTC(),
		Active:      true,
	})
}
