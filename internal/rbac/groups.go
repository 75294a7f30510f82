package rbac

import (
	"context"
	"fmt"
	"strings"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
)

// CreateGroup adds a device group under parentID, or as a root when parentID is empty.
func (s *Service) CreateGroup(ctx context.Context, actor auth.PrincipalContext, tenantID, name, parentID string) (auth.DeviceGroup, error) {
	g, err := s.createGroup(ctx, tenantID, name, parentID)
	s.record(ctx, actor, "group_create", tenantID, auth.ResourceTypeDeviceGroup, g.ID, err)
	if err != nil {
		return auth.DeviceGroup{}, err
	}
	return g, nil
}

func (s *Service) createGroup(ctx context.Context, tenantID, name, parentID string) (auth.DeviceGroup, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if !required(tenantID, name) {
		return auth.DeviceGroup{}, fmt.Errorf("%w: tenant_id and group name are required", auth.ErrInvalidInput)
	}
	if _, err := s.store.Tenants().Get(ctx, tenantID); err != nil {
		return auth.DeviceGroup{}, err
	}
	if parentID != "" {
		if err := s.sameTenantGroup(ctx, tenantID, parentID); err != nil {
			return auth.DeviceGroup{}, err
		}
	}
	g := auth.DeviceGroup{ID: ids.New(), TenantID: tenantID, ParentID: parentID, Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.Groups().Create(ctx, &g); err != nil {
		return auth.DeviceGroup{}, err
	}
	return g, nil
}

// MoveGroup reparents a group. The new parent's path to the root must not pass through the
// group itself; the store checks this atomically with the write.
func (s *Service) MoveGroup(ctx context.Context, actor auth.PrincipalContext, tenantID, groupID, parentID string) error {
	err := s.moveGroup(ctx, tenantID, groupID, parentID)
	s.record(ctx, actor, "group_move", tenantID, auth.ResourceTypeDeviceGroup, groupID, err)
	return err
}

func (s *Service) moveGroup(ctx context.Context, tenantID, groupID, parentID string) error {
	if !required(tenantID, groupID) {
		return fmt.Errorf("%w: tenant_id and group_id are required", auth.ErrInvalidInput)
	}
	if err := s.sameTenantGroup(ctx, tenantID, groupID); err != nil {
		return err
	}
	if parentID != "" {
		if err := s.sameTenantGroup(ctx, tenantID, parentID); err != nil {
			return err
		}
	}
	return s.store.Groups().Reparent(ctx, groupID, parentID)
}

func (s *Service) sameTenantGroup(ctx context.Context, tenantID, groupID string) error {
	g, err := s.store.Groups().Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.TenantID != tenantID {
		return auth.ErrHiddenTenantMismatch
	}
	return nil
}

// Children lists the direct children of a tenant's group.
func (s *Service) Children(ctx context.Context, tenantID, groupID string) ([]auth.DeviceGroup, error) {
	if err := s.sameTenantGroup(ctx, tenantID, groupID); err != nil {
		return nil, err
	}
	return s.store.Groups().Children(ctx, groupID)
}

// RegisterResource records a collaborator-owned resource. Moving a resource between tenants
// is rejected by the store.
func (s *Service) RegisterResource(ctx context.Context, actor auth.PrincipalContext, r auth.Resource) (auth.Resource, error) {
	err := s.registerResource(ctx, &r)
	s.record(ctx, actor, "resource_register", r.TenantID, r.Type, r.ID, err)
	if err != nil {
		return auth.Resource{}, err
	}
	return r, nil
}

func (s *Service) registerResource(ctx context.Context, r *auth.Resource) error {
	r.ID = strings.TrimSpace(r.ID)
	r.Type = strings.TrimSpace(r.Type)
	if !required(r.ID, r.Type, r.TenantID) {
		return fmt.Errorf("%w: id, type and tenant_id are required", auth.ErrInvalidInput)
	}
	if r.Type == auth.ResourceTypeDeviceGroup {
		return fmt.Errorf("%w: device groups are managed through the group operations", auth.ErrInvalidInput)
	}
	if _, err := s.store.Tenants().Get(ctx, r.TenantID); err != nil {
		return err
	}
	if r.GroupID != "" {
		if err := s.sameTenantGroup(ctx, r.TenantID, r.GroupID); err != nil {
			return err
		}
	}
	r.UpdatedAt = s.now().UTC()
	return s.store.Resources().Upsert(ctx, r)
}
