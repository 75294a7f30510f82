package rbac

import (
	"context"
	"fmt"
	"strings"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
)

// GrantRequest describes a direct grant. An empty ResourceID makes it tenant-wide.
type GrantRequest struct {
	PrincipalID  string
	TenantID     string
	Permission   string
	ResourceType string
	ResourceID   string
	Effect       auth.Effect
}

// Grant creates a direct grant. Scoped grants must name a resource or device group of the
// same tenant.
func (s *Service) Grant(ctx context.Context, actor auth.PrincipalContext, req GrantRequest) (auth.UserPermission, error) {
	g, err := s.grant(ctx, actor, req)
	s.record(ctx, actor, "grant_create", req.TenantID, "principal", req.PrincipalID, err)
	if err != nil {
		return auth.UserPermission{}, err
	}
	return g, nil
}

func (s *Service) grant(ctx context.Context, actor auth.PrincipalContext, req GrantRequest) (auth.UserPermission, error) {
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Permission = strings.TrimSpace(req.Permission)
	if !required(req.PrincipalID, req.TenantID, req.Permission) {
		return auth.UserPermission{}, fmt.Errorf("%w: principal_id, tenant_id and permission are required", auth.ErrInvalidInput)
	}
	switch req.Effect {
	case "":
		req.Effect = auth.EffectAllow
	case auth.EffectAllow, auth.EffectDeny:
	default:
		return auth.UserPermission{}, fmt.Errorf("%w: unknown effect %q", auth.ErrInvalidInput, req.Effect)
	}
	if _, err := s.knownPermissions(ctx, []string{req.Permission}); err != nil {
		return auth.UserPermission{}, err
	}
	if req.ResourceID != "" {
		if err := s.checkScope(ctx, req.TenantID, req.ResourceType, req.ResourceID); err != nil {
			return auth.UserPermission{}, err
		}
	}
	g := auth.UserPermission{
		ID:          ids.New(),
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		Permission:  req.Permission,
		ResourceID:  req.ResourceID,
		Effect:      req.Effect,
		Active:      true,
		GrantedBy:   actor.PrincipalID,
		GrantedAt:   s.now().UTC(),
	}
	if err := s.store.Permissions().Grant(ctx, &g); err != nil {
		return auth.UserPermission{}, err
	}
	return g, nil
}

func (s *Service) checkScope(ctx context.Context, tenantID, resourceType, resourceID string) error {
	var owner string
	switch resourceType {
	case "":
		return fmt.Errorf("%w: resource_type is required for scoped grants", auth.ErrInvalidInput)
	case auth.ResourceTypeDeviceGroup:
		g, err := s.store.Groups().Get(ctx, resourceID)
		if err != nil {
			return err
		}
		owner = g.TenantID
	default:
		r, err := s.store.Resources().Get(ctx, auth.ResourceRef{Type: resourceType, ID: resourceID})
		if err != nil {
			return err
		}
		owner = r.TenantID
	}
	if owner != tenantID {
		return auth.ErrHiddenTenantMismatch
	}
	return nil
}

// RevokeGrant soft-revokes a direct grant.
func (s *Service) RevokeGrant(ctx context.Context, actor auth.PrincipalContext, tenantID, grantID string) error {
	var err error
	if !required(grantID) {
		err = fmt.Errorf("%w: grant_id is required", auth.ErrInvalidInput)
	} else {
		err = s.store.Permissions().RevokeGrant(ctx, grantID)
	}
	s.record(ctx, actor, "grant_revoke", tenantID, "grant", grantID, err)
	return err
}
