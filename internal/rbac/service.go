// Package rbac administers tenants, memberships, roles, grants, device groups and the
// resource registry. Every mutation is audited with the acting principal.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/ids"
	"wattguard.io/internal/permission"
)

// Recorder accepts audit entries without blocking.
type Recorder interface {
	Record(ctx context.Context, entry auth.AuditEntry)
}

// SessionRevoker ends every session of a principal.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID, reason string) error
}

// Service implements administrative RBAC operations.
type Service struct {
	store    auth.Store
	creds    *credential.Service
	audit    Recorder
	sessions SessionRevoker
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithSessions makes status changes away from active end the principal's sessions.
func WithSessions(r SessionRevoker) Option {
	return func(s *Service) { s.sessions = r }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a Service.
func New(store auth.Store, creds *credential.Service, audit Recorder, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if creds == nil {
		return nil, errors.New("rbac credential service is required")
	}
	if audit == nil {
		return nil, errors.New("rbac audit recorder is required")
	}
	s := &Service{store: store, creds: creds, audit: audit, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SeedCatalog installs the built-in permissions and system roles. It is safe to run on
// every start; system role permission sets are brought in line with the catalog.
func SeedCatalog(ctx context.Context, store auth.Store) error {
	catalog, err := auth.Builtins()
	if err != nil {
		return err
	}
	if err := store.Permissions().Ensure(ctx, catalog.Permissions); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	for _, role := range catalog.Roles {
		role := role
		role.CreatedAt = time.Now().UTC()
		err := store.Roles().Create(ctx, &role)
		if errors.Is(err, auth.ErrConflict) {
			err = store.Roles().SetPermissions(ctx, role.ID, role.Permissions)
		}
		if err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
	}
	return nil
}

// record writes one audit entry for an administrative mutation.
func (s *Service) record(ctx context.Context, actor auth.PrincipalContext, action, tenantID, resourceType, resourceID string, err error) {
	entry := auth.AuditEntry{
		PrincipalID:  actor.PrincipalID,
		SessionID:    actor.SessionID,
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Decision:     auth.DecisionAllow,
		Reason:       "allowed",
	}
	if entry.TenantID == "" {
		entry.TenantID = actor.TenantID
	}
	if err != nil {
		entry.Decision = auth.DecisionDeny
		entry.Reason = failureReason(err)
	}
	s.audit.Record(ctx, entry)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, auth.ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, auth.ErrNotFound):
		return "resource_not_found"
	case errors.Is(err, auth.ErrConflict):
		return "conflict"
	case errors.Is(err, auth.ErrImmutable):
		return "immutable"
	case errors.Is(err, auth.ErrCycle):
		return "cycle"
	}
	return "internal_error"
}

func required(fields ...string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return true
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// Tenants and memberships.

func (s *Service) CreateTenant(ctx context.Context, actor auth.PrincipalContext, name string, config map[string]any) (auth.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		err := fmt.Errorf("%w: tenant name is required", auth.ErrInvalidInput)
		s.record(ctx, actor, "tenant_create", "", "tenant", "", err)
		return auth.Tenant{}, err
	}
	if config == nil {
		config = map[string]any{}
	}
	now := s.now().UTC()
	t := auth.Tenant{ID: ids.New(), Name: name, Active: true, Config: config, CreatedAt: now, UpdatedAt: now}
	err := s.store.Tenants().Create(ctx, &t)
	s.record(ctx, actor, "tenant_create", t.ID, "tenant", t.ID, err)
	if err != nil {
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (*auth.Tenant, error) {
	if !required(id) {
		return nil, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return s.store.Tenants().Get(ctx, strings.TrimSpace(id))
}

// SetTenantActive deactivates or reactivates a tenant. Members of an inactive tenant hold
// no permissions in it.
func (s *Service) SetTenantActive(ctx context.Context, actor auth.PrincipalContext, id string, active bool) error {
	action := "tenant_deactivate"
	if active {
		action = "tenant_activate"
	}
	err := s.store.Tenants().SetActive(ctx, id, active)
	s.record(ctx, actor, action, id, "tenant", id, err)
	return err
}

func (s *Service) AddMember(ctx context.Context, actor auth.PrincipalContext, tenantID, principalID string) error {
	var err error
	switch {
	case !required(tenantID, principalID):
		err = fmt.Errorf("%w: tenant_id and principal_id are required", auth.ErrInvalidInput)
	default:
		if _, err = s.store.Principals().Get(ctx, principalID); err == nil {
			err = s.store.Tenants().AddMembership(ctx, auth.Membership{
				PrincipalID: principalID,
				TenantID:    tenantID,
				Active:      true,
				CreatedAt:   s.now().UTC(),
			})
		}
	}
	s.record(ctx, actor, "member_add", tenantID, "principal", principalID, err)
	return err
}

// RemoveMember deactivates a membership. Role bindings stay but grant nothing while the
// membership is inactive.
func (s *Service) RemoveMember(ctx context.Context, actor auth.PrincipalContext, tenantID, principalID string) error {
	err := s.store.Tenants().SetMembershipActive(ctx, principalID, tenantID, false)
	s.record(ctx, actor, "member_remove", tenantID, "principal", principalID, err)
	return err
}

// Principals.

// RegisterPrincipal creates a principal. It does not add any membership.
func (s *Service) RegisterPrincipal(ctx context.Context, actor auth.PrincipalContext, identifier, secret string, status auth.PrincipalStatus) (*auth.Principal, error) {
	p, err := s.creds.Register(ctx, identifier, secret, status)
	id := ""
	if p != nil {
		id = p.ID
	}
	s.record(ctx, actor, "principal_create", "", "principal", id, err)
	return p, err
}

// SetPrincipalStatus changes a principal's lifecycle status. Leaving active ends every
// session of the principal when a session revoker is configured.
func (s *Service) SetPrincipalStatus(ctx context.Context, actor auth.PrincipalContext, identifier string, status auth.PrincipalStatus) error {
	p, err := s.store.Principals().FindByIdentifier(ctx, identifier)
	if err == nil {
		err = s.creds.SetStatus(ctx, identifier, status)
	}
	if err == nil && status != auth.StatusActive && s.sessions != nil {
		err = s.sessions.RevokeAll(ctx, p.ID, "status_"+string(status))
	}
	id := ""
	if p != nil {
		id = p.ID
	}
	s.record(ctx, actor, "principal_status", "", "principal", id, err)
	return err
}

func (s *Service) UnlockPrincipal(ctx context.Context, actor auth.PrincipalContext, identifier string) error {
	err := s.creds.Unlock(ctx, identifier)
	s.record(ctx, actor, "principal_unlock", "", "principal", strings.ToLower(strings.TrimSpace(identifier)), err)
	return err
}

// Permissions.

// DefinePermission adds a custom permission. Built-in permissions cannot be redefined.
func (s *Service) DefinePermission(ctx context.Context, actor auth.PrincipalContext, p auth.Permission) error {
	p.Name = strings.TrimSpace(p.Name)
	p.ResourceType = strings.TrimSpace(p.ResourceType)
	p.Action = strings.TrimSpace(p.Action)
	err := s.definePermission(ctx, p)
	s.record(ctx, actor, "permission_define", "", "permission", p.Name, err)
	return err
}

func (s *Service) definePermission(ctx context.Context, p auth.Permission) error {
	if !required(p.Name, p.ResourceType, p.Action) {
		return fmt.Errorf("%w: name, resource_type and action are required", auth.ErrInvalidInput)
	}
	catalog, err := auth.Builtins()
	if err != nil {
		return err
	}
	for _, builtin := range catalog.Permissions {
		if builtin.Name == p.Name {
			return fmt.Errorf("%w: %s is a built-in permission", auth.ErrImmutable, p.Name)
		}
	}
	if err := permission.ValidateCondition(p.Condition); err != nil {
		return err
	}
	return s.store.Permissions().Ensure(ctx, []auth.Permission{p})
}

func (s *Service) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	return s.store.Permissions().List(ctx)
}
