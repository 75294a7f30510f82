package auth

import "context"

// Store groups the repositories the engine persists through.
type Store interface {
	Principals() CredentialStore
	Tenants() TenantStore
	Roles() RoleStore
	Permissions() PermissionStore
	Groups() GroupStore
	Resources() ResourceStore
	Audit() AuditStore
}

// CredentialStore persists principals. Mutate is the only way login state changes.
type CredentialStore interface {
	Create(ctx context.Context, p *Principal) error
	Get(ctx context.Context, id string) (*Principal, error)
	FindByIdentifier(ctx context.Context, identifier string) (*Principal, error)
	// Mutate locks the principal row, applies fn to it and persists the result even when fn
	// returns an error, which Mutate then returns. A missing principal yields ErrNotFound
	// without calling fn.
	Mutate(ctx context.Context, identifier string, fn func(p *Principal) error) error
}

// TenantStore manages tenants and memberships.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	SetActive(ctx context.Context, id string, active bool) error
	AddMembership(ctx context.Context, m Membership) error
	SetMembershipActive(ctx context.Context, principalID, tenantID string, active bool) error
	Membership(ctx context.Context, principalID, tenantID string) (*Membership, error)
	Memberships(ctx context.Context, principalID string) ([]Membership, error)
}

// RoleStore manages roles, their permissions and assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Get(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context, tenantID string) ([]Role, error)
	SetPermissions(ctx context.Context, roleID string, permissions []string) error
	Assign(ctx context.Context, ur UserRole) error
	Revoke(ctx context.Context, principalID, tenantID, roleID string) error
	// ActiveRoles returns the roles bound to principal in tenant with Permissions populated.
	// An empty tenantID selects global bindings.
	ActiveRoles(ctx context.Context, principalID, tenantID string) ([]Role, error)
}

// PermissionStore manages the permission catalog and direct grants.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	Get(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	Grant(ctx context.Context, g *UserPermission) error
	RevokeGrant(ctx context.Context, id string) error
	// ActiveGrants returns active direct grants of permission for principal in tenant,
	// both tenant-wide and resource scoped.
	ActiveGrants(ctx context.Context, principalID, tenantID, permission string) ([]UserPermission, error)
}

// GroupStore manages the device group hierarchy.
type GroupStore interface {
	Create(ctx context.Context, g *DeviceGroup) error
	Get(ctx context.Context, id string) (*DeviceGroup, error)
	// Reparent moves id under parentID, or to the root when parentID is empty. The
	// ancestry walk and the write are atomic: ErrCycle is returned when parentID is id
	// or one of its descendants.
	Reparent(ctx context.Context, id, parentID string) error
	Children(ctx context.Context, id string) ([]DeviceGroup, error)
}

// ResourceStore is the registry of collaborator-owned resources.
type ResourceStore interface {
	Upsert(ctx context.Context, r *Resource) error
	Get(ctx context.Context, ref ResourceRef) (*Resource, error)
}

// AuditStore appends immutable entries. Implementations never update or delete rows.
// Append assigns Seq and seals the entry onto the current chain head in the same atomic
// step as the insert; an entry whose ID already exists yields ErrConflict.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Head(ctx context.Context) (*AuditEntry, error)
	Export(ctx context.Context, filter AuditFilter, fn func(AuditEntry) error) error
}
