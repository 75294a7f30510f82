package auth

import (
	"encoding/json"
	"time"
)

// PrincipalStatus is the lifecycle state of a principal. Principals are never hard-deleted.
type PrincipalStatus string

const (
	StatusActive            PrincipalStatus = "active"
	StatusInactive          PrincipalStatus = "inactive"
	StatusSuspended         PrincipalStatus = "suspended"
	StatusPendingActivation PrincipalStatus = "pending_activation"
)

// Valid reports whether s is a known status.
func (s PrincipalStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusPendingActivation:
		return true
	}
	return false
}

// Principal is an authenticated user identity with its credential and lockout state.
type Principal struct {
	ID             string          `json:"id"`
	Identifier     string          `json:"identifier"`
	PasswordHash   string          `json:"-"`
	Status         PrincipalStatus `json:"status"`
	FailedAttempts int             `json:"failed_attempts"`
	LockoutUntil   time.Time       `json:"lockout_until,omitempty"`
	EmailVerified  bool            `json:"email_verified"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Locked reports whether the principal is inside a lockout window at now.
func (p *Principal) Locked(now time.Time) bool {
	return !p.LockoutUntil.IsZero() && now.Before(p.LockoutUntil)
}

// Tenant is an organization and the isolation boundary for resources.
type Tenant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Membership links a principal to a tenant.
type Membership struct {
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is a named bundle of permissions. Custom roles carry a TenantID; system roles have
// none and are assignable in every tenant. Global roles are bound outside any tenant and
// apply platform-wide.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	System      bool      `json:"system"`
	Global      bool      `json:"global"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a (resource type, action) capability with a globally unique name.
type Permission struct {
	Name         string     `json:"name"`
	ResourceType string     `json:"resource_type"`
	Action       string     `json:"action"`
	Description  string     `json:"description,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
}

// Condition is a JSON predicate evaluated against the target resource.
// Exactly one of All, Any, Not or Field is set.
type Condition struct {
	All   []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
}

// ParseCondition decodes a stored condition. Empty input yields nil.
func ParseCondition(raw []byte) (*Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UserRole binds a principal to a role inside one tenant membership.
type UserRole struct {
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	RoleID      string    `json:"role_id"`
	AssignedBy  string    `json:"assigned_by"`
	AssignedAt  time.Time `json:"assigned_at"`
	Active      bool      `json:"active"`
}

// Effect of a direct grant.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// UserPermission is a direct grant that bypasses roles. An empty ResourceID makes it tenant-wide;
// otherwise it applies to that resource or, for a device group, to the group's subtree.
type UserPermission struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	Permission  string    `json:"permission"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Effect      Effect    `json:"effect"`
	Active      bool      `json:"active"`
	GrantedBy   string    `json:"granted_by"`
	GrantedAt   time.Time `json:"granted_at"`
}

// DeviceGroup is a node of a tenant's resource hierarchy.
type DeviceGroup struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxGroupDepth bounds ancestry walks. A longer chain is treated as malformed.
const MaxGroupDepth = 32

// ResourceTypeDeviceGroup is the resource type under which device groups are addressed.
const ResourceTypeDeviceGroup = "device_group"

// ResourceRef addresses a resource as seen by a caller.
type ResourceRef struct {
	Type string `json:"resource_type"`
	ID   string `json:"resource_id"`
}

// Resource is the engine's view of a collaborator-owned object.
type Resource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	GroupID    string         `json:"group_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Session is the server-side record of one login.
type Session struct {
	ID           string    `json:"id"`
	PrincipalID  string    `json:"principal_id"`
	TenantID     string    `json:"tenant_id"`
	RememberMe   bool      `json:"remember_me"`
	AccessTTL    Duration  `json:"access_ttl"`
	RefreshTTL   Duration  `json:"refresh_ttl"`
	RefreshHash  string    `json:"refresh_hash"`
	PrevHash     string    `json:"prev_refresh_hash,omitempty"`
	Generation   int       `json:"generation"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RefreshedAt  time.Time `json:"refreshed_at,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
	RevokedAt    time.Time `json:"revoked_at,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// Live reports whether the session can still back tokens at now.
func (s *Session) Live(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Duration marshals as a Go duration string so stored sessions stay readable.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClientMeta describes the client that initiated a login.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// PrincipalContext is the resolved identity attached to an authorized request.
type PrincipalContext struct {
	PrincipalID string   `json:"principal_id"`
	TenantID    string   `json:"tenant_id"`
	SessionID   string   `json:"session_id"`
	RememberMe  bool     `json:"remember_me"`
	SystemRoles []string `json:"system_roles,omitempty"`
}

// HasSystemRole reports whether the context carries one of the given global roles.
func (c PrincipalContext) HasSystemRole(names ...string) bool {
	for _, have := range c.SystemRoles {
		for _, want := range names {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Decision values recorded in the audit log.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditEntry is an immutable audit record. Hash chains it to its predecessor.
type AuditEntry struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	OccurredAt   time.Time `json:"occurred_at"`
	PrincipalID  string    `json:"principal_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	SourceIP     string    `json:"source_ip,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// AuditFilter selects a time-ordered slice of the audit log.
type AuditFilter struct {
	TenantID string
	From     time.Time
	To       time.Time
	Limit    int
}
