// Package memory provides in-process repositories for development mode and tests.
package memory

import (
	"sync"

	"wattguard.io/internal/auth"
)

// Store keeps every repository in process memory.
type Store struct {
	principals  *principalRepo
	tenants     *tenantRepo
	roles       *roleRepo
	permissions *permissionRepo
	groups      *groupRepo
	resources   *resourceRepo
	audit       *auditRepo
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	perms := &permissionRepo{perms: map[string]auth.Permission{}, grants: map[string]auth.UserPermission{}}
	return &Store{
		principals:  &principalRepo{byID: map[string]*auth.Principal{}, byIdentifier: map[string]string{}},
		tenants:     &tenantRepo{tenants: map[string]auth.Tenant{}, members: map[memberKey]auth.Membership{}},
		roles:       &roleRepo{roles: map[string]auth.Role{}, bindings: map[bindingKey]auth.UserRole{}},
		permissions: perms,
		groups:      &groupRepo{groups: map[string]auth.DeviceGroup{}},
		resources:   &resourceRepo{items: map[auth.ResourceRef]auth.Resource{}},
		audit:       &auditRepo{},
	}
}

func (s *Store) Principals() auth.CredentialStore  { return s.principals }
func (s *Store) Tenants() auth.TenantStore         { return s.tenants }
func (s *Store) Roles() auth.RoleStore             { return s.roles }
func (s *Store) Permissions() auth.PermissionStore { return s.permissions }
func (s *Store) Groups() auth.GroupStore           { return s.groups }
func (s *Store) Resources() auth.ResourceStore     { return s.resources }
func (s *Store) Audit() auth.AuditStore            { return s.audit }

// keyedMutex serializes work per key. The map guard is held only while looking up a lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
