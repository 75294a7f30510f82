// Package permission resolves whether a principal holds a permission on a resource by
// combining role-derived and direct grants inside a tenant.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wattguard.io/internal/auth"
)

// Outcome is the result of one permission check.
type Outcome string

const (
	Allowed         Outcome = "allowed"
	NoMembership    Outcome = "no_membership"
	Denied          Outcome = "permission_denied"
	ConditionFailed Outcome = "condition_failed"
	ExplicitDeny    Outcome = "explicit_deny"
)

const defaultMaxDepth = 32

// Allowed reports whether the outcome grants access.
func (o Outcome) Allowed() bool { return o == Allowed }

// ResourceProvider resolves a resource reference for condition evaluation.
type ResourceProvider interface {
	Resource(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error)
}

// ResourceProviderFunc adapts a function to ResourceProvider.
type ResourceProviderFunc func(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error)

func (f ResourceProviderFunc) Resource(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
	return f(ctx, ref)
}

// Resolver reads grants from the store. It holds no cache of its own.
type Resolver struct {
	store    auth.Store
	maxDepth int
}

// Option configures Resolver behavior.
type Option func(*Resolver)

// WithMaxDepth bounds the device group walk.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// New constructs a Resolver over store.
func New(store auth.Store, opts ...Option) *Resolver {
	r := &Resolver{store: store, maxDepth: defaultMaxDepth}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query names one permission check.
type Query struct {
	PrincipalID string
	TenantID    string
	Permission  string
	// Resource is the already tenant-checked target, nil for tenant-wide checks.
	Resource *auth.Resource
}

type cacheKey struct {
	principal, tenant, permission, resource string
}

// Evaluation is a request-scoped view of the resolver. Results are memoized for the
// lifetime of the evaluation only; create a new one per request.
type Evaluation struct {
	r      *Resolver
	mu     sync.Mutex
	cache  map[cacheKey]Outcome
	groups map[string]*auth.DeviceGroup
}

// NewEvaluation starts a request-scoped evaluation with an empty cache.
func (r *Resolver) NewEvaluation() *Evaluation {
	return &Evaluation{r: r, cache: map[cacheKey]Outcome{}, groups: map[string]*auth.DeviceGroup{}}
}

// HasPermission loads the resource through provider when ref is set and checks perm in a
// fresh evaluation.
func (r *Resolver) HasPermission(ctx context.Context, principalID, tenantID, perm string, ref *auth.ResourceRef, provider ResourceProvider) (bool, error) {
	q := Query{PrincipalID: principalID, TenantID: tenantID, Permission: perm}
	if ref != nil {
		if provider == nil {
			return false, errors.New("permission: resource provider is required")
		}
		res, err := provider.Resource(ctx, *ref)
		if err != nil {
			return false, err
		}
		q.Resource = res
	}
	outcome, err := r.NewEvaluation().Check(ctx, q)
	return outcome.Allowed(), err
}

// Check evaluates q. Errors always come with a non-allowing outcome.
func (e *Evaluation) Check(ctx context.Context, q Query) (Outcome, error) {
	key := cacheKey{q.PrincipalID, q.TenantID, q.Permission, ""}
	if q.Resource != nil {
		key.resource = q.Resource.Type + "/" + q.Resource.ID
	}
	e.mu.Lock()
	if o, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return o, nil
	}
	e.mu.Unlock()

	outcome, err := e.check(ctx, q)
	if err != nil {
		return Denied, err
	}
	e.mu.Lock()
	e.cache[key] = outcome
	e.mu.Unlock()
	return outcome, nil
}

func (e *Evaluation) check(ctx context.Context, q Query) (Outcome, error) {
	if q.PrincipalID == "" || q.TenantID == "" || q.Permission == "" {
		return Denied, nil
	}
	store := e.r.store

	globalRoles, err := store.Roles().ActiveRoles(ctx, q.PrincipalID, "")
	if err != nil {
		return Denied, fmt.Errorf("load global roles: %w", err)
	}
	member, err := e.activeMember(ctx, q.PrincipalID, q.TenantID)
	if err != nil {
		return Denied, err
	}
	if !member && len(globalRoles) == 0 {
		return NoMembership, nil
	}

	perm, err := store.Permissions().Get(ctx, q.Permission)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Denied, nil
		}
		return Denied, fmt.Errorf("load permission: %w", err)
	}

	roleAllow := holds(globalRoles, q.Permission)
	if member && !roleAllow {
		roles, err := store.Roles().ActiveRoles(ctx, q.PrincipalID, q.TenantID)
		if err != nil {
			return Denied, fmt.Errorf("load roles: %w", err)
		}
		roleAllow = holds(roles, q.Permission)
	}

	var grants []auth.UserPermission
	if member {
		grants, err = store.Permissions().ActiveGrants(ctx, q.PrincipalID, q.TenantID, q.Permission)
		if err != nil {
			return Denied, fmt.Errorf("load grants: %w", err)
		}
	}

	var scope map[string]struct{}
	if len(grants) > 0 {
		scope, err = e.scopeChain(ctx, q.Resource)
		if err != nil {
			return Denied, err
		}
	}

	directAllow := false
	for _, g := range grants {
		if g.ResourceID != "" {
			if _, ok := scope[g.ResourceID]; !ok {
				continue
			}
		}
		if g.Effect == auth.EffectDeny {
			return ExplicitDeny, nil
		}
		directAllow = true
	}

	if !roleAllow && !directAllow {
		return Denied, nil
	}
	if perm.Condition != nil {
		subject := Subject{PrincipalID: q.PrincipalID, TenantID: q.TenantID}
		if !EvaluateCondition(perm.Condition, subject, q.Resource) {
			return ConditionFailed, nil
		}
	}
	return Allowed, nil
}

func (e *Evaluation) activeMember(ctx context.Context, principalID, tenantID string) (bool, error) {
	m, err := e.r.store.Tenants().Membership(ctx, principalID, tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load membership: %w", err)
	}
	if !m.Active {
		return false, nil
	}
	t, err := e.r.store.Tenants().Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load tenant: %w", err)
	}
	return t.Active, nil
}

// scopeChain returns the ids a scoped grant may name to cover res: the resource itself, its
// device group and every ancestor group.
func (e *Evaluation) scopeChain(ctx context.Context, res *auth.Resource) (map[string]struct{}, error) {
	scope := map[string]struct{}{}
	if res == nil {
		return scope, nil
	}
	scope[res.ID] = struct{}{}

	next := res.GroupID
	if res.Type == auth.ResourceTypeDeviceGroup && next == "" {
		g, err := e.group(ctx, res.ID)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			return nil, err
		}
		if g != nil {
			next = g.ParentID
		}
	}
	visited := map[string]struct{}{res.ID: {}}
	for depth := 0; next != ""; depth++ {
		if depth >= e.r.maxDepth {
			return nil, fmt.Errorf("%w: group chain deeper than %d", auth.ErrCycle, e.r.maxDepth)
		}
		if _, seen := visited[next]; seen {
			return nil, fmt.Errorf("%w: group %s revisited", auth.ErrCycle, next)
		}
		visited[next] = struct{}{}
		g, err := e.group(ctx, next)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				break
			}
			return nil, err
		}
		if g.TenantID != res.TenantID {
			break
		}
		scope[g.ID] = struct{}{}
		next = g.ParentID
	}
	return scope, nil
}

func (e *Evaluation) group(ctx context.Context, id string) (*auth.DeviceGroup, error) {
	e.mu.Lock()
	g, ok := e.groups[id]
	e.mu.Unlock()
	if ok {
		return g, nil
	}
	g, err := e.r.store.Groups().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.groups[id] = g
	e.mu.Unlock()
	return g, nil
}

func holds(roles []auth.Role, perm string) bool {
	for _, r := range roles {
		for _, p := range r.Permissions {
			if p == perm {
				return true
			}
		}
	}
	return false
}
