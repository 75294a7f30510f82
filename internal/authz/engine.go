// Package authz is the single entry point collaborators call to authenticate principals
// and authorize actions. It sequences token validation, tenant isolation, permission
// resolution and rate limiting, and records exactly one audit entry per decision.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/credential"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/permission"
	"wattguard.io/internal/session"
	"wattguard.io/internal/tenancy"
)

const (
	defaultStoreTimeout = 2 * time.Second
	defaultClass        = "api"
	loginClass          = "login"
)

// RateLimiter admits requests per principal and endpoint class.
type RateLimiter interface {
	Allow(ctx context.Context, principalID, class string, roles []string) error
}

// Recorder accepts audit entries without blocking.
type Recorder interface {
	Record(ctx context.Context, entry auth.AuditEntry)
}

// Deps are the components the engine composes.
type Deps struct {
	Store       auth.Store
	Credentials *credential.Service
	Sessions    *session.Manager
	Resolver    *permission.Resolver
	Tenancy     *tenancy.Enforcer
	Limiter     RateLimiter
	Audit       Recorder
}

// Config tunes the decision path.
type Config struct {
	// StoreTimeout bounds every call into the engine. Exceeding it denies.
	StoreTimeout time.Duration
	// StrictActions force a session store check so revocation takes effect immediately.
	// Nil selects DefaultStrictActions. Every other action trusts the access token until it
	// expires, so a suspended principal keeps them for up to the remember-me access TTL.
	StrictActions []string
}

// DefaultStrictActions are the actions that must observe revocation at once: account and
// tenant administration, device control and the audit log.
var DefaultStrictActions = []string{
	auth.PermTenantManage,
	auth.PermUserManage,
	auth.PermRoleManage,
	auth.PermGroupManage,
	auth.PermDeviceControl,
	auth.PermAuditRead,
}

// Engine is the authorization facade.
type Engine struct {
	store    auth.Store
	creds    *credential.Service
	sessions *session.Manager
	resolver *permission.Resolver
	tenancy  *tenancy.Enforcer
	limiter  RateLimiter
	audit    Recorder
	timeout  time.Duration
	strict   map[string]struct{}
}

// New wires an Engine. Every dependency is required.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("authz: store is required")
	case deps.Credentials == nil:
		return nil, errors.New("authz: credential service is required")
	case deps.Sessions == nil:
		return nil, errors.New("authz: session manager is required")
	case deps.Resolver == nil:
		return nil, errors.New("authz: permission resolver is required")
	case deps.Tenancy == nil:
		return nil, errors.New("authz: tenancy enforcer is required")
	case deps.Limiter == nil:
		return nil, errors.New("authz: rate limiter is required")
	case deps.Audit == nil:
		return nil, errors.New("authz: audit recorder is required")
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if cfg.StrictActions == nil {
		cfg.StrictActions = DefaultStrictActions
	}
	strict := make(map[string]struct{}, len(cfg.StrictActions))
	for _, a := range cfg.StrictActions {
		if a = strings.TrimSpace(a); a != "" {
			strict[a] = struct{}{}
		}
	}
	return &Engine{
		store:    deps.Store,
		creds:    deps.Credentials,
		sessions: deps.Sessions,
		resolver: deps.Resolver,
		tenancy:  deps.Tenancy,
		limiter:  deps.Limiter,
		audit:    deps.Audit,
		timeout:  timeout,
		strict:   strict,
	}, nil
}

// Request is one authorization question.
type Request struct {
	AccessToken string
	// Action is the permission name being exercised.
	Action string
	// Resource is the target; nil asks about the principal's active tenant as a whole.
	Resource *auth.ResourceRef
	SourceIP string
	// Class selects the rate limit bucket. Empty means the default API class.
	Class string
}

// Decision is the answer to a Request. Principal is populated whenever the token was valid.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Principal  auth.PrincipalContext
	RetryAfter time.Duration
}

// Err returns the error a transport should report for the decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonRateLimited {
		return &auth.RateLimitError{RetryAfter: d.RetryAfter}
	}
	return d.Reason.Err()
}

// Authorize runs the full decision sequence. Any failing stage denies with its reason, and
// every call produces exactly one audit entry.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	started := time.Now()
	dec, res, fault := e.decide(ctx, req)

	entry := auth.AuditEntry{
		PrincipalID: dec.Principal.PrincipalID,
		TenantID:    dec.Principal.TenantID,
		SessionID:   dec.Principal.SessionID,
		Action:      req.Action,
		Decision:    auth.DecisionDeny,
		Reason:      string(dec.Reason),
		SourceIP:    req.SourceIP,
	}
	if dec.Allowed {
		entry.Decision = auth.DecisionAllow
	}
	if req.Resource != nil {
		entry.ResourceType = req.Resource.Type
		entry.ResourceID = req.Resource.ID
	}
	// Record what the resource really belongs to, which may differ from the caller's tenant.
	if res != nil && res.TenantID != "" {
		entry.TenantID = res.TenantID
	}
	e.audit.Record(ctx, entry)
	obs.ObserveDecision(dec.Allowed, string(dec.Reason))

	log := obs.Logger()
	fields := []zap.Field{
		zap.String("principal_id", entry.PrincipalID),
		zap.String("tenant_id", entry.TenantID),
		zap.String("action", req.Action),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.String("reason", string(dec.Reason)),
		zap.Duration("elapsed", time.Since(started)),
	}
	switch {
	case fault != nil:
		log.Error("authorization failed", append(fields, zap.String("kind", "system_error"), zap.Error(fault))...)
	case !dec.Allowed:
		log.Debug("authorization denied", fields...)
	}
	return dec
}

func (e *Engine) decide(ctx context.Context, req Request) (Decision, *auth.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	deny := func(pc auth.PrincipalContext, r Reason) Decision {
		return Decision{Reason: r, Principal: pc}
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return deny(auth.PrincipalContext{}, ReasonPermissionDenied), nil, nil
	}

	var (
		pc  auth.PrincipalContext
		err error
	)
	if _, strict := e.strict[action]; strict {
		pc, err = e.sessions.ValidateLive(ctx, req.AccessToken)
	} else {
		pc, err = e.sessions.Validate(req.AccessToken)
	}
	if err != nil {
		r := tokenReason(err)
		if r == ReasonInternal {
			return deny(auth.PrincipalContext{}, r), nil, err
		}
		return deny(auth.PrincipalContext{}, r), nil, nil
	}

	systemRoles, err := e.roleNames(ctx, pc.PrincipalID, "")
	if err != nil {
		return deny(pc, ReasonInternal), nil, err
	}
	pc.SystemRoles = systemRoles

	tenantID := pc.TenantID
	var res *auth.Resource
	if req.Resource != nil {
		res, err = e.tenancy.Fetch(ctx, pc, *req.Resource)
		if err != nil {
			r := fetchReason(err)
			if r == ReasonInternal {
				return deny(pc, r), nil, err
			}
			return deny(pc, r), nil, nil
		}
		tenantID = res.TenantID
	}

	outcome, err := e.resolver.NewEvaluation().Check(ctx, permission.Query{
		PrincipalID: pc.PrincipalID,
		TenantID:    tenantID,
		Permission:  action,
		Resource:    res,
	})
	if err != nil {
		return deny(pc, ReasonInternal), res, err
	}
	if !outcome.Allowed() {
		return deny(pc, outcomeReason(outcome)), res, nil
	}

	tenantRoles, err := e.roleNames(ctx, pc.PrincipalID, tenantID)
	if err != nil {
		return deny(pc, ReasonInternal), res, err
	}
	class := req.Class
	if class == "" {
		class = defaultClass
	}
	if err := e.limiter.Allow(ctx, pc.PrincipalID, class, append(tenantRoles, systemRoles...)); err != nil {
		var rl *auth.RateLimitError
		if errors.As(err, &rl) {
			d := deny(pc, ReasonRateLimited)
			d.RetryAfter = rl.RetryAfter
			return d, res, nil
		}
		return deny(pc, ReasonInternal), res, err
	}

	// A deadline that fired on the last stage must still fail closed.
	if err := ctx.Err(); err != nil {
		return deny(pc, ReasonInternal), res, err
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, Principal: pc}, res, nil
}

func (e *Engine) roleNames(ctx context.Context, principalID, tenantID string) ([]string, error) {
	roles, err := e.store.Roles().ActiveRoles(ctx, principalID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if tenantID == "" && !r.Global {
			continue
		}
		names = append(names, r.Name)
	}
	return names, nil
}
