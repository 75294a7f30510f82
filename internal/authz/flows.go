package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/session"
)

// Audit actions for authentication events.
const (
	ActionLogin        = "login"
	ActionRefresh      = "token_refresh"
	ActionLogout       = "logout"
	ActionTenantSwitch = "tenant_switch"
)

const resourceTypePrincipal = "principal"

// LoginRequest carries a login attempt. TenantID optionally selects the active tenant.
type LoginRequest struct {
	Identifier string
	Secret     string
	RememberMe bool
	TenantID   string
	Client     auth.ClientMeta
}

// Session is the result of a successful login, refresh or tenant switch.
type Session struct {
	Principal auth.PrincipalContext
	Tokens    session.Tokens
}

// Login verifies credentials, selects the active tenant and opens a session. Credential
// errors are returned unchanged; a rate-limited attempt never reaches the lockout counter.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	identifier := strings.ToLower(strings.TrimSpace(req.Identifier))
	entry := auth.AuditEntry{
		Action:       ActionLogin,
		ResourceType: resourceTypePrincipal,
		ResourceID:   identifier,
		TenantID:     req.TenantID,
		SourceIP:     req.Client.IP,
	}
	fail := func(err error) (*Session, error) {
		reason := credentialReason(err)
		if errors.Is(err, auth.ErrPermissionDenied) {
			reason = ReasonNoMembership
		}
		e.authEvent(ctx, entry, reason, err)
		obs.ObserveLogin(string(reason))
		return nil, err
	}

	if err := e.limiter.Allow(ctx, identifier, loginClass, nil); err != nil {
		return fail(err)
	}
	principalID, err := e.creds.VerifyCredentials(ctx, identifier, req.Secret)
	entry.PrincipalID = principalID
	if err != nil {
		return fail(err)
	}

	systemRoles, err := e.roleNames(ctx, principalID, "")
	if err != nil {
		return fail(err)
	}
	tenantID, err := e.selectTenant(ctx, principalID, req.TenantID, len(systemRoles) > 0)
	if err != nil {
		return fail(err)
	}
	entry.TenantID = tenantID

	s, tokens, err := e.sessions.CreateSession(ctx, principalID, tenantID, req.RememberMe, req.Client)
	if err != nil {
		return fail(err)
	}
	entry.SessionID = s.ID
	e.authEvent(ctx, entry, ReasonAllowed, nil)
	obs.ObserveLogin(string(ReasonAllowed))

	return &Session{
		Principal: auth.PrincipalContext{
			PrincipalID: principalID,
			TenantID:    tenantID,
			SessionID:   s.ID,
			RememberMe:  s.RememberMe,
			SystemRoles: systemRoles,
		},
		Tokens: tokens,
	}, nil
}

// selectTenant picks the requested tenant or the first active membership. Principals holding
// a global role may log in without one.
func (e *Engine) selectTenant(ctx context.Context, principalID, requested string, global bool) (string, error) {
	if requested != "" {
		ok, err := e.activeMember(ctx, principalID, requested)
		if err != nil {
			return "", err
		}
		if ok || global {
			return requested, nil
		}
		return "", fmt.Errorf("%w: no active membership in tenant", auth.ErrPermissionDenied)
	}
	memberships, err := e.store.Tenants().Memberships(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("load memberships: %w", err)
	}
	for _, m := range memberships {
		if !m.Active {
			continue
		}
		ok, err := e.activeMember(ctx, principalID, m.TenantID)
		if err != nil {
			return "", err
		}
		if ok {
			return m.TenantID, nil
		}
	}
	if global {
		return "", nil
	}
	return "", fmt.Errorf("%w: no active membership", auth.ErrPermissionDenied)
}

func (e *Engine) activeMember(ctx context.Context, principalID, tenantID string) (bool, error) {
	m, err := e.store.Tenants().Membership(ctx, principalID, tenantID)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load membership: %w", err)
	}
	if !m.Active {
		return false, nil
	}
	t, err := e.store.Tenants().Get(ctx, tenantID)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load tenant: %w", err)
	}
	return t.Active, nil
}

// Refresh rotates a refresh token. The session keeps its remember-me lifetimes.
func (e *Engine) Refresh(ctx context.Context, refreshToken, sourceIP string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sessionID, _, _ := strings.Cut(refreshToken, ".")
	entry := auth.AuditEntry{Action: ActionRefresh, SessionID: sessionID, SourceIP: sourceIP}

	s, tokens, err := e.sessions.Refresh(ctx, refreshToken)
	if s != nil {
		entry.PrincipalID = s.PrincipalID
		entry.TenantID = s.TenantID
	}
	if err != nil {
		reason := tokenReason(err)
		e.authEvent(ctx, entry, reason, err)
		obs.ObserveRefresh(string(reason))
		return nil, err
	}
	e.authEvent(ctx, entry, ReasonAllowed, nil)
	obs.ObserveRefresh(string(ReasonAllowed))
	return &Session{
		Principal: auth.PrincipalContext{
			PrincipalID: s.PrincipalID,
			TenantID:    s.TenantID,
			SessionID:   s.ID,
			RememberMe:  s.RememberMe,
		},
		Tokens: tokens,
	}, nil
}

// Authenticate resolves an access token against the session store, so a revoked session is
// rejected immediately. Global role names are attached to the result.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (auth.PrincipalContext, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pc, err := e.sessions.ValidateLive(ctx, accessToken)
	if err != nil {
		return auth.PrincipalContext{}, err
	}
	if pc.SystemRoles, err = e.roleNames(ctx, pc.PrincipalID, ""); err != nil {
		return auth.PrincipalContext{}, err
	}
	return pc, nil
}

// ResolveToken verifies the signature and expiry of accessToken without consulting the
// session store, so it still succeeds after the session has been revoked. Only Logout
// should act on the result.
func (e *Engine) ResolveToken(accessToken string) (auth.PrincipalContext, error) {
	return e.sessions.Validate(accessToken)
}

// Logout revokes sessionID on behalf of pc. An empty sessionID means pc's own session.
// Repeating a logout succeeds. A session owned by another principal is left alone and the
// refusal is only recorded in the audit log, so the caller cannot tell it from an unknown id.
func (e *Engine) Logout(ctx context.Context, pc auth.PrincipalContext, sessionID, sourceIP string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if sessionID == "" {
		sessionID = pc.SessionID
	}
	entry := auth.AuditEntry{
		Action:      ActionLogout,
		PrincipalID: pc.PrincipalID,
		TenantID:    pc.TenantID,
		SessionID:   sessionID,
		SourceIP:    sourceIP,
	}
	if sessionID != pc.SessionID {
		s, err := e.sessions.Get(ctx, sessionID)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			e.authEvent(ctx, entry, ReasonAllowed, nil)
			return nil
		case err != nil:
			e.authEvent(ctx, entry, ReasonInternal, err)
			return err
		case s.PrincipalID != pc.PrincipalID:
			e.authEvent(ctx, entry, ReasonPermissionDenied, auth.ErrPermissionDenied)
			return nil
		}
	}
	if err := e.sessions.Revoke(ctx, sessionID, "logout"); err != nil {
		e.authEvent(ctx, entry, ReasonInternal, err)
		return err
	}
	e.authEvent(ctx, entry, ReasonAllowed, nil)
	return nil
}

// SwitchTenant rebinds the session behind accessToken to tenantID after checking membership,
// and issues an access token for the new tenant.
func (e *Engine) SwitchTenant(ctx context.Context, accessToken, tenantID, sourceIP string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entry := auth.AuditEntry{Action: ActionTenantSwitch, TenantID: tenantID, SourceIP: sourceIP}
	pc, err := e.sessions.ValidateLive(ctx, accessToken)
	if err != nil {
		e.authEvent(ctx, entry, tokenReason(err), err)
		return nil, err
	}
	entry.PrincipalID = pc.PrincipalID
	entry.SessionID = pc.SessionID

	systemRoles, err := e.roleNames(ctx, pc.PrincipalID, "")
	if err != nil {
		e.authEvent(ctx, entry, ReasonInternal, err)
		return nil, err
	}
	if tenantID == "" {
		e.authEvent(ctx, entry, ReasonNoMembership, auth.ErrInvalidInput)
		return nil, fmt.Errorf("%w: tenant id is required", auth.ErrInvalidInput)
	}
	member, err := e.activeMember(ctx, pc.PrincipalID, tenantID)
	if err != nil {
		e.authEvent(ctx, entry, ReasonInternal, err)
		return nil, err
	}
	if !member && len(systemRoles) == 0 {
		// Indistinguishable from a tenant that does not exist.
		e.authEvent(ctx, entry, ReasonNoMembership, auth.ErrNotFound)
		return nil, auth.ErrNotFound
	}

	s, tokens, err := e.sessions.SwitchTenant(ctx, pc.SessionID, tenantID)
	if err != nil {
		e.authEvent(ctx, entry, tokenReason(err), err)
		return nil, err
	}
	e.authEvent(ctx, entry, ReasonAllowed, nil)
	return &Session{
		Principal: auth.PrincipalContext{
			PrincipalID: s.PrincipalID,
			TenantID:    s.TenantID,
			SessionID:   s.ID,
			RememberMe:  s.RememberMe,
			SystemRoles: systemRoles,
		},
		Tokens: tokens,
	}, nil
}

// authEvent records an authentication event. Internal faults are also logged as system errors.
func (e *Engine) authEvent(ctx context.Context, entry auth.AuditEntry, reason Reason, err error) {
	entry.Reason = string(reason)
	entry.Decision = auth.DecisionDeny
	if reason == ReasonAllowed {
		entry.Decision = auth.DecisionAllow
	}
	e.audit.Record(ctx, entry)
	if reason == ReasonInternal && err != nil {
		obs.Logger().Error("authentication failed",
			zap.String("kind", "system_error"),
			zap.String("action", entry.Action),
			zap.String("principal_id", entry.PrincipalID),
			zap.Error(err),
		)
	}
}
