// Package session issues, validates, rotates and revokes session tokens.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
	"wattguard.io/internal/obs"
)

const (
	defaultIssuer     = "wattguard"
	defaultReuseGrace = 5 * time.Second
	minSecretLength   = 32
)

// Lifetimes pairs an access token lifetime with its refresh window.
type Lifetimes struct {
	Access  time.Duration
	Refresh time.Duration
}

func (l Lifetimes) valid() bool {
	return l.Access > 0 && l.Refresh > 0 && l.Access <= l.Refresh
}

// Tokens is the credential pair handed to a client.
type Tokens struct {
	SessionID        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	// ExpiresIn is the access token lifetime taken from the session.
	ExpiresIn time.Duration
}

// Manager owns the session lifecycle.
type Manager struct {
	store      Store
	secret     []byte
	issuer     string
	standard   Lifetimes
	remember   Lifetimes
	reuseGrace time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(m *Manager) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
		return nil
	}
}

// WithLifetimes sets the standard and remember-me token lifetimes.
func WithLifetimes(standard, remember Lifetimes) Option {
	return func(m *Manager) error {
		if !standard.valid() || !remember.valid() {
			return fmt.Errorf("%w: lifetimes must be positive with access <= refresh", auth.ErrInvalidInput)
		}
		m.standard = standard
		m.remember = remember
		return nil
	}
}

// WithReuseGrace sets how long a just-rotated refresh token is treated as a lost race
// rather than a replay.
func WithReuseGrace(d time.Duration) Option {
	return func(m *Manager) error {
		if d >= 0 {
			m.reuseGrace = d
		}
		return nil
	}
}

// WithLeeway tolerates clock skew when validating token timestamps.
func WithLeeway(d time.Duration) Option {
	return func(m *Manager) error {
		if d >= 0 {
			m.leeway = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// New constructs a Manager signing HS256 tokens with secret.
func New(store Store, secret string, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", auth.ErrInvalidInput, minSecretLength)
	}
	m := &Manager{
		store:      store,
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		standard:   Lifetimes{Access: 30 * time.Minute, Refresh: 7 * 24 * time.Hour},
		remember:   Lifetimes{Access: 7 * 24 * time.Hour, Refresh: 30 * 24 * time.Hour},
		reuseGrace: defaultReuseGrace,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateSession persists a new session and issues its first token pair. The lifetimes are
// chosen from rememberMe once and stored on the session.
func (m *Manager) CreateSession(ctx context.Context, principalID, tenantID string, rememberMe bool, meta auth.ClientMeta) (*auth.Session, Tokens, error) {
	if principalID == "" {
		return nil, Tokens{}, fmt.Errorf("%w: principal id is required", auth.ErrInvalidInput)
	}
	life := m.standard
	if rememberMe {
		life = m.remember
	}
	secret, hash, err := newRefreshSecret()
	if err != nil {
		return nil, Tokens{}, err
	}
	now := m.now().UTC()
	s := &auth.Session{
		ID:          ids.New(),
		PrincipalID: principalID,
		TenantID:    tenantID,
		RememberMe:  rememberMe,
		AccessTTL:   auth.Duration(life.Access),
		RefreshTTL:  auth.Duration(life.Refresh),
		RefreshHash: hash,
		ClientIP:    meta.IP,
		UserAgent:   meta.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(life.Refresh),
		Active:      true,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, Tokens{}, fmt.Errorf("create session: %w", err)
	}
	tokens, err := m.tokens(s, secret, now)
	if err != nil {
		return nil, Tokens{}, err
	}
	return s, tokens, nil
}

// Validate verifies an access token without consulting the session store.
func (m *Manager) Validate(token string) (auth.PrincipalContext, error) {
	claims, err := m.parseAccessToken(token)
	if err != nil {
		return auth.PrincipalContext{}, err
	}
	return auth.PrincipalContext{
		PrincipalID: claims.Subject,
		TenantID:    claims.TenantID,
		SessionID:   claims.SessionID,
		RememberMe:  claims.RememberMe,
	}, nil
}

// ValidateLive verifies the token and checks that its session is still active and still
// bound to the tenant the token names.
func (m *Manager) ValidateLive(ctx context.Context, token string) (auth.PrincipalContext, error) {
	pc, err := m.Validate(token)
	if err != nil {
		return pc, err
	}
	s, err := m.store.Get(ctx, pc.SessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.PrincipalContext{}, auth.ErrSessionRevoked
		}
		return auth.PrincipalContext{}, fmt.Errorf("load session: %w", err)
	}
	if err := m.checkLive(s, pc); err != nil {
		return auth.PrincipalContext{}, err
	}
	return pc, nil
}

func (m *Manager) checkLive(s *auth.Session, pc auth.PrincipalContext) error {
	switch {
	case !s.Active:
		return auth.ErrSessionRevoked
	case !m.now().Before(s.ExpiresAt):
		return auth.ErrTokenExpired
	case s.PrincipalID != pc.PrincipalID, s.TenantID != pc.TenantID:
		return auth.ErrTokenInvalid
	}
	return nil
}

// Refresh rotates the refresh token of a live session and issues a new access token with
// the session's stored lifetime. Rotation is a compare-and-swap on the stored hash: of
// several concurrent refreshes with one token exactly one succeeds. Presenting a rotated
// token after the reuse grace period revokes the session.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*auth.Session, Tokens, error) {
	sessionID, presented, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, Tokens{}, auth.ErrTokenInvalid
	}
	presentedHash := hashSecret(presented)
	secret, nextHash, err := newRefreshSecret()
	if err != nil {
		return nil, Tokens{}, err
	}

	var now time.Time
	s, err := m.store.Update(ctx, sessionID, func(s *auth.Session) error {
		now = m.now().UTC()
		if !s.Active {
			return auth.ErrSessionRevoked
		}
		if !now.Before(s.ExpiresAt) {
			return auth.ErrTokenExpired
		}
		switch {
		case equalHash(s.RefreshHash, presentedHash):
		case s.PrevHash != "" && equalHash(s.PrevHash, presentedHash):
			if now.Sub(s.RefreshedAt) <= m.reuseGrace {
				return auth.ErrTokenInvalid
			}
			s.Active = false
			s.RevokedAt = now
			s.RevokeReason = "refresh_token_reuse"
			return persistAnd(auth.ErrSessionRevoked)
		default:
			return auth.ErrTokenInvalid
		}
		s.PrevHash = s.RefreshHash
		s.RefreshHash = nextHash
		s.Generation++
		s.RefreshedAt = now
		s.ExpiresAt = now.Add(s.RefreshTTL.Std())
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, ErrConflict):
		return nil, Tokens{}, auth.ErrTokenInvalid
	case errors.Is(err, auth.ErrSessionRevoked) && s != nil:
		obs.Logger().Warn("refresh token reuse, session revoked",
			zap.String("session_id", s.ID),
			zap.String("principal_id", s.PrincipalID),
		)
		return nil, Tokens{}, err
	default:
		return nil, Tokens{}, err
	}

	tokens, err := m.tokens(s, secret, now)
	if err != nil {
		return nil, Tokens{}, err
	}
	return s, tokens, nil
}

// Revoke deactivates a session. Revoking an unknown or already revoked session succeeds.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return nil
	}
	_, err := m.store.Update(ctx, sessionID, func(s *auth.Session) error {
		if !s.Active {
			return errAlreadyRevoked
		}
		s.Active = false
		s.RevokedAt = m.now().UTC()
		s.RevokeReason = reason
		return nil
	})
	if err == nil || errors.Is(err, auth.ErrNotFound) || errors.Is(err, errAlreadyRevoked) {
		return nil
	}
	return fmt.Errorf("revoke session: %w", err)
}

var errAlreadyRevoked = errors.New("session already revoked")

// RevokeAll deactivates every session of a principal.
func (m *Manager) RevokeAll(ctx context.Context, principalID, reason string) error {
	sessionIDs, err := m.store.ListIDs(ctx, principalID)
	if err != nil {
		return err
	}
	for _, id := range sessionIDs {
		if err := m.Revoke(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored session record.
func (m *Manager) Get(ctx context.Context, sessionID string) (*auth.Session, error) {
	return m.store.Get(ctx, sessionID)
}

// SwitchTenant rebinds a live session to tenantID and issues a fresh access token. Tenant
// membership must be checked by the caller. Access tokens naming the previous tenant stop
// passing ValidateLive.
func (m *Manager) SwitchTenant(ctx context.Context, sessionID, tenantID string) (*auth.Session, Tokens, error) {
	var now time.Time
	s, err := m.store.Update(ctx, sessionID, func(s *auth.Session) error {
		now = m.now().UTC()
		if !s.Active {
			return auth.ErrSessionRevoked
		}
		if !now.Before(s.ExpiresAt) {
			return auth.ErrTokenExpired
		}
		s.TenantID = tenantID
		return nil
	})
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, Tokens{}, auth.ErrTokenInvalid
		}
		return nil, Tokens{}, err
	}
	access, exp, err := m.signAccessToken(s, now)
	if err != nil {
		return nil, Tokens{}, err
	}
	return s, Tokens{
		SessionID:        s.ID,
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: s.ExpiresAt,
		ExpiresIn:        s.AccessTTL.Std(),
	}, nil
}

func (m *Manager) tokens(s *auth.Session, secret string, now time.Time) (Tokens, error) {
	access, exp, err := m.signAccessToken(s, now)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		SessionID:        s.ID,
		AccessToken:      access,
		RefreshToken:     s.ID + "." + secret,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: s.ExpiresAt,
		ExpiresIn:        s.AccessTTL.Std(),
	}, nil
}

func newRefreshSecret() (secret, hash string, err error) {
	secret, err = ids.Secret(32)
	if err != nil {
		return "", "", fmt.Errorf("refresh secret: %w", err)
	}
	return secret, hashSecret(secret), nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func equalHash(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
