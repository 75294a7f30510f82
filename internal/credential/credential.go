// Package credential verifies login secrets and owns the failed-attempt and lockout state
// of principals.
package credential

import (
	"context"
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
	defaultThreshold = 5
	defaultLockout   = 15 * time.Minute
)

// Service verifies credentials against a CredentialStore.
type Service struct {
	store           auth.CredentialStore
	now             func() time.Time
	threshold       int
	lockout         time.Duration
	requireVerified bool
	dummyHash       string
}

// Option configures Service behavior.
type Option func(*Service) error

// WithLockout sets the failure threshold and the lockout duration.
func WithLockout(threshold int, duration time.Duration) Option {
	return func(s *Service) error {
		if threshold < 1 || duration <= 0 {
			return fmt.Errorf("%w: lockout threshold and duration must be positive", auth.ErrInvalidInput)
		}
		s.threshold = threshold
		s.lockout = duration
		return nil
	}
}

// WithRequireVerifiedEmail refuses logins of principals whose email is not verified.
func WithRequireVerifiedEmail(required bool) Option {
	return func(s *Service) error {
		s.requireVerified = required
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// New constructs Service with optional configuration.
func New(store auth.CredentialStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential: store is required")
	}
	s := &Service{
		store:     store,
		now:       time.Now,
		threshold: defaultThreshold,
		lockout:   defaultLockout,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	seed, err := ids.Secret(16)
	if err != nil {
		return nil, fmt.Errorf("credential: dummy seed: %w", err)
	}
	dummy, err := auth.HashPassword(seed)
	if err != nil {
		return nil, fmt.Errorf("credential: dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// VerifyCredentials checks secret for identifier and returns the principal id. The lockout
// state is read and written under the store's row lock, so concurrent attempts against the
// same principal are counted exactly.
func (s *Service) VerifyCredentials(ctx context.Context, identifier, secret string) (string, error) {
	identifier = normalize(identifier)
	if identifier == "" || secret == "" {
		return "", auth.ErrInvalidCredentials
	}

	var principalID string
	err := s.store.Mutate(ctx, identifier, func(p *auth.Principal) error {
		now := s.now().UTC()
		if p.Locked(now) {
			return auth.ErrAccountLocked
		}
		if !p.LockoutUntil.IsZero() {
			p.LockoutUntil = time.Time{}
			p.FailedAttempts = 0
		}

		ok, err := auth.VerifyPassword(p.PasswordHash, secret)
		if err != nil {
			return fmt.Errorf("verify secret: %w", err)
		}
		p.UpdatedAt = now
		if !ok {
			p.FailedAttempts++
			if p.FailedAttempts >= s.threshold {
				p.LockoutUntil = now.Add(s.lockout)
				obs.Logger().Warn("principal locked out",
					zap.String("principal_id", p.ID),
					zap.Int("failed_attempts", p.FailedAttempts),
					zap.Time("lockout_until", p.LockoutUntil),
				)
			}
			return auth.ErrInvalidCredentials
		}

		p.FailedAttempts = 0
		if auth.NeedsRehash(p.PasswordHash) {
			if rehashed, err := auth.HashPassword(secret); err == nil {
				p.PasswordHash = rehashed
			}
		}
		if p.Status != auth.StatusActive {
			return auth.ErrAccountInactive
		}
		if s.requireVerified && !p.EmailVerified {
			return auth.ErrAccountInactive
		}
		principalID = p.ID
		return nil
	})
	if errors.Is(err, auth.ErrNotFound) {
		// Equalize timing with the known-identifier path.
		_, _ = auth.VerifyPassword(s.dummyHash, secret)
		return "", auth.ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	return principalID, nil
}

// IsLocked reports whether p is inside a lockout window.
func (s *Service) IsLocked(p *auth.Principal) bool {
	return p.Locked(s.now())
}

// Register creates a principal with a freshly hashed secret.
func (s *Service) Register(ctx context.Context, identifier, secret string, status auth.PrincipalStatus) (*auth.Principal, error) {
	identifier = normalize(identifier)
	if identifier == "" || !strings.Contains(identifier, "@") {
		return nil, fmt.Errorf("%w: identifier must be an email address", auth.ErrInvalidInput)
	}
	if len(secret) < 8 {
		return nil, fmt.Errorf("%w: secret must be at least 8 characters", auth.ErrInvalidInput)
	}
	if status == "" {
		status = auth.StatusPendingActivation
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", auth.ErrInvalidInput, status)
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &auth.Principal{
		ID:           ids.New(),
		Identifier:   identifier,
		PasswordHash: hash,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetStatus changes the lifecycle status. Principals are never deleted.
func (s *Service) SetStatus(ctx context.Context, identifier string, status auth.PrincipalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", auth.ErrInvalidInput, status)
	}
	return s.store.Mutate(ctx, normalize(identifier), func(p *auth.Principal) error {
		p.Status = status
		p.UpdatedAt = s.now().UTC()
		return nil
	})
}

// MarkEmailVerified records a completed email verification.
func (s *Service) MarkEmailVerified(ctx context.Context, identifier string) error {
	return s.store.Mutate(ctx, normalize(identifier), func(p *auth.Principal) error {
		p.EmailVerified = true
		p.UpdatedAt = s.now().UTC()
		return nil
	})
}

// ChangeSecret replaces the stored hash. It does not touch lockout state.
func (s *Service) ChangeSecret(ctx context.Context, identifier, secret string) error {
	if len(secret) < 8 {
		return fmt.Errorf("%w: secret must be at least 8 characters", auth.ErrInvalidInput)
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return err
	}
	return s.store.Mutate(ctx, normalize(identifier), func(p *auth.Principal) error {
		p.PasswordHash = hash
		p.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Unlock clears a lockout and the failure counter. Operator override.
func (s *Service) Unlock(ctx context.Context, identifier string) error {
	return s.store.Mutate(ctx, normalize(identifier), func(p *auth.Principal) error {
		p.FailedAttempts = 0
		p.LockoutUntil = time.Time{}
		p.UpdatedAt = s.now().UTC()
		return nil
	})
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
