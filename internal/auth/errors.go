package auth

import (
	"errors"
	"fmt"
	"time"
)

// Authentication and authorization failures.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
	ErrSessionRevoked     = errors.New("auth: session revoked")
	ErrTenantMismatch     = errors.New("auth: tenant mismatch")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrAuditWriteDegraded = errors.New("auth: audit write degraded")
)

// Repository and administrative failures.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrImmutable    = errors.New("auth: immutable")
	ErrCycle        = errors.New("auth: device group cycle")
)

// RateLimitError is returned when a limiter rejects a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// notVisible hides a tenant mismatch behind not-found while keeping it classifiable.
type notVisible struct{}

func (notVisible) Error() string { return ErrNotFound.Error() }

func (notVisible) Is(target error) bool {
	return target == ErrNotFound || target == ErrTenantMismatch
}

// ErrHiddenTenantMismatch reads as not-found to callers but matches ErrTenantMismatch for audit.
var ErrHiddenTenantMismatch error = notVisible{}
