package authz

import (
	"errors"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/permission"
)

// Reason is the machine-readable cause recorded for every decision.
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonTokenInvalid     Reason = "token_invalid"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonSessionRevoked   Reason = "session_revoked"
	ReasonTenantMismatch   Reason = "tenant_mismatch"
	ReasonNoMembership     Reason = "no_membership"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonConditionFailed  Reason = "condition_failed"
	ReasonExplicitDeny     Reason = "explicit_deny"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonNotFound         Reason = "resource_not_found"
	ReasonInternal         Reason = "internal_error"

	// Authentication event reasons.
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonAccountLocked      Reason = "account_locked"
	ReasonAccountInactive    Reason = "account_inactive"
)

// tokenReason classifies a token validation failure. Unknown errors are internal faults.
func tokenReason(err error) Reason {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, auth.ErrSessionRevoked):
		return ReasonSessionRevoked
	case errors.Is(err, auth.ErrTokenInvalid):
		return ReasonTokenInvalid
	}
	return ReasonInternal
}

// fetchReason classifies a tenant-checked resource load failure.
func fetchReason(err error) Reason {
	switch {
	case errors.Is(err, auth.ErrTenantMismatch):
		return ReasonTenantMismatch
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrInvalidInput):
		return ReasonNotFound
	}
	return ReasonInternal
}

func credentialReason(err error) Reason {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return ReasonAccountLocked
	case errors.Is(err, auth.ErrAccountInactive):
		return ReasonAccountInactive
	case errors.Is(err, auth.ErrInvalidCredentials):
		return ReasonInvalidCredentials
	case errors.Is(err, auth.ErrRateLimited):
		return ReasonRateLimited
	}
	return ReasonInternal
}

func outcomeReason(o permission.Outcome) Reason {
	switch o {
	case permission.Allowed:
		return ReasonAllowed
	case permission.NoMembership:
		return ReasonNoMembership
	case permission.ConditionFailed:
		return ReasonConditionFailed
	case permission.ExplicitDeny:
		return ReasonExplicitDeny
	}
	return ReasonPermissionDenied
}

// Err maps a deny reason to the error a transport reports. Tenant mismatch reads as not found
// and every permission-family reason collapses to ErrPermissionDenied.
func (r Reason) Err() error {
	switch r {
	case ReasonAllowed:
		return nil
	case ReasonTokenInvalid:
		return auth.ErrTokenInvalid
	case ReasonTokenExpired:
		return auth.ErrTokenExpired
	case ReasonSessionRevoked:
		return auth.ErrSessionRevoked
	case ReasonTenantMismatch, ReasonNotFound:
		return auth.ErrNotFound
	case ReasonRateLimited:
		return auth.ErrRateLimited
	case ReasonInternal:
		return errInternal
	}
	return auth.ErrPermissionDenied
}

var errInternal = errors.New("authz: internal error")

// IsInternal reports whether err came from an internal fault rather than a decision.
func IsInternal(err error) bool { return errors.Is(err, errInternal) }
