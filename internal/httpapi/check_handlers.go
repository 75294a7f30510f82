package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wattguard.io/internal/audit"
	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/obs"
)

type checkResponse struct {
	Allow       bool   `json:"allow"`
	Reason      string `json:"reason"`
	PrincipalID string `json:"principal_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	RetryAfter  int64  `json:"retry_after_seconds,omitempty"`
}

// handleCheck is the permission-check contract for collaborator services. The decision is
// always reported in the body; only a missing token is an HTTP error.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	q := r.URL.Query()
	action := q.Get("action")
	if action == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	req := authz.Request{
		AccessToken: token,
		Action:      action,
		SourceIP:    clientIP(r, a.trustForwarded),
		Class:       q.Get("class"),
	}
	if rt, rid := q.Get("resource_type"), q.Get("resource_id"); rt != "" || rid != "" {
		req.Resource = &auth.ResourceRef{Type: rt, ID: rid}
	}
	dec := a.engine.Authorize(r.Context(), req)
	reason := dec.Reason
	if reason == authz.ReasonTenantMismatch {
		// Another tenant's resource reads as missing; the audit entry keeps the real reason.
		reason = authz.ReasonNotFound
	}
	resp := checkResponse{
		Allow:       dec.Allowed,
		Reason:      string(reason),
		PrincipalID: dec.Principal.PrincipalID,
		TenantID:    dec.Principal.TenantID,
	}
	if dec.Reason == authz.ReasonRateLimited {
		resp.RetryAfter = int64((dec.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", retryAfterSeconds(dec.RetryAfter))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuditExport streams the audit log as NDJSON. Callers without a system role are held
// to their active tenant.
func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	pc, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing principal")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope, all := a.tenancy.Scope(pc)
	switch {
	case all:
	case filter.TenantID == "":
		filter.TenantID = scope
	case filter.TenantID != scope:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	n, err := audit.WriteNDJSON(r.Context(), a.audit, filter, w)
	if err != nil {
		// Headers are gone; the truncated stream is the signal.
		obs.Logger().Error("audit export interrupted",
			zap.String("principal_id", pc.PrincipalID),
			zap.Int("written", n),
			zap.Error(err),
		)
	}
}

func parseAuditFilter(r *http.Request) (auth.AuditFilter, error) {
	q := r.URL.Query()
	filter := auth.AuditFilter{TenantID: q.Get("tenant")}
	var err error
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, errors.New("from must be RFC3339")
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, errors.New("to must be RFC3339")
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, errors.New("to must not precede from")
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}
