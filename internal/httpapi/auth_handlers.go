package httpapi

import (
	"net/http"
	"time"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	RememberMe bool   `json:"remember_me"`
	TenantID   string `json:"tenant_id,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type tenantSwitchRequest struct {
	TenantID string `json:"tenant_id"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	PrincipalID      string    `json:"principal_id"`
	TenantID         string    `json:"tenant_id,omitempty"`
	RememberMe       bool      `json:"remember_me"`
}

func newTokenResponse(s *authz.Session) tokenResponse {
	return tokenResponse{
		AccessToken:      s.Tokens.AccessToken,
		RefreshToken:     s.Tokens.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.Tokens.ExpiresIn / time.Second),
		RefreshExpiresAt: s.Tokens.RefreshExpiresAt,
		SessionID:        s.Tokens.SessionID,
		PrincipalID:      s.Principal.PrincipalID,
		TenantID:         s.Principal.TenantID,
		RememberMe:       s.Principal.RememberMe,
	}
}

func (a *API) routeAuth() {
	a.mux.Handle("POST /auth/login", a.Throttle(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /auth/refresh", a.Throttle(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("POST /auth/logout", a.tokenAuthenticated(a.handleLogout))
	a.mux.Handle("POST /auth/tenant", a.Throttle(http.HandlerFunc(a.handleTenantSwitch)))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s, err := a.engine.Login(r.Context(), authz.LoginRequest{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		RememberMe: req.RememberMe,
		TenantID:   req.TenantID,
		Client: auth.ClientMeta{
			IP:        clientIP(r, a.trustForwarded),
			UserAgent: r.UserAgent(),
		},
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(s))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	s, err := a.engine.Refresh(r.Context(), req.RefreshToken, clientIP(r, a.trustForwarded))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(s))
}

// handleLogout accepts an empty body, which logs out the caller's own session.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, pc auth.PrincipalContext) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := a.engine.Logout(r.Context(), pc, req.SessionID, clientIP(r, a.trustForwarded)); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTenantSwitch(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req tenantSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s, err := a.engine.SwitchTenant(r.Context(), token, req.TenantID, clientIP(r, a.trustForwarded))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(s))
}
