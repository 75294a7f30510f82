// Package httpapi is the HTTP transport of the authorization engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/rbac"
	"wattguard.io/internal/stream"
	"wattguard.io/internal/tenancy"
)

const serviceName = "wattguard-authd"

// ReadyProbe reports whether a dependency can serve traffic.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyProbe.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// Options carries the collaborators the API serves.
type Options struct {
	Engine  *authz.Engine
	Admin   *rbac.Service
	Tenancy *tenancy.Enforcer
	Audit   auth.AuditStore
	// Stream enables the live audit feed when set.
	Stream  *stream.Hub
	Ready   []ReadyProbe
	Version string

	MaxBodyBytes   int64
	TrustForwarded bool
	IPPerSecond    int
	IPBurst        int
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	engine         *authz.Engine
	admin          *rbac.Service
	tenancy        *tenancy.Enforcer
	audit          auth.AuditStore
	stream         *stream.Hub
	ready          []ReadyProbe
	version        string
	maxBody        int64
	trustForwarded bool
	throttle       *ipThrottle
}

// New registers every route.
func New(opts Options) (*API, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("httpapi: engine is required")
	case opts.Admin == nil:
		return nil, errors.New("httpapi: rbac service is required")
	case opts.Tenancy == nil:
		return nil, errors.New("httpapi: tenancy enforcer is required")
	case opts.Audit == nil:
		return nil, errors.New("httpapi: audit store is required")
	}
	a := &API{
		mux:            http.NewServeMux(),
		engine:         opts.Engine,
		admin:          opts.Admin,
		tenancy:        opts.Tenancy,
		audit:          opts.Audit,
		stream:         opts.Stream,
		ready:          opts.Ready,
		version:        opts.Version,
		maxBody:        opts.MaxBodyBytes,
		trustForwarded: opts.TrustForwarded,
		throttle:       newIPThrottle(opts.IPPerSecond, opts.IPBurst),
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.routeAuth()
	a.mux.HandleFunc("GET /authz/check", a.handleCheck)
	a.mux.Handle("GET /audit/export", a.RequireAction(auth.PermAuditRead, nil)(http.HandlerFunc(a.handleAuditExport)))
	a.routeAdmin()
	a.routeStream()

	return a, nil
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = Logging(h, a.trustForwarded)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, probe := range a.ready {
		if err := probe.Check(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
