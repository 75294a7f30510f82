package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/stream"
	"wattguard.io/internal/tenancy"
)

const streamHeartbeat = 15 * time.Second

func (a *API) routeStream() {
	if a.stream == nil {
		return
	}
	tenant := PathResource(tenancy.ResourceTypeTenant, "tenant")
	a.mux.Handle("GET /v1/tenants/{tenant}/audit/stream",
		a.RequireAction(auth.PermAuditRead, tenant)(http.HandlerFunc(a.Stream)))
}

// Stream handles Server-Sent Events for a tenant's audit entries as they are persisted.
// ?denied=true restricts the feed to deny decisions.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The feed outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, stream.Filter{
		TenantID: r.PathValue("tenant"),
		Denied:   r.URL.Query().Get("denied") == "true",
	})

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + entry.ID + "\nevent: audit\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
