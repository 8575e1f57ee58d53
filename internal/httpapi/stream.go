package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

var heartbeatInterval = 15 * time.Second

// Stream serves engine events for the caller's team as Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, errs.New(errs.CodeNotFound, "event stream disabled"))
		return
	}
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	if err := a.engine.Authorize(r.Context(), p, authz.ResourceEvents, authz.ActionRead, p.Identity.TeamScope()); err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errs.Internal("streaming unsupported", nil))
		return
	}

	// Lift the server write timeout for the life of the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	team := p.Identity.TeamID
	ch := a.events.Subscribe(r.Context(), func(e stream.Event) bool { return e.TeamID == team })

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + event.Type + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}
