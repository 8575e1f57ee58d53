package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/token"
)

type overrideRequest struct {
	SupervisorID string `json:"supervisor_id"`
	Secret       string `json:"secret"`
}

type overrideResponse struct {
	OverrideToken string    `json:"override_token"`
	TokenID       string    `json:"token_id"`
	TokenType     string    `json:"token_type"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type rotateSecretRequest struct {
	Current string `json:"current_secret,omitempty"`
	Secret  string `json:"secret"`
}

// handleOverrideLogin is called with the operator's device-bound token;
// the supervisor authenticates on the same device.
func (a *API) handleOverrideLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.SupervisorID = strings.TrimSpace(req.SupervisorID)
	if req.SupervisorID == "" || req.Secret == "" {
		writeError(w, r, badRequest("supervisor_id and secret are required"))
		return
	}
	tok, err := a.engine.SupervisorOverrideLogin(r.Context(), p, engine.OverrideRequest{
		SupervisorID: req.SupervisorID,
		Secret:       req.Secret,
		RemoteAddr:   clientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overrideResponse{
		OverrideToken: tok.Raw,
		TokenID:       tok.JTI,
		TokenType:     "Bearer",
		ExpiresAt:     tok.ExpiresAt.UTC(),
	})
}

func (a *API) handleOverrideRevoke(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	if err := a.engine.SupervisorOverrideRevoke(r.Context(), p, chi.URLParam(r, "jti")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	if err := a.engine.EndSession(r.Context(), p, chi.URLParam(r, "jti")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	var req rotateSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := a.engine.RotateSecret(r.Context(), p, engine.SecretChange{
		IdentityID: chi.URLParam(r, "identityID"),
		Scope:      credential.Scope(chi.URLParam(r, "scope")),
		Current:    req.Current,
		Secret:     req.Secret,
		RemoteAddr: clientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
