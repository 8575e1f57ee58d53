package httpapi

import (
	"net/http"
	"strings"
	"time"

	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/token"
)

type loginRequest struct {
	DeviceID    string `json:"device_id"`
	PrincipalID string `json:"principal_id"`
	Secret      string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	tokenResponse
	PrincipalID string `json:"principal_id"`
	DeviceID    string `json:"device_id"`
	TeamID      string `json:"team_id"`
}

func newTokenResponse(p token.Pair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.Access.Raw,
		RefreshToken:     p.Refresh.Raw,
		TokenType:        "Bearer",
		ExpiresIn:        int64(p.Access.ExpiresAt.Sub(p.Access.IssuedAt).Seconds()),
		AccessExpiresAt:  p.Access.ExpiresAt.UTC(),
		RefreshExpiresAt: p.Refresh.ExpiresAt.UTC(),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	if req.DeviceID == "" || req.PrincipalID == "" || req.Secret == "" {
		writeError(w, r, badRequest("device_id, principal_id and secret are required"))
		return
	}
	res, err := a.engine.Login(r.Context(), authn.Attempt{
		DeviceID:    req.DeviceID,
		PrincipalID: req.PrincipalID,
		Secret:      req.Secret,
		RemoteAddr:  clientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		tokenResponse: newTokenResponse(res.Pair),
		PrincipalID:   res.Principal.ID,
		DeviceID:      res.Device.ID,
		TeamID:        res.Device.TeamID,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, badRequest("refresh_token is required"))
		return
	}
	pair, err := a.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	if err := a.engine.Logout(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	who, err := a.engine.WhoAmI(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, who)
}
