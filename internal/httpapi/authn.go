package httpapi

import (
	"net/http"
	"strings"

	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token and attaches the principal. Only
// access and override tokens pass; refresh tokens are rejected here.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			writeError(w, r, token.ErrInvalid)
			return
		}
		p, err := a.engine.Authenticate(r.Context(), raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(engine.WithPrincipal(r.Context(), p)))
	})
}

func principal(r *http.Request) (engine.Principal, bool) {
	return engine.PrincipalFrom(r.Context())
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearer):])
	return raw, raw != ""
}
