package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/token"
)

func (a *API) handleFetchPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	signed, err := a.engine.FetchPolicy(r.Context(), p, chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := `"` + signed.Digest + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.TrimSpace(match) == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeSigned(w, http.StatusOK, signed)
}

func (a *API) handleReissuePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, r, token.ErrInvalid)
		return
	}
	signed, err := a.engine.ReissuePolicy(r.Context(), p, chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+signed.Digest+`"`)
	writeSigned(w, http.StatusCreated, signed)
}

func writeSigned(w http.ResponseWriter, code int, s policy.Signed) {
	w.Header().Set("X-Policy-Version", strconv.FormatUint(s.Version, 10))
	writeJSON(w, code, s)
}

func (a *API) handlePolicyKeys(w http.ResponseWriter, r *http.Request) {
	set, err := a.engine.Signer().JWKS()
	if err != nil {
		writeError(w, r, errs.Wrap(errs.CodeSigningKeyUnavailable, "policy key unavailable", err))
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(set)
}
