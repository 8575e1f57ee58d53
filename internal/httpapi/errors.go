package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
)

// writeError maps err onto the taxonomy. Internal causes are logged and
// never written to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	payload := map[string]any{"error": code}

	var e *errs.Error
	if errors.As(err, &e) && code != errs.CodeInternal && e.Msg != "" {
		payload["message"] = e.Msg
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if after := errs.RetryAfterOf(err); after > 0 {
		secs := int(math.Ceil(after.Seconds()))
		payload["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			"request_id", audit.CorrelationID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"code", string(code),
			"error", err,
		)
	}
	writeJSON(w, status, payload)
}

func badRequest(msg string) error {
	return errs.New(errs.CodeInvalidRequest, msg)
}

// decodeJSON reads exactly one JSON object. The body size is already
// bounded by MaxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		case errors.As(err, &tooLarge):
			return badRequest("request body too large")
		default:
			return badRequest("malformed JSON body")
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("unexpected data after JSON body")
	}
	return nil
}
