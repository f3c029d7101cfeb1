package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"sifworks.org/internal/obs"
	"sifworks.org/internal/sif"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	kind, ok := sif.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case sif.ErrAlreadyExists:
		return http.StatusConflict
	case sif.ErrNotFound:
		return http.StatusNotFound
	case sif.ErrInvalidArgument, sif.ErrInvalidRequest:
		return http.StatusBadRequest
	case sif.ErrRejected:
		return http.StatusForbidden
	case sif.ErrInvalidAuthorisationToken, sif.ErrInvalidSession:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// handleSIFError writes err with its mapped status. The reference is returned
// to the client so the failure can be matched with the server log line.
func handleSIFError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	ref := sif.ReferenceOf(err)
	fields := map[string]any{
		"status":     code,
		"reference":  ref,
		"path":       r.URL.Path,
		"request_id": RequestIDFromContext(r.Context()),
		"error":      err,
	}
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		obs.Error("request failed", fields)
		msg = "internal error"
		if ref != "" {
			msg = "[" + ref + "] internal error"
		}
	} else {
		obs.Warn("request rejected", fields)
	}
	payload := map[string]any{"error": msg}
	if ref != "" {
		payload["reference"] = ref
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
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

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON decodes a single JSON document. An empty body leaves dst
// untouched when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
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
