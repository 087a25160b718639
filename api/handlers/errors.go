// SPDX-License-Identifier: Apache 2.0

// Package handlers adapts the ticket engine's operations to HTTP/JSON (spec
// §6.1). It is the only layer aware of net/http; internal/ticket never
// imports it.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/keystone/kds/internal/ticket"
)

// errorResponse is the JSON body written for any non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Attribute string `json:"attribute,omitempty"`
}

// writeError maps a ticket.Error onto the HTTP status codes from spec §7
// and logs it at the level the error kind warrants. Crypto and unexpected
// errors are masked: the client sees a generic message, the cause goes to
// the log only.
func writeError(w http.ResponseWriter, r *http.Request, err *ticket.Error) {
	status := http.StatusInternalServerError
	message := err.Message

	switch err.Kind {
	case ticket.KindValidation:
		status = http.StatusBadRequest
		slog.Warn("request rejected", "path", r.URL.Path, "kind", "Validation", "attribute", err.Attribute)
	case ticket.KindUnauthorized:
		status = http.StatusUnauthorized
		slog.Warn("request rejected", "path", r.URL.Path, "kind", "Unauthorized")
	case ticket.KindForbidden:
		status = http.StatusForbidden
		slog.Warn("request rejected", "path", r.URL.Path, "kind", "Forbidden")
	case ticket.KindNotFound:
		status = http.StatusNotFound
	case ticket.KindConflict:
		status = http.StatusConflict
	case ticket.KindCrypto:
		status = http.StatusInternalServerError
		message = "internal error"
		slog.Error("cryptographic failure", "path", r.URL.Path, "err", err.Err)
	default:
		status = http.StatusInternalServerError
		message = "internal error"
		slog.Error("unexpected failure", "path", r.URL.Path, "err", err.Err)
	}

	writeJSON(w, status, errorResponse{Error: message, Attribute: err.Attribute})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed writing response body", "err", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
