// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/keystone/kds/internal/ticket"
)

type setKeyRequest struct {
	Key string `json:"key"`
}

type setKeyResponse struct {
	Name       string `json:"name"`
	Generation int    `json:"generation"`
}

// KeyHandler implements PUT /key/{name} (spec §6.1): stores a principal's
// raw key, encrypted at rest, as a new generation.
func KeyHandler(engine *ticket.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := r.PathValue("name")
		if name == "" {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "name", Message: "missing principal name"})
			return
		}

		var req setKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "key", Message: "expected a JSON body with a base64 key"})
			return
		}

		raw, err := base64.StdEncoding.DecodeString(req.Key)
		if err != nil {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "key", Message: "key must be base64-encoded"})
			return
		}

		gen, terr := engine.SetKey(name, raw)
		if terr != nil {
			writeError(w, r, terr)
			return
		}

		writeJSON(w, http.StatusOK, setKeyResponse{Name: name, Generation: gen})
	}
}
