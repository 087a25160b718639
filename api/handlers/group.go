// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"net/http"

	"github.com/keystone/kds/internal/ticket"
)

// GroupHandler implements PUT /group/{name} and DELETE /group/{name}
// (spec §6.1).
func GroupHandler(engine *ticket.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if name == "" {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "name", Message: "missing group name"})
			return
		}

		switch r.Method {
		case http.MethodPut:
			created, terr := engine.CreateGroup(name)
			if terr != nil {
				writeError(w, r, terr)
				return
			}
			if created {
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			removed, terr := engine.DeleteGroup(name)
			if terr != nil {
				writeError(w, r, terr)
				return
			}
			if !removed {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
