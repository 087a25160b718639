// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/keystone/kds/internal/ticket"
)

type requestEnvelope struct {
	Metadata  string `json:"metadata"`
	Signature string `json:"signature"`
}

type ticketResponse struct {
	Metadata  string `json:"metadata"`
	Ticket    string `json:"ticket"`
	Signature string `json:"signature"`
}

// TicketHandler implements POST /ticket (spec §6.1, §4.4.2-3).
func TicketHandler(engine *ticket.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req requestEnvelope
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "body", Message: "expected a JSON body with metadata and signature"})
			return
		}

		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			writeError(w, r, &ticket.Error{Kind: ticket.KindValidation, Attribute: "signature", Message: "signature must be base64-encoded"})
			return
		}

		result, terr := engine.GetTicket(req.Metadata, sig)
		if terr != nil {
			writeError(w, r, terr)
			return
		}

		writeJSON(w, http.StatusOK, ticketResponse{
			Metadata:  result.Metadata,
			Ticket:    base64.StdEncoding.EncodeToString(result.Ticket),
			Signature: base64.StdEncoding.EncodeToString(result.Signature),
		})
	}
}
