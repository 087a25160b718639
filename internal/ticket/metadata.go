// SPDX-License-Identifier: Apache 2.0

package ticket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/keystone/kds/internal/cryptoutil"
	"github.com/keystone/kds/internal/keystore"
)

// Metadata is the decoded, validated request envelope common to every
// ticket-engine operation (spec §4.4.1).
type Metadata struct {
	Requestor string
	Target    string
	Timestamp time.Time
	Nonce     string
}

// requestEnvelope is the wire shape of the base64-JSON metadata blob.
type requestEnvelope struct {
	Requestor string `json:"requestor"`
	Target    string `json:"target"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// responseEnvelope is the wire shape of a response's base64-JSON metadata.
type responseEnvelope struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Expiration  time.Time `json:"expiration"`
	Encryption  bool      `json:"encryption"`
}

var requiredFields = []string{"requestor", "target", "timestamp", "nonce"}

// parseMetadata implements spec §4.4.1. It returns the decoded metadata, the
// requestor's raw key RK, and the server's notion of "now" at validation
// time (reused downstream so a single request has one consistent clock
// reading).
func (e *Engine) parseMetadata(b64Metadata string, signature []byte) (*Metadata, []byte, time.Time, *Error) {
	now := time.Now().UTC()

	raw, err := base64.StdEncoding.DecodeString(b64Metadata)
	if err != nil {
		return nil, nil, now, validationErr("metadata", "expected Base64-JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, now, validationErr("metadata", "expected Base64-JSON")
	}
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, now, validationErr("metadata", "expected Base64-JSON")
	}

	values := map[string]string{
		"requestor": env.Requestor,
		"target":    env.Target,
		"timestamp": env.Timestamp,
		"nonce":     env.Nonce,
	}
	for _, f := range requiredFields {
		if _, present := fields[f]; !present || values[f] == "" {
			return nil, nil, now, validationErr(f, "metadata")
		}
	}

	rk, lookupErr := e.lookupRequestorKey(env.Requestor)
	if lookupErr != nil {
		return nil, nil, now, lookupErr
	}

	if !cryptoutil.Verify(rk, []byte(b64Metadata), signature) {
		return nil, nil, now, unauthorizedErr("Invalid Request")
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return nil, nil, now, validationErr("timestamp", "metadata")
	}
	ts = ts.UTC()

	if now.Sub(ts) > e.cfg.TTL {
		return nil, nil, now, unauthorizedErr("expired")
	}
	if ts.Sub(now) > e.cfg.ClockSkew {
		return nil, nil, now, unauthorizedErr("expired")
	}

	meta := &Metadata{
		Requestor: env.Requestor,
		Target:    env.Target,
		Timestamp: ts,
		Nonce:     env.Nonce,
	}
	return meta, rk, now, nil
}

// lookupRequestorKey fetches and decrypts a principal's stored key, mapping
// a missing record to the "Invalid Requestor" message spec'd in §4.4.1.
func (e *Engine) lookupRequestorKey(name string) ([]byte, *Error) {
	key, err := e.lookupPrincipalKey(name)
	if err != nil {
		if err.Kind == KindNotFound {
			return nil, unauthorizedErr("Invalid Requestor")
		}
		return nil, err
	}
	return key, nil
}

// lookupTargetKey is the §4.4.2 counterpart for host tickets.
func (e *Engine) lookupTargetKey(name string) ([]byte, *Error) {
	key, err := e.lookupPrincipalKey(name)
	if err != nil {
		if err.Kind == KindNotFound {
			return nil, unauthorizedErr("Invalid Target")
		}
		return nil, err
	}
	return key, nil
}

func (e *Engine) lookupPrincipalKey(name string) ([]byte, *Error) {
	rec, err := e.store.GetKey(name, nil)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "no such principal"}
	}
	if err != nil {
		return nil, unexpectedErr(err)
	}
	key, cerr := e.codec.DecryptKey(name, rec.Ciphertext, rec.MAC)
	if cerr != nil {
		return nil, cryptoErr(cerr)
	}
	return key, nil
}
