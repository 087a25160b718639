// SPDX-License-Identifier: Apache 2.0

// Package ticket implements the public service surface of the key
// distribution service: metadata validation, host and group ticket
// issuance, and group-key retrieval (spec §4.4).
package ticket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keystone/kds/internal/cryptoutil"
	"github.com/keystone/kds/internal/group"
	"github.com/keystone/kds/internal/keystore"
	"github.com/keystone/kds/internal/storage"
)

// Config holds the engine-wide timing parameters from spec §6.2.
type Config struct {
	TTL       time.Duration // ticket_lifetime, default 3600s
	ClockSkew time.Duration // recommended 30s
}

// Engine is the stateless ticket-granting service. It composes a storage
// codec, a key store, and a group-key generator; no field here carries
// per-request state.
type Engine struct {
	codec  *storage.Codec
	store  keystore.Store
	groups *group.Generator
	cfg    Config
}

// New constructs an Engine. groups must share the same store as store
// (enforced by the caller wiring them together at start-up).
func New(codec *storage.Codec, store keystore.Store, groups *group.Generator, cfg Config) *Engine {
	return &Engine{codec: codec, store: store, groups: groups, cfg: cfg}
}

// ticketPayload is the plaintext sealed to the requestor (spec §6.1).
type ticketPayload struct {
	SKey string `json:"skey"`
	EKey string `json:"ekey"`
	ESEK string `json:"esek"`
}

// esekPayload is the plaintext sealed to the target.
type esekPayload struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	TTL       int       `json:"ttl"`
}

// TicketResult is the response to a successful get_ticket call. Metadata is
// already base64-JSON per the protocol's own convention; Ticket and
// Signature are raw bytes, base64-encoded only at the HTTP edge.
type TicketResult struct {
	Metadata  string
	Ticket    []byte
	Signature []byte
}

// GroupKeyResult is the response to a successful get_group_key call.
type GroupKeyResult struct {
	Metadata  string
	GroupKey  []byte
	Signature []byte
}

// SetKey implements PUT /key/{name}: stores a principal's raw key,
// encrypted at rest, as a new generation. Groups are created via
// CreateGroup, never via SetKey, so isGroup is always false here.
func (e *Engine) SetKey(name string, raw []byte) (int, *Error) {
	ct, mac, err := e.codec.EncryptKey(name, raw)
	if err != nil {
		return 0, cryptoErr(err)
	}
	gen, err := e.store.SetKey(name, ct, mac, false, nil)
	if errors.Is(err, keystore.ErrKindMismatch) {
		return 0, validationErr("name", fmt.Sprintf("%q is already registered as a group", name))
	}
	if err != nil {
		return 0, unexpectedErr(err)
	}
	return gen, nil
}

// CreateGroup implements PUT /group/{name}.
func (e *Engine) CreateGroup(name string) (bool, *Error) {
	created, err := e.groups.Create(name)
	if err != nil {
		return false, unexpectedErr(err)
	}
	return created, nil
}

// DeleteGroup implements DELETE /group/{name}.
func (e *Engine) DeleteGroup(name string) (bool, *Error) {
	removed, err := e.groups.Delete(name)
	if err != nil {
		return false, unexpectedErr(err)
	}
	return removed, nil
}

// parseTarget splits a target string on its last colon. If the right-hand
// side parses as an integer, target names a group generation (spec
// §4.4.2); otherwise it names a host.
func parseTarget(target string) (name string, generation *int, isGroup bool) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return target, nil, false
	}
	left, right := target[:idx], target[idx+1:]
	n, err := strconv.Atoi(right)
	if err != nil {
		return target, nil, false
	}
	return left, &n, true
}

// GetTicket implements get_ticket for both host and group targets (spec
// §4.4.2, §4.4.3).
func (e *Engine) GetTicket(b64Metadata string, signature []byte) (*TicketResult, *Error) {
	meta, rk, now, perr := e.parseMetadata(b64Metadata, signature)
	if perr != nil {
		return nil, perr
	}

	groupName, generation, isGroupTicket := parseTarget(meta.Target)

	var targetKey []byte
	var resolvedTarget string
	ttl := e.cfg.TTL

	if isGroupTicket {
		gk, gerr := e.resolveGroupKey(groupName, generation)
		if gerr != nil {
			return nil, gerr
		}
		targetKey = gk.Raw
		resolvedTarget = fmt.Sprintf("%s:%d", groupName, gk.Generation)
		if remaining := time.Until(gk.Expiration); remaining < ttl {
			ttl = remaining
		}
		if ttl < 0 {
			ttl = 0
		}
	} else {
		tk, terr := e.lookupTargetKey(meta.Target)
		if terr != nil {
			return nil, terr
		}
		targetKey = tk
		resolvedTarget = meta.Target
	}

	return e.sealTicket(meta.Requestor, resolvedTarget, rk, targetKey, now, ttl)
}

// sealTicket performs steps 2-8 of spec §4.4.2, shared by host and group
// tickets.
func (e *Engine) sealTicket(requestor, target string, rk, tk []byte, now time.Time, ttl time.Duration) (*TicketResult, *Error) {
	salt, err := cryptoutil.NewKey()
	if err != nil {
		return nil, cryptoErr(err)
	}
	prk := cryptoutil.HKDFExtract(salt, rk)

	info := fmt.Sprintf("%s,%s,%s", requestor, target, now.Format(time.RFC3339))
	sigKey, encKey, err := cryptoutil.GenerateKeys(prk, []byte(info), cryptoutil.KeySize)
	if err != nil {
		return nil, cryptoErr(err)
	}

	esekJSON, err := json.Marshal(esekPayload{
		Key:       base64.StdEncoding.EncodeToString(prk),
		Timestamp: now,
		TTL:       int(ttl.Seconds()),
	})
	if err != nil {
		return nil, unexpectedErr(err)
	}
	esek, err := cryptoutil.Encrypt(tk, esekJSON)
	if err != nil {
		return nil, cryptoErr(err)
	}

	ticketJSON, err := json.Marshal(ticketPayload{
		SKey: base64.StdEncoding.EncodeToString(sigKey),
		EKey: base64.StdEncoding.EncodeToString(encKey),
		ESEK: base64.StdEncoding.EncodeToString(esek),
	})
	if err != nil {
		return nil, unexpectedErr(err)
	}
	ticketBytes, err := cryptoutil.Encrypt(rk, ticketJSON)
	if err != nil {
		return nil, cryptoErr(err)
	}

	respMetaJSON, err := json.Marshal(responseEnvelope{
		Source:      requestor,
		Destination: target,
		Expiration:  now.Add(ttl),
		Encryption:  true,
	})
	if err != nil {
		return nil, unexpectedErr(err)
	}
	respMetaB64 := base64.StdEncoding.EncodeToString(respMetaJSON)

	sig := cryptoutil.Sign(rk, append([]byte(respMetaB64), ticketBytes...))

	return &TicketResult{Metadata: respMetaB64, Ticket: ticketBytes, Signature: sig}, nil
}

// resolveGroupKey wraps group.Generator.Resolve, mapping its sentinel
// errors onto the ticket error taxonomy.
func (e *Engine) resolveGroupKey(name string, generation *int) (*group.Key, *Error) {
	k, err := e.groups.Resolve(name, generation)
	switch {
	case err == nil:
		return k, nil
	case errors.Is(err, group.ErrUnknownGroup):
		return nil, unauthorizedErr("Invalid Target")
	case errors.Is(err, group.ErrGenerationNotFound):
		return nil, notFoundErr("no such generation")
	case errors.Is(err, keystore.ErrConflict):
		return nil, conflictErr("generation allocation conflict")
	default:
		var cerr *cryptoutil.Error
		if errors.As(err, &cerr) {
			return nil, cryptoErr(err)
		}
		return nil, unexpectedErr(err)
	}
}

// GetGroupKey implements get_group_key (spec §4.4.4): a group member
// fetches the current (or a specific) group key for its own use.
func (e *Engine) GetGroupKey(b64Metadata string, signature []byte) (*GroupKeyResult, *Error) {
	meta, rk, now, perr := e.parseMetadata(b64Metadata, signature)
	if perr != nil {
		return nil, perr
	}

	groupName, generation, _ := parseTarget(meta.Target)

	memberOf := strings.SplitN(meta.Requestor, ".", 2)[0]
	if memberOf != groupName {
		return nil, forbiddenErr("requestor is not a member of this group")
	}

	gk, gerr := e.resolveGroupKey(groupName, generation)
	if gerr != nil {
		return nil, gerr
	}

	ct, err := cryptoutil.Encrypt(rk, gk.Raw)
	if err != nil {
		return nil, cryptoErr(err)
	}

	respMetaJSON, err := json.Marshal(responseEnvelope{
		Source:      meta.Requestor,
		Destination: fmt.Sprintf("%s:%d", groupName, gk.Generation),
		Expiration:  gk.Expiration,
		Encryption:  true,
	})
	if err != nil {
		return nil, unexpectedErr(err)
	}
	respMetaB64 := base64.StdEncoding.EncodeToString(respMetaJSON)

	sig := cryptoutil.Sign(rk, append([]byte(respMetaB64), ct...))

	return &GroupKeyResult{Metadata: respMetaB64, GroupKey: ct, Signature: sig}, nil
}
