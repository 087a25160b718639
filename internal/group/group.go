// SPDX-License-Identifier: Apache 2.0

// Package group implements the group-key generator: per-group monotonic
// generation counters with create-on-demand, lazily-expiring keys and a
// grace window for in-flight consumers (spec §4.4.5).
package group

import (
	"errors"
	"fmt"
	"time"

	"github.com/keystone/kds/internal/cryptoutil"
	"github.com/keystone/kds/internal/keystore"
	"github.com/keystone/kds/internal/storage"
)

// ErrUnknownGroup is returned when the requested group was never created
// via Create.
var ErrUnknownGroup = errors.New("group: unknown group")

// ErrGenerationNotFound is returned when a specific generation is
// requested but is newer than the latest, or has aged out of the grace
// window.
var ErrGenerationNotFound = errors.New("group: generation not found")

// Config holds the timing parameters from spec §6.2.
type Config struct {
	Timeout            time.Duration // GROUP_KEY_TIMEOUT, default 900s
	RenewTime          time.Duration // GROUP_KEY_RENEW_TIME, default 120s
	AdditionalRetrieve time.Duration // GROUP_KEY_ADDITIONAL_RETRIEVE, default 600s
}

// Key is a resolved group key: raw key material plus the generation and
// expiration it was minted with.
type Key struct {
	Generation int
	Raw        []byte
	Expiration time.Time
}

// Generator mints and resolves group keys against a Store. Note is a
// thin, stateless layer over the store: every invariant it enforces
// (monotonic generations, grace windows) is ultimately backed by the
// store, which is expected to be shared across all engine instances.
type Generator struct {
	store keystore.Store
	codec *storage.Codec
	cfg   Config
}

// New constructs a Generator. The store's construction-time grace window
// must equal cfg.AdditionalRetrieve for the grace-window behavior
// described in spec §4.4.5 to hold.
func New(store keystore.Store, codec *storage.Codec, cfg Config) *Generator {
	return &Generator{store: store, codec: codec, cfg: cfg}
}

// Create idempotently registers a group principal. Mirrors
// keystore.Store.CreateGroup.
func (g *Generator) Create(name string) (bool, error) {
	return g.store.CreateGroup(name)
}

// Delete removes a group principal and all of its keys.
func (g *Generator) Delete(name string) (bool, error) {
	return g.store.Delete(name, true)
}

// Exists reports whether name was registered as a group via Create.
func (g *Generator) Exists(name string) (bool, error) {
	found, isGroup, err := g.store.Exists(name)
	if err != nil {
		return false, err
	}
	return found && isGroup, nil
}

// Resolve implements spec §4.4.5's resolution policy. requested == nil
// means "any" (generation 0): return or mint the current key. A non-nil
// requested asks for that exact generation.
func (g *Generator) Resolve(name string, requested *int) (*Key, error) {
	exists, err := g.Exists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownGroup
	}

	if requested == nil || *requested == 0 {
		return g.resolveAny(name)
	}
	return g.resolveSpecific(name, *requested)
}

func (g *Generator) resolveAny(name string) (*Key, error) {
	now := time.Now().UTC()

	latest, err := g.store.GetKey(name, nil)
	if errors.Is(err, keystore.ErrNotFound) {
		return g.mint(name, now)
	}
	if err != nil {
		return nil, err
	}

	if latest.Expiration != nil && now.Before(latest.Expiration.Add(-g.cfg.RenewTime)) {
		return g.decode(name, latest)
	}
	return g.mint(name, now)
}

func (g *Generator) resolveSpecific(name string, requested int) (*Key, error) {
	latest, err := g.store.GetKey(name, nil)
	if errors.Is(err, keystore.ErrNotFound) {
		// Group exists but no key was ever minted: every generation is
		// "not found" until resolveAny mints generation 1.
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	if requested > latest.Generation {
		return nil, ErrGenerationNotFound
	}

	rec, err := g.store.GetKey(name, &requested)
	if errors.Is(err, keystore.ErrNotFound) {
		// Either the generation number was never allocated (an orphaned
		// gap under concurrent failure, spec §5) or it aged out of the
		// ADDITIONAL_RETRIEVE grace window, which the store itself
		// enforces.
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	return g.decode(name, rec)
}

func (g *Generator) mint(name string, now time.Time) (*Key, error) {
	raw, err := cryptoutil.NewKey()
	if err != nil {
		return nil, fmt.Errorf("group: minting key for %s: %w", name, err)
	}
	ct, mac, err := g.codec.EncryptKey(name, raw)
	if err != nil {
		return nil, err
	}

	expiration := now.Add(g.cfg.Timeout)
	gen, err := g.store.SetKey(name, ct, mac, true, &expiration)
	if err != nil {
		return nil, err
	}

	return &Key{Generation: gen, Raw: raw, Expiration: expiration}, nil
}

func (g *Generator) decode(name string, rec *keystore.Record) (*Key, error) {
	raw, err := g.codec.DecryptKey(name, rec.Ciphertext, rec.MAC)
	if err != nil {
		return nil, err
	}
	var exp time.Time
	if rec.Expiration != nil {
		exp = *rec.Expiration
	}
	return &Key{Generation: rec.Generation, Raw: raw, Expiration: exp}, nil
}
