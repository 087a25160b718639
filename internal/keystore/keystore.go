// SPDX-License-Identifier: Apache 2.0

// Package keystore defines the persistence contract the ticket engine and
// group-key generator consume (spec §4.5) and ships two implementations:
// Memory, an in-process map used by default and in tests, and GORM, backed
// by gorm.io/gorm over either SQLite or PostgreSQL.
package keystore

import (
	"errors"
	"time"
)

// ErrNotFound is returned by GetKey when no matching record exists.
var ErrNotFound = errors.New("keystore: not found")

// ErrConflict is returned by SetKey when generation allocation could not be
// serialized after the store's own retry budget is exhausted.
var ErrConflict = errors.New("keystore: generation allocation conflict")

// ErrKindMismatch is returned by SetKey when name was previously stored
// with a different IsGroup flag.
var ErrKindMismatch = errors.New("keystore: principal kind mismatch")

// Record is a single persisted principal key, corresponding to spec §3's
// PrincipalKey entity.
type Record struct {
	Name       string
	Generation int
	Ciphertext []byte
	MAC        []byte
	IsGroup    bool
	Expiration *time.Time // nil means non-expiring
}

// Store is the abstract key store the ticket engine and group generator
// depend on. Any backend preserving these semantics is acceptable.
type Store interface {
	// SetKey atomically allocates the next generation for name and
	// persists the record. Returns ErrKindMismatch if name previously had
	// a different IsGroup flag, or ErrConflict if generation allocation
	// could not be serialized.
	SetKey(name string, ciphertext, mac []byte, isGroup bool, expiration *time.Time) (generation int, err error)

	// GetKey returns the record for name. If generation is nil, the
	// highest generation is returned. Returns ErrNotFound if no matching
	// record exists or it has been garbage-collected.
	GetKey(name string, generation *int) (*Record, error)

	// CreateGroup idempotently creates a group principal. Returns true if
	// newly created, false if it already existed.
	CreateGroup(name string) (created bool, err error)

	// Delete removes a principal or group. Returns whether anything was
	// removed.
	Delete(name string, isGroup bool) (removed bool, err error)

	// Exists reports whether a principal named name is registered, and if
	// so whether it is a group. This is distinct from GetKey returning
	// ErrNotFound: a group created via CreateGroup but never issued a key
	// (latest_generation == 0) exists but has no key record.
	Exists(name string) (found bool, isGroup bool, err error)
}
