// SPDX-License-Identifier: Apache 2.0

package keystore

import (
	"sync"
	"time"
)

// Memory is an in-process Store backed by a map, guarded by a mutex. It is
// the default backend and the one used by package tests throughout the
// repo; GORM is used when a durable backend is configured.
type Memory struct {
	mu       sync.Mutex
	gcGrace  time.Duration
	byName   map[string][]*Record // generations in insertion (ascending) order
	isGroup  map[string]bool
	latestGn map[string]int
}

// NewMemory constructs an empty Memory store. gcGrace is the
// ADDITIONAL_RETRIEVE window (spec §4.5): records whose expiration is more
// than gcGrace in the past are treated as not found.
func NewMemory(gcGrace time.Duration) *Memory {
	return &Memory{
		gcGrace:  gcGrace,
		byName:   make(map[string][]*Record),
		isGroup:  make(map[string]bool),
		latestGn: make(map[string]int),
	}
}

func (m *Memory) expired(r *Record, now time.Time) bool {
	return r.Expiration != nil && now.Sub(*r.Expiration) > m.gcGrace
}

func (m *Memory) SetKey(name string, ciphertext, mac []byte, isGroup bool, expiration *time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingKind, ok := m.isGroup[name]; ok && existingKind != isGroup {
		return 0, ErrKindMismatch
	}
	m.isGroup[name] = isGroup

	gen := m.latestGn[name] + 1
	m.latestGn[name] = gen

	rec := &Record{
		Name:       name,
		Generation: gen,
		Ciphertext: append([]byte{}, ciphertext...),
		MAC:        append([]byte{}, mac...),
		IsGroup:    isGroup,
		Expiration: expiration,
	}
	m.byName[name] = append(m.byName[name], rec)
	return gen, nil
}

func (m *Memory) GetKey(name string, generation *int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.byName[name]
	if !ok || len(recs) == 0 {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	var found *Record
	if generation == nil {
		found = recs[len(recs)-1]
	} else {
		for _, r := range recs {
			if r.Generation == *generation {
				found = r
				break
			}
		}
	}
	if found == nil || m.expired(found, now) {
		return nil, ErrNotFound
	}
	return copyRecord(found), nil
}

func (m *Memory) CreateGroup(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.isGroup[name]; ok {
		return false, nil
	}
	m.isGroup[name] = true
	m.latestGn[name] = 0
	m.byName[name] = nil
	return true, nil
}

func (m *Memory) Delete(name string, isGroup bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind, ok := m.isGroup[name]
	if !ok || kind != isGroup {
		return false, nil
	}
	delete(m.isGroup, name)
	delete(m.latestGn, name)
	delete(m.byName, name)
	return true, nil
}

func (m *Memory) Exists(name string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind, ok := m.isGroup[name]
	return ok, kind, nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Ciphertext = append([]byte{}, r.Ciphertext...)
	cp.MAC = append([]byte{}, r.MAC...)
	return &cp
}
