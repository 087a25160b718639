// SPDX-License-Identifier: Apache 2.0

// Package masterkey owns the single long-lived secret that wraps every
// other key the service persists. It is loaded once at process start and
// threaded explicitly into the storage codec; there is no global and no
// rotation operation.
package masterkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/keystone/kds/internal/cryptoutil"
)

// Key is the process-wide master secret. Its bytes are only ever read by
// the storage codec to derive per-principal keys; it is never written to
// any record.
type Key struct {
	bytes []byte
}

// Bytes returns the raw master key material.
func (k *Key) Bytes() []byte { return k.bytes }

// Load reads the master key from path, base64-decoding its contents. If
// the file does not exist, a fresh key is generated and persisted
// exclusively (O_CREAT|O_EXCL) with mode 0600 before being returned.
//
// Any I/O error other than "file does not exist" is returned, wrapped with
// the path (errors.Is still matches the cause) — the operator must intervene rather than have the service silently
// regenerate a key out from under existing ciphertext.
func Load(path string) (*Key, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(raw)
	case errors.Is(err, os.ErrNotExist):
		return bootstrap(path)
	default:
		return nil, fmt.Errorf("masterkey: reading %s: %w", path, err)
	}
}

func decode(raw []byte) (*Key, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		return nil, fmt.Errorf("masterkey: decoding base64: %w", err)
	}
	decoded = decoded[:n]
	if len(decoded) != cryptoutil.KeySize {
		return nil, fmt.Errorf("masterkey: expected %d bytes, got %d", cryptoutil.KeySize, len(decoded))
	}
	return &Key{bytes: decoded}, nil
}

func bootstrap(path string) (*Key, error) {
	raw, err := cryptoutil.NewKey()
	if err != nil {
		return nil, fmt.Errorf("masterkey: generating: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("masterkey: creating %s: %w", path, err)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	if _, err := f.WriteString(encoded); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("masterkey: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("masterkey: closing %s: %w", path, err)
	}

	return &Key{bytes: raw}, nil
}
