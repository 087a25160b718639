// SPDX-License-Identifier: Apache 2.0

// Package storage implements the storage-side encrypt-then-MAC codec: given
// a principal name and a cleartext key, it derives a name-specific
// (sign-key, encrypt-key) pair from the master key via HKDF and produces a
// tamper-evident (ciphertext, mac) record.
package storage

import (
	"fmt"

	"github.com/keystone/kds/internal/cryptoutil"
	"github.com/keystone/kds/internal/masterkey"
)

// Codec wraps a master key and exposes encrypt_key/decrypt_key per
// spec §4.3.
type Codec struct {
	mk *masterkey.Key
}

// New constructs a Codec bound to mk. mk must not be nil: a nil master key
// at this point is an internal invariant violation, not a recoverable
// condition.
func New(mk *masterkey.Key) *Codec {
	if mk == nil {
		panic("storage: codec constructed with a nil master key")
	}
	return &Codec{mk: mk}
}

// StorageKeys returns the (mac_key, cipher_key) pair derived for principal
// name. The same name always yields the same pair; distinct names yield
// pairs that differ in every byte with overwhelming probability. The master
// key is the HKDF-Expand PRK and the name itself is the info string.
func (c *Codec) StorageKeys(name string) (macKey, cipherKey []byte, err error) {
	return cryptoutil.GenerateKeys(c.mk.Bytes(), []byte(name), cryptoutil.KeySize)
}

// EncryptKey encrypts the cleartext key k under the keys derived for name
// and returns (ciphertext, mac) ready to persist.
func (c *Codec) EncryptKey(name string, k []byte) (ciphertext, mac []byte, err error) {
	macKey, cipherKey, err := c.StorageKeys(name)
	if err != nil {
		return nil, nil, err
	}

	ct, err := cryptoutil.Encrypt(cipherKey, k)
	if err != nil {
		return nil, nil, err
	}
	return ct, cryptoutil.Sign(macKey, ct), nil
}

// DecryptKey verifies mac over ciphertext and, if it checks out, decrypts
// ciphertext under the keys derived for name. Both a MAC mismatch
// ("signature check failed") and a decryption failure are reported as a
// *cryptoutil.Error with Op "decrypt_key"; the wrapped cause differs.
func (c *Codec) DecryptKey(name string, ciphertext, mac []byte) ([]byte, error) {
	macKey, cipherKey, err := c.StorageKeys(name)
	if err != nil {
		return nil, err
	}

	if !cryptoutil.Verify(macKey, ciphertext, mac) {
		return nil, &cryptoutil.Error{Op: "decrypt_key", Err: fmt.Errorf("signature check failed")}
	}

	pt, err := cryptoutil.Decrypt(cipherKey, ciphertext)
	if err != nil {
		return nil, &cryptoutil.Error{Op: "decrypt_key", Err: err}
	}
	return pt, nil
}
