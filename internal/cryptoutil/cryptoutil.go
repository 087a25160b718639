// SPDX-License-Identifier: Apache 2.0

// Package cryptoutil provides the symmetric-key primitives the key
// distribution service is built on: authenticated-ish encryption under a
// stream cipher with a detached MAC, and HKDF key derivation. No primitive
// here negotiates its algorithm per call; cipher and hash are fixed at
// compile time.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length, in bytes, of every raw symmetric key this package
// produces or consumes: master keys, principal keys, and HKDF-derived
// sign/encrypt halves.
const KeySize = 16

// Error reports a primitive failure: ciphertext authentication failure,
// wrong key length, or an exhausted entropy source. Never ignore it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("cryptoutil: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// NewKey returns KeySize bytes of cryptographically strong random data.
func NewKey() ([]byte, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, wrap("new_key", err)
	}
	return b, nil
}

// Encrypt encrypts plaintext under key using AES in CTR mode with a random
// IV prepended to the output. CTR turns the block cipher into a stream
// cipher, so callers never need to pad arbitrary-length JSON payloads.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("encrypt", err)
	}

	out := make([]byte, aes.BlockSize+len(plaintext))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, wrap("encrypt", err)
	}

	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out[aes.BlockSize:], plaintext)
	return out, nil
}

// Decrypt reverses Encrypt. ciphertext must carry its IV as the first
// aes.BlockSize bytes, as produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("decrypt", err)
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, wrap("decrypt", fmt.Errorf("ciphertext shorter than IV"))
	}

	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	plaintext := make([]byte, len(body))

	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(plaintext, body)
	return plaintext, nil
}

// Sign returns a deterministic, fixed-length HMAC-SHA256 MAC of message
// under key.
func Sign(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify reports whether mac is the correct Sign(key, message) in constant
// time.
func Verify(key, message, mac []byte) bool {
	return hmac.Equal(Sign(key, message), mac)
}

// HKDFExtract implements HKDF-Extract(salt, ikm) -> prk, RFC 5869 §2.2.
func HKDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// HKDFExpand implements HKDF-Expand(prk, info, length) -> okm, RFC 5869 §2.3.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, wrap("hkdf_expand", err)
	}
	return out, nil
}

// GenerateKeys splits HKDF-Expand(prk, info, 2*keySize) into a signing key
// and an encryption key. The first half is always the signing key: this is
// the order this service fixes, where earlier revisions of the algorithm
// this was ported from disagreed.
func GenerateKeys(prk, info []byte, keySize int) (sigKey, encKey []byte, err error) {
	okm, err := HKDFExpand(prk, info, 2*keySize)
	if err != nil {
		return nil, nil, err
	}
	return okm[:keySize], okm[keySize:], nil
}
