// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope seals JSON payloads into versioned, authenticated,
// base64-encoded blobs using a 256-bit shared key.
//
// Blob layout:
//
//	[0]        version
//	[1:13]     nonce (96 bits, random per seal)
//	[13:n-16]  ciphertext
//	[n-16:n]   authentication tag
//
// Version 0 is AES-256-GCM and is what [Codec.Seal] produces unless
// [WithVersion] says otherwise. Version 1 is ChaCha20-Poly1305 with
// the same nonce and tag sizes. Open accepts either.
//
// A nonce is never reused under a key: each seal draws 12 bytes from
// crypto/rand. Failures are reported per blob and never affect the
// codec, so a corrupt message on a stream costs only that message.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = 32

const (
	// VersionAESGCM is AES-256-GCM.
	VersionAESGCM byte = 0
	// VersionChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	VersionChaCha20Poly1305 byte = 1
)

const (
	nonceSize = 12
	tagSize   = 16

	// Overhead is the fixed per-blob size beyond the ciphertext.
	Overhead = 1 + nonceSize + tagSize
)

var (
	// ErrDecode reports a blob that is not base64 or is shorter than
	// Overhead.
	ErrDecode = errors.New("envelope: malformed")

	// ErrUnsupportedVersion reports an unrecognized version byte.
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")

	// ErrAuthentication reports a blob whose tag does not verify: the
	// wrong key, or tampering.
	ErrAuthentication = errors.New("envelope: authentication failed")
)

// Codec seals and opens envelopes under one key. It is safe for
// concurrent use.
type Codec struct {
	aeads   map[byte]cipher.AEAD
	version byte
}

// Option configures a Codec.
type Option func(*Codec)

// WithVersion selects the version used by Seal.
func WithVersion(version byte) Option {
	return func(codec *Codec) { codec.version = version }
}

// New returns a Codec for key, which must be KeySize bytes.
func New(key []byte, options ...Option) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating GCM: %w", err)
	}
	chacha, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating ChaCha20-Poly1305: %w", err)
	}

	codec := &Codec{
		aeads: map[byte]cipher.AEAD{
			VersionAESGCM:           gcm,
			VersionChaCha20Poly1305: chacha,
		},
		version: VersionAESGCM,
	}
	for _, option := range options {
		option(codec)
	}
	if _, ok := codec.aeads[codec.version]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, codec.version)
	}
	return codec, nil
}

// Seal marshals value as JSON and returns the base64 envelope.
func (c *Codec) Seal(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("envelope: encoding payload: %w", err)
	}
	return c.SealBytes(plaintext)
}

// Open decodes the envelope text, verifies it, and unmarshals the
// JSON payload into target.
func (c *Codec) Open(text string, target any) error {
	plaintext, err := c.OpenBytes(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("envelope: decoding payload: %w", err)
	}
	return nil
}

// SealBytes seals raw plaintext.
func (c *Codec) SealBytes(plaintext []byte) (string, error) {
	aead := c.aeads[c.version]

	blob := make([]byte, 1+nonceSize, Overhead+len(plaintext))
	blob[0] = c.version
	if _, err := rand.Read(blob[1 : 1+nonceSize]); err != nil {
		return "", fmt.Errorf("envelope: generating nonce: %w", err)
	}
	nonce := blob[1 : 1+nonceSize]
	// Seal appends ciphertext||tag after the header in place.
	blob = aead.Seal(blob, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// OpenBytes verifies the envelope and returns its plaintext.
func (c *Codec) OpenBytes(text string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrDecode, len(blob), Overhead)
	}

	aead, ok := c.aeads[blob[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, blob[0])
	}

	nonce := blob[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[1+nonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
