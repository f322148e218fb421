// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing implements the out-of-band descriptor a host hands to a
// client: the transport peer id plus the shared data key. The descriptor
// is the whole trust bootstrap. Anyone holding it can issue calls, so it
// is shown once at init time and on explicit request only.
//
// Wire form is standard base64 of a JSON object:
//
//	{"v":1,"dhtPublicKey":"...","dataKey":"<base64>","metadata":{...}}
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/zeebo/blake3"

	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
)

// Version is the only descriptor version this package produces or accepts.
const Version = 1

// ErrInvalid wraps every Decode validation failure.
var ErrInvalid = errors.New("invalid pairing descriptor")

// Metadata is informational. Nothing in it is authenticated.
type Metadata struct {
	Host     string `json:"host"`
	Platform string `json:"platform"`
	// CreatedAt is Unix milliseconds.
	CreatedAt int64  `json:"createdAt"`
	RootDir   string `json:"rootDir,omitempty"`
}

// Descriptor is the decoded pairing payload.
type Descriptor struct {
	V            int      `json:"v"`
	DHTPublicKey string   `json:"dhtPublicKey"`
	DataKey      []byte   `json:"dataKey"`
	Metadata     Metadata `json:"metadata"`
}

// GenerateKey returns a fresh random data key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return key, nil
}

// Validate checks the fields Decode enforces.
func (d Descriptor) Validate() error {
	if d.V != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalid, d.V, Version)
	}
	if len(d.DataKey) != envelope.KeySize {
		return fmt.Errorf("%w: data key is %d bytes, want %d", ErrInvalid, len(d.DataKey), envelope.KeySize)
	}
	if strings.TrimSpace(d.DHTPublicKey) == "" {
		return fmt.Errorf("%w: empty peer id", ErrInvalid)
	}
	return nil
}

// Encode validates d and returns its wire form.
func (d Descriptor) Encode() (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	// []byte fields marshal as standard base64.
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshaling descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses and validates a wire-form descriptor. Surrounding
// whitespace is ignored since descriptors are usually pasted.
func Decode(encoded string) (Descriptor, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Fingerprint is a short digest of key for comparing two screens by eye:
// the first 8 bytes of BLAKE3, as four colon-separated hex groups.
func Fingerprint(key []byte) string {
	sum := blake3.Sum256(key)
	encoded := hex.EncodeToString(sum[:8])
	groups := make([]string, 0, 4)
	for i := 0; i < len(encoded); i += 4 {
		groups = append(groups, encoded[i:i+4])
	}
	return strings.Join(groups, ":")
}

// QR renders the encoded descriptor as a terminal QR code using half-block
// characters.
func QR(d Descriptor) (string, error) {
	encoded, err := d.Encode()
	if err != nil {
		return "", err
	}
	code, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("generating QR code: %w", err)
	}
	return code.ToSmallString(false), nil
}
