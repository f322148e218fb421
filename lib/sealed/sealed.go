// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age passphrase encryption for the key
// file. A sealed blob is a binary age file with a single scrypt stanza;
// anything without the age header is treated as plaintext by callers that
// accept both forms (see IsSealed).
//
// The scrypt work factor defaults to age's own default. Tests lower it with
// SealWorkFactor so a round trip takes milliseconds instead of a second.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// Header is the first line of every age file.
const Header = "age-encryption.org/v1"

// ErrWrongPassphrase is returned by Open when the passphrase does not
// unlock the blob.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// ErrEmptyPassphrase is returned when sealing or opening with "".
var ErrEmptyPassphrase = errors.New("empty passphrase")

// Seal encrypts plaintext under passphrase with the default work factor.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	return SealWorkFactor(plaintext, passphrase, 0)
}

// SealWorkFactor is Seal with an explicit scrypt log2(N). Zero keeps the
// library default.
func SealWorkFactor(plaintext []byte, passphrase string, logN int) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if logN > 0 {
		recipient.SetWorkFactor(logN)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts a blob produced by Seal.
func Open(ciphertext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the age header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Header))
}
