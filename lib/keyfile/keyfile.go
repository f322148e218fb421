// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyfile persists the host's pairing secret. The file is CBOR,
// optionally sealed with an age passphrase, and always written 0600.
package keyfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/codec"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/pairing"
	"github.com/robertoamoreno/p2p-claude-code/lib/sealed"
)

// Version is the current on-disk layout.
const Version = 1

// ErrPassphraseRequired is returned by Read when the file is sealed and no
// passphrase was supplied.
var ErrPassphraseRequired = errors.New("key file is sealed; passphrase required")

// KeyFile is the decoded key file.
type KeyFile struct {
	Version int    `cbor:"version"`
	DataKey []byte `cbor:"data_key"`
	// PeerID is the transport address clients dial.
	PeerID string `cbor:"peer_id"`
	// CreatedAt is Unix milliseconds, matching the descriptor metadata.
	CreatedAt int64  `cbor:"created_at"`
	RootDir   string `cbor:"root_dir,omitempty"`
}

// Generate returns a KeyFile with a fresh data key.
func Generate(peerID, rootDir string, now time.Time) (*KeyFile, error) {
	key, err := pairing.GenerateKey()
	if err != nil {
		return nil, err
	}
	keyFile := &KeyFile{
		Version:   Version,
		DataKey:   key,
		PeerID:    peerID,
		CreatedAt: now.UnixMilli(),
		RootDir:   rootDir,
	}
	return keyFile, keyFile.Validate()
}

// Validate checks the invariants Read relies on.
func (k *KeyFile) Validate() error {
	var errs []error
	if k.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported key file version %d", k.Version))
	}
	if len(k.DataKey) != envelope.KeySize {
		errs = append(errs, fmt.Errorf("data key is %d bytes, want %d", len(k.DataKey), envelope.KeySize))
	}
	if k.PeerID == "" {
		errs = append(errs, errors.New("peer_id is empty"))
	}
	return errors.Join(errs...)
}

// Descriptor builds the pairing descriptor for this key, filling host
// metadata from the running machine.
func (k *KeyFile) Descriptor() pairing.Descriptor {
	hostname, _ := os.Hostname()
	return pairing.Descriptor{
		V:            pairing.Version,
		DHTPublicKey: k.PeerID,
		DataKey:      k.DataKey,
		Metadata: pairing.Metadata{
			Host:      hostname,
			Platform:  runtime.GOOS,
			CreatedAt: k.CreatedAt,
			RootDir:   k.RootDir,
		},
	}
}

// Write stores key at path. A non-empty passphrase seals the file. The
// write goes through a temp file and rename so a crash never leaves a
// truncated key behind.
func Write(path string, key *KeyFile, passphrase string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid key file: %w", err)
	}
	data, err := codec.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}
	if passphrase != "" {
		data, err = sealed.Seal(data, passphrase)
		if err != nil {
			return fmt.Errorf("sealing key file: %w", err)
		}
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	temp, err := os.CreateTemp(directory, ".keyfile-*")
	if err != nil {
		return fmt.Errorf("creating temp key file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if err := temp.Chmod(0o600); err != nil {
		temp.Close()
		return fmt.Errorf("setting key file mode: %w", err)
	}
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing key file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("installing key file: %w", err)
	}
	return nil
}

// Read loads and validates the key file at path. passphrase is ignored for
// unsealed files.
func Read(path, passphrase string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if sealed.IsSealed(data) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		data, err = sealed.Open(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unsealing key file %s: %w", path, err)
		}
	}

	var key KeyFile
	if err := codec.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return &key, nil
}
