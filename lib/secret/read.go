// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFile reads a passphrase from path, or the first line of stdin
// when path is "-". Surrounding whitespace, including the trailing
// newline editors add, is not part of the secret.
func ReadFile(path string) (*Buffer, error) {
	if path == "-" {
		return readLine(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	defer Zero(data)
	return NewFromBytes(bytes.TrimSpace(data))
}

func readLine(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading passphrase from stdin: %w", err)
		}
		return nil, ErrEmpty
	}
	line := scanner.Bytes()
	defer Zero(line)
	return NewFromBytes(bytes.TrimSpace(line))
}

// FromEnv moves the value of the environment variable name into a
// Buffer. An unset or empty variable is ErrEmpty.
func FromEnv(name string) (*Buffer, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s: %w", name, ErrEmpty)
	}
	return NewFromBytes([]byte(value))
}
