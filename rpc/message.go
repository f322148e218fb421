// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request is one call on the wire.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params string `json:"params,omitempty"`
}

// Response answers the Request with the same ID. When OK is false,
// Error carries the peer's message and Result is absent.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DefaultCallTimeout bounds a call when the caller does not choose a
// timeout.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when no response arrives within the
	// call's timeout. Other pending calls are unaffected.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrConnectionClosed is returned for calls that were pending when
	// the stream ended, and for calls made on a closed Conn.
	ErrConnectionClosed = errors.New("rpc: connection closed")

	// ErrRemote matches every [*RemoteError] via errors.Is.
	ErrRemote = errors.New("rpc: remote error")
)

// RemoteError is a failure reported by the peer: unknown method,
// session not found, policy rejection, or any handler error. Message
// is the peer's text, verbatim.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
}

// Is reports whether target is ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Decode unmarshals a call result into target. An empty result, which
// a peer sends for success without a value, leaves target untouched.
func Decode(result json.RawMessage, target any) error {
	if len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, target); err != nil {
		return fmt.Errorf("rpc: decoding result: %w", err)
	}
	return nil
}
