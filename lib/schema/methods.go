// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "encoding/json"

const (
	MethodSpawnSession = "spawn-session"
	MethodSendMessage  = "send-message"
	MethodGetOutput    = "get-output"
	MethodStopSession  = "stop-session"
	MethodListSessions = "list-sessions"
	MethodPing         = "ping"
)

// SessionListKeyPrefix prefixes the discovery store keys that hold
// each host's session list.
const SessionListKeyPrefix = "sessions/"

// SessionListKey is the discovery store key for peerID's session list.
func SessionListKey(peerID string) string {
	return SessionListKeyPrefix + peerID
}

// ErrorSessionNotFound is the error text get-output reports for an
// unknown session.
const ErrorSessionNotFound = "session not found"

// SpawnSessionParams are the params of spawn-session. Only Directory
// is required.
type SpawnSessionParams struct {
	Directory      string `json:"directory"`
	SessionID      string `json:"sessionId,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Spawn result types.
const (
	SpawnResultSuccess = "success"
	SpawnResultError   = "error"
)

// SpawnSessionResult reports the spawned session, or why the spawn
// failed. Spawn failures travel as a result rather than an RPC error.
type SpawnSessionResult struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type SendMessageParams struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SendMessageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type GetOutputParams struct {
	SessionID string `json:"sessionId"`
	Clear     bool   `json:"clear,omitempty"`
}

// GetOutputResult carries buffered output oldest first. Messages is
// empty, never null.
type GetOutputResult struct {
	Messages []SessionOutput `json:"messages"`
	Error    string          `json:"error,omitempty"`
}

// SessionOutput is one agent event and the Unix millisecond time the
// host received it.
type SessionOutput struct {
	Event     json.RawMessage `json:"event"`
	Timestamp int64           `json:"timestamp"`
}

type StopSessionParams struct {
	SessionID string `json:"sessionId"`
}

type StopSessionResult struct {
	Success bool `json:"success"`
}

// SessionInfo is one entry of list-sessions and of the mirrored
// session list.
type SessionInfo struct {
	SessionID      string `json:"sessionId"`
	Pid            int    `json:"pid"`
	CreatedAt      int64  `json:"createdAt"`
	Directory      string `json:"directory,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// PingResult answers ping. Timestamp is the host's clock in Unix
// milliseconds.
type PingResult struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}
