// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the coding agent behind a session. A [Driver]
// starts one agent process per session; the [Process] it returns
// accepts user text and emits the agent's structured output events.
//
// [ClaudeDriver] drives Claude Code in stream-json mode: every stdout
// line is one JSON event, and user messages go to stdin as stream-json
// user events. Other agents plug in behind the same interface.
package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInputClosed is returned by Process.Send once the process's input
// is gone: it was stopped, it exited, or its stdin broke.
var ErrInputClosed = errors.New("agent: input closed")

// Config describes one agent process.
type Config struct {
	// SessionID identifies the session. Claude Code resumes its own
	// conversation under this id.
	SessionID string

	// Directory is the working directory of the process.
	Directory string

	// PermissionMode and Model are passed through to the agent when
	// set.
	PermissionMode string
	Model          string
}

// Process is a running agent.
type Process interface {
	// Pid is the operating system process id.
	Pid() int

	// Events delivers each output event, in order, as a raw JSON
	// object. It is closed when the process's output ends.
	Events() <-chan json.RawMessage

	// Send delivers text to the agent as a user message.
	Send(text string) error

	// Stop asks the process to exit and kills it if it has not done
	// so within a grace period. It does not wait.
	Stop() error

	// Done is closed once the process has exited and Events is
	// closed.
	Done() <-chan struct{}

	// Err is the exit error after Done, nil on a clean exit.
	Err() error
}

// Driver starts agent processes.
type Driver interface {
	// Start launches a process for config. ctx bounds only the start
	// itself; the process runs until stopped or it exits.
	Start(ctx context.Context, config Config) (Process, error)
}
