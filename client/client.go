// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the typed calling side of the session methods.
// A [Client] wraps anything that can make a call, normally a
// [link.Manager], and turns each method's result shape into Go values
// and errors.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc"
)

var (
	// ErrSessionNotFound is returned when the host does not know the
	// session, usually because it exited.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSpawnFailed wraps the host's reason for rejecting a spawn.
	ErrSpawnFailed = errors.New("spawn failed")
)

// Caller makes one RPC. *link.Manager implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Client calls the session methods through a Caller.
type Client struct {
	caller Caller
}

// New returns a Client that calls through caller.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, method string, params, target any) error {
	result, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return rpc.Decode(result, target)
}

// Spawn starts a session. A host-side rejection (policy, missing
// directory, duplicate id) is returned as ErrSpawnFailed with the
// host's message.
func (c *Client) Spawn(ctx context.Context, params schema.SpawnSessionParams) (schema.SpawnSessionResult, error) {
	var result schema.SpawnSessionResult
	if err := c.call(ctx, schema.MethodSpawnSession, params, &result); err != nil {
		return result, err
	}
	if result.Type != schema.SpawnResultSuccess {
		return result, fmt.Errorf("%w: %s", ErrSpawnFailed, result.ErrorMessage)
	}
	return result, nil
}

// Send delivers text to a session.
func (c *Client) Send(ctx context.Context, sessionID, text string) error {
	var result schema.SendMessageResult
	if err := c.call(ctx, schema.MethodSendMessage, schema.SendMessageParams{SessionID: sessionID, Text: text}, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("sending to %s: %s", sessionID, result.Error)
	}
	return nil
}

// Output fetches the session's buffered output, clearing it on the
// host when clear is set.
func (c *Client) Output(ctx context.Context, sessionID string, clear bool) ([]schema.SessionOutput, error) {
	var result schema.GetOutputResult
	if err := c.call(ctx, schema.MethodGetOutput, schema.GetOutputParams{SessionID: sessionID, Clear: clear}, &result); err != nil {
		return nil, err
	}
	if result.Error == schema.ErrorSessionNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return result.Messages, nil
}

// Stop stops a session. It reports whether the host was tracking it.
func (c *Client) Stop(ctx context.Context, sessionID string) (bool, error) {
	var result schema.StopSessionResult
	err := c.call(ctx, schema.MethodStopSession, schema.StopSessionParams{SessionID: sessionID}, &result)
	return result.Success, err
}

// List returns the host's live sessions.
func (c *Client) List(ctx context.Context) ([]schema.SessionInfo, error) {
	var sessions []schema.SessionInfo
	if err := c.call(ctx, schema.MethodListSessions, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Ping checks that the host answers.
func (c *Client) Ping(ctx context.Context) (schema.PingResult, error) {
	var result schema.PingResult
	if err := c.call(ctx, schema.MethodPing, nil, &result); err != nil {
		return result, err
	}
	if !result.Pong {
		return result, errors.New("ping: host did not answer pong")
	}
	return result, nil
}
