// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/netutil"
	"github.com/robertoamoreno/p2p-claude-code/rpc/frame"
)

// Conn is the calling side of one stream. It owns the stream: the
// stream is closed when the Conn closes, and the Conn closes when the
// stream ends.
type Conn struct {
	stream io.ReadWriteCloser
	codec  *envelope.Codec
	clock  clock.Clock
	logger *slog.Logger
	writer *frame.Writer

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	cause   error

	done chan struct{}
}

// pendingCall is removed from Conn.pending by whichever of response,
// timeout, cancellation, or teardown claims it first; only the
// claimant sends on result.
type pendingCall struct {
	method string
	result chan callResult
	timer  *clock.Timer
}

type callResult struct {
	value json.RawMessage
	err   error
}

// NewConn starts reading responses from stream. A nil logger discards.
func NewConn(stream io.ReadWriteCloser, codec *envelope.Codec, clk clock.Clock, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn := &Conn{
		stream:  stream,
		codec:   codec,
		clock:   clk,
		logger:  logger,
		writer:  frame.NewWriter(stream),
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn
}

// Call sends method with params and waits for its response. timeout
// <= 0 means no timeout beyond ctx.
//
// The returned error is one of: a [*RemoteError], [ErrTimeout],
// [ErrConnectionClosed] (all wrapped), the context's error, or an
// envelope error if the peer's result could not be opened.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}
	sealed, err := c.codec.Seal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}

	id := uuid.NewString()
	call := &pendingCall{method: method, result: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, method)
	}
	c.pending[id] = call
	c.mu.Unlock()

	if timeout > 0 {
		timer := c.clock.AfterFunc(timeout, func() {
			c.settle(id, callResult{err: fmt.Errorf("%w: %s after %v", ErrTimeout, method, timeout)})
		})
		c.mu.Lock()
		_, stillPending := c.pending[id]
		if stillPending {
			call.timer = timer
		}
		c.mu.Unlock()
		if !stillPending {
			timer.Stop()
		}
	}

	if err := c.writer.Write(Request{ID: id, Method: method, Params: sealed}); err != nil {
		// A failed write means the stream is unusable for everyone.
		c.fail(err)
	}

	select {
	case result := <-call.result:
		return result.value, result.err
	case <-ctx.Done():
		c.settle(id, callResult{err: fmt.Errorf("rpc: %s: %w", method, ctx.Err())})
		result := <-call.result
		return result.value, result.err
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the Conn has closed and every pending call has
// been failed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the stream error that closed the Conn, or nil if it was
// closed locally or ended cleanly.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close closes the stream and fails every pending call with
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// settle claims the pending call for id and delivers result. It
// reports false if the call was already claimed.
func (c *Conn) settle(id string, result callResult) bool {
	call, ok := c.claim(id)
	if !ok {
		return false
	}
	call.result <- result
	return true
}

// claim removes the pending call for id and stops its timer.
func (c *Conn) claim(id string) (*pendingCall, bool) {
	c.mu.Lock()
	call, ok := c.pending[id]
	var timer *clock.Timer
	if ok {
		delete(c.pending, id)
		timer = call.timer
	}
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return call, ok
}

// fail closes the Conn once. cause is nil for a local close or a clean
// end of stream.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil && !netutil.IsExpectedCloseError(cause) {
		c.cause = cause
	}
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	timers := make([]*clock.Timer, 0, len(pending))
	for _, call := range pending {
		if call.timer != nil {
			timers = append(timers, call.timer)
		}
	}
	c.mu.Unlock()

	c.stream.Close()
	for _, timer := range timers {
		timer.Stop()
	}

	reason := "stream closed"
	if cause != nil {
		reason = cause.Error()
	}
	for _, call := range pending {
		call.result <- callResult{err: fmt.Errorf("%w: %s: %s", ErrConnectionClosed, call.method, reason)}
	}
	if len(pending) > 0 {
		c.logger.Debug("failed pending calls on close", "count", len(pending), "reason", reason)
	}
	close(c.done)
}

func (c *Conn) readLoop() {
	decoder := &frame.Decoder{OnMalformed: func(line []byte, err error) {
		c.logger.Warn("dropping malformed frame", "bytes", len(line), "error", err)
	}}
	err := frame.Read(c.stream, decoder, c.handleResponse)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debug("response stream ended", "error", err)
	}
	c.fail(err)
}

func (c *Conn) handleResponse(raw json.RawMessage) {
	var response Response
	if err := json.Unmarshal(raw, &response); err != nil || response.ID == "" {
		c.logger.Warn("dropping frame that is not a response", "bytes", len(raw))
		return
	}

	call, ok := c.claim(response.ID)
	if !ok {
		// Timed out, cancelled, or never ours.
		c.logger.Debug("dropping response with no pending call", "id", response.ID)
		return
	}

	var result callResult
	switch {
	case !response.OK:
		message := response.Error
		if message == "" {
			message = "request failed"
		}
		result.err = &RemoteError{Method: call.method, Message: message}
	case response.Result != "":
		plaintext, err := c.codec.OpenBytes(response.Result)
		if err != nil {
			result.err = fmt.Errorf("rpc: %s: opening result: %w", call.method, err)
		} else {
			result.value = plaintext
		}
	}
	call.result <- result
}
