// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package link keeps one logical connection to a peer alive. A
// [Manager] dials through a transport, wraps each stream in an
// [rpc.Conn], reconnects with exponential backoff after an
// established connection is lost, and reports state transitions to
// subscribers.
//
// State machine:
//
//	disconnected --connect--> connecting --success--> connected
//	connecting --failure--> disconnected
//	connected --stream error or close--> disconnected
//
// Calls that were pending when a connection dropped stay failed; the
// manager never replays them on the next connection.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/rpc"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

// State is the connection state reported to subscribers.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrConnectionTimeout is returned when a connect attempt neither
	// succeeds nor fails within Options.ConnectTimeout.
	ErrConnectionTimeout = errors.New("link: connect attempt timed out")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("link: manager closed")
)

// Options tunes connect and reconnect behavior. Zero fields take the
// value from DefaultOptions.
type Options struct {
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration

	// BackoffBase and BackoffMax shape the reconnect delay:
	// min(BackoffBase * 2^attempt, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts is the number of consecutive scheduled reconnects
	// before the manager gives up and waits for Reconnect.
	MaxAttempts int

	// CallTimeout is the per-call timeout used by Call.
	CallTimeout time.Duration
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		MaxAttempts:    10,
		CallTimeout:    rpc.DefaultCallTimeout,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaults.ConnectTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaults.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaults.BackoffMax
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaults.CallTimeout
	}
	return o
}

// Config holds the collaborators of a Manager.
type Config struct {
	Dialer transport.Dialer

	// Peer is the address handed to Dialer.
	Peer string

	Codec   *envelope.Codec
	Clock   clock.Clock
	Logger  *slog.Logger
	Options Options
}

// Manager owns the connection to one peer. All methods are safe for
// concurrent use.
type Manager struct {
	dialer  transport.Dialer
	peer    string
	codec   *envelope.Codec
	clock   clock.Clock
	logger  *slog.Logger
	options Options

	mu            sync.Mutex
	state         State
	conn          *rpc.Conn
	attempt       *connectAttempt
	everConnected bool
	closed        bool

	// retries counts scheduled reconnects since the last success.
	retries         int
	retryTimer      *clock.Timer
	retryGeneration uint64
	gaveUp          bool

	listeners    []subscription
	nextListener int
	queue        []State
	dispatching  bool
}

// connectAttempt is shared by every caller that asks for a connection
// while it runs. done closes once conn or err is set.
type connectAttempt struct {
	done   chan struct{}
	conn   *rpc.Conn
	err    error
	cancel context.CancelFunc
}

type subscription struct {
	id       int
	listener func(State)
}

// NewManager returns a disconnected Manager. Nothing is dialed until
// the first Connect, Call, or Reconnect.
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		dialer:  config.Dialer,
		peer:    config.Peer,
		codec:   config.Codec,
		clock:   clk,
		logger:  logger.With("peer", config.Peer),
		options: config.Options.withDefaults(),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GaveUp reports whether automatic reconnection stopped after
// Options.MaxAttempts consecutive failures. Reconnect clears it.
func (m *Manager) GaveUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaveUp
}

// Peer returns the address this manager dials.
func (m *Manager) Peer() string { return m.peer }

// Subscribe registers listener for state transitions and returns a
// function that unregisters it. Listeners run in registration order on
// the goroutine that caused the transition, without the manager's lock
// held, so they may call back into the Manager. A listener that panics
// is logged and skipped.
func (m *Manager) Subscribe(listener func(State)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, subscription{id: id, listener: listener})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.listeners = slices.DeleteFunc(m.listeners, func(s subscription) bool { return s.id == id })
		})
	}
}

// Connect returns the live connection, dialing if there is none. A
// caller arriving while an attempt is in flight waits for that attempt
// instead of starting another. Cancelling ctx abandons the wait but
// not the attempt.
func (m *Manager) Connect(ctx context.Context) (*rpc.Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	attempt := m.attempt
	if attempt == nil {
		attempt = m.startAttemptLocked()
	}
	m.mu.Unlock()
	m.dispatch()

	return m.await(ctx, attempt)
}

// Reconnect drops any live connection, cancels a scheduled retry,
// resets the backoff, and connects afresh. If an attempt is already in
// flight it is joined rather than restarted.
func (m *Manager) Reconnect(ctx context.Context) (*rpc.Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.stopRetryLocked()
	m.retries = 0
	m.gaveUp = false
	previous := m.conn
	m.conn = nil
	if previous != nil {
		m.setStateLocked(Disconnected)
	}
	attempt := m.attempt
	if attempt == nil {
		attempt = m.startAttemptLocked()
	}
	m.mu.Unlock()

	if previous != nil {
		m.logger.Info("dropping connection for manual reconnect")
		previous.Close()
	}
	m.dispatch()

	return m.await(ctx, attempt)
}

// Call invokes method on the peer with Options.CallTimeout.
func (m *Manager) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return m.CallWithTimeout(ctx, method, params, m.options.CallTimeout)
}

// CallWithTimeout connects if needed and invokes method. A failure to
// connect is reported as [rpc.ErrConnectionClosed] wrapping the cause.
func (m *Manager) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := m.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", rpc.ErrConnectionClosed, method, err)
	}
	return conn.Call(ctx, method, params, timeout)
}

// Close stops reconnecting, abandons any attempt in flight, and closes
// the live connection. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	attempt := m.attempt
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if attempt != nil {
		attempt.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.dispatch()
	return nil
}

func (m *Manager) await(ctx context.Context, attempt *connectAttempt) (*rpc.Conn, error) {
	select {
	case <-attempt.done:
		return attempt.conn, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) startAttemptLocked() *connectAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	attempt := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	m.attempt = attempt
	m.setStateLocked(Connecting)
	go m.runAttempt(ctx, attempt)
	return attempt
}

type dialResult struct {
	stream net.Conn
	err    error
}

func (m *Manager) runAttempt(ctx context.Context, attempt *connectAttempt) {
	defer attempt.cancel()

	timedOut := make(chan struct{})
	timer := m.clock.AfterFunc(m.options.ConnectTimeout, func() { close(timedOut) })

	results := make(chan dialResult, 1)
	go func() {
		stream, err := m.dialer.DialContext(ctx, m.peer)
		results <- dialResult{stream: stream, err: err}
	}()

	var result dialResult
	select {
	case result = <-results:
	case <-timedOut:
		result.err = fmt.Errorf("%w after %v", ErrConnectionTimeout, m.options.ConnectTimeout)
	case <-ctx.Done():
		result.err = ErrClosed
	}
	timer.Stop()

	if result.err != nil {
		// The dial may still complete after we stopped waiting.
		attempt.cancel()
		go func() {
			if late := <-results; late.stream != nil {
				late.stream.Close()
			}
		}()
	}
	m.finishAttempt(attempt, result)
}

func (m *Manager) finishAttempt(attempt *connectAttempt, result dialResult) {
	m.mu.Lock()
	if m.attempt == attempt {
		m.attempt = nil
	}
	if result.err == nil && m.closed {
		result.stream.Close()
		result.err = ErrClosed
	}

	if result.err == nil {
		conn := rpc.NewConn(result.stream, m.codec, m.clock, m.logger)
		m.conn = conn
		m.retries = 0
		m.gaveUp = false
		m.everConnected = true
		m.setStateLocked(Connected)
		attempt.conn = conn
		go m.watch(conn)
		m.logger.Info("connected")
	} else {
		attempt.err = fmt.Errorf("connecting to %s: %w", m.peer, result.err)
		if !m.closed {
			m.setStateLocked(Disconnected)
			m.logger.Warn("connect attempt failed", "error", result.err, "retries", m.retries)
			if m.everConnected {
				m.scheduleRetryLocked()
			}
		}
	}
	m.mu.Unlock()

	close(attempt.done)
	m.dispatch()
}

// watch waits for conn to end and, if it is still current, treats the
// end as an unexpected loss.
func (m *Manager) watch(conn *rpc.Conn) {
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(Disconnected)
	m.logger.Warn("connection lost", "error", conn.Err())
	m.scheduleRetryLocked()
	m.mu.Unlock()

	m.dispatch()
}

// scheduleRetryLocked arms the next reconnect unless one is already
// armed, or gives up once MaxAttempts reconnects have failed in a row.
func (m *Manager) scheduleRetryLocked() {
	if m.closed || m.gaveUp || m.retryTimer != nil {
		return
	}
	if m.retries >= m.options.MaxAttempts {
		m.gaveUp = true
		m.logger.Error("giving up on reconnecting", "attempts", m.retries)
		return
	}

	delay := m.backoffLocked()
	m.retries++
	m.retryGeneration++
	generation := m.retryGeneration
	m.logger.Info("scheduling reconnect", "delay", delay, "attempt", m.retries)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retryFired(generation) })
}

// backoffLocked returns min(BackoffBase * 2^retries, BackoffMax).
func (m *Manager) backoffLocked() time.Duration {
	delay := m.options.BackoffBase
	for range m.retries {
		if delay >= m.options.BackoffMax {
			break
		}
		delay *= 2
	}
	return min(delay, m.options.BackoffMax)
}

func (m *Manager) retryFired(generation uint64) {
	m.mu.Lock()
	if generation != m.retryGeneration || m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	if m.conn == nil && m.attempt == nil {
		m.startAttemptLocked()
	}
	m.mu.Unlock()
	m.dispatch()
}

func (m *Manager) stopRetryLocked() {
	m.retryGeneration++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// setStateLocked records a transition and queues it for listeners.
func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.queue = append(m.queue, state)
}

// dispatch delivers queued transitions in order. One goroutine drains
// the queue at a time; a transition queued while another goroutine is
// draining is delivered by that goroutine.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		state := m.queue[0]
		m.queue = m.queue[1:]
		listeners := slices.Clone(m.listeners)
		m.mu.Unlock()
		for _, subscription := range listeners {
			m.notify(subscription.listener, state)
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) notify(listener func(State), state State) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("state listener panicked", "state", state.String(), "panic", recovered)
		}
	}()
	listener(state)
}
