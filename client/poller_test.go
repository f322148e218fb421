// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/testutil"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeStates is a StateSource the test flips by hand.
type fakeStates struct {
	mu        sync.Mutex
	state     link.State
	listeners []func(link.State)
}

func (s *fakeStates) State() link.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStates) Subscribe(listener func(link.State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	return func() {}
}

func (s *fakeStates) set(state link.State) {
	s.mu.Lock()
	s.state = state
	listeners := append([]func(link.State){}, s.listeners...)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

func TestPollerDeliversBatches(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue("get-output", `{"messages":[{"event":{"n":1},"timestamp":1},{"event":{"n":2},"timestamp":2}]}`, nil)
	caller.queue("get-output", `{"messages":[]}`, nil)
	caller.queue("get-output", `{"messages":[{"event":{"n":3},"timestamp":3}]}`, nil)

	fake := clock.Fake(epoch)
	poller := NewPoller(PollerConfig{
		Client:    New(caller),
		SessionID: "s1",
		Interval:  time.Second,
		Clock:     fake,
	})
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- poller.Run(ctx) }()

	first := testutil.RequireReceive(t, poller.Batches(), waitTimeout, "first batch")
	if len(first) != 2 || first[1].Timestamp != 2 {
		t.Fatalf("first batch = %+v", first)
	}

	// The empty poll delivers nothing.
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	testutil.Eventually(t, waitTimeout, func() bool { return caller.callCount() == 2 }, "second poll")
	testutil.RequireNoReceive(t, poller.Batches(), 20*time.Millisecond, "empty poll produced a batch")

	fake.Advance(time.Second)
	third := testutil.RequireReceive(t, poller.Batches(), waitTimeout, "third batch")
	if len(third) != 1 || string(third[0].Event) != `{"n":3}` {
		t.Fatalf("third batch = %+v", third)
	}

	cancel()
	if err := testutil.RequireReceive(t, result, waitTimeout, "Run return"); err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
	if _, open := <-poller.Batches(); open {
		t.Error("Batches not closed after Run returned")
	}
}

func TestPollerPausesWhileDisconnected(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	states := &fakeStates{state: link.Disconnected}
	fake := clock.Fake(epoch)
	poller := NewPoller(PollerConfig{
		Client:    New(caller),
		SessionID: "s1",
		States:    states,
		Interval:  time.Second,
		Clock:     fake,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	fake.WaitForTimers(1)
	for range 3 {
		fake.Advance(time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	if got := caller.callCount(); got != 0 {
		t.Fatalf("polled %d times while disconnected", got)
	}

	// Connecting triggers an immediate poll, without a tick.
	caller.queue("get-output", `{"messages":[{"event":{"resumed":true},"timestamp":9}]}`, nil)
	states.set(link.Connected)
	batch := testutil.RequireReceive(t, poller.Batches(), waitTimeout, "batch after reconnect")
	if len(batch) != 1 || batch[0].Timestamp != 9 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestPollerStopsWhenSessionGone(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue("get-output", `{"messages":[],"error":"session not found"}`, nil)
	poller := NewPoller(PollerConfig{Client: New(caller), SessionID: "gone", Clock: clock.Fake(epoch)})

	err := poller.Run(context.Background())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Run = %v, want ErrSessionNotFound", err)
	}
}

func TestPollerSurvivesCallErrors(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue("get-output", "", errors.New("rpc: connection closed"))
	caller.queue("get-output", `{"messages":[{"event":{},"timestamp":5}]}`, nil)
	fake := clock.Fake(epoch)
	poller := NewPoller(PollerConfig{Client: New(caller), SessionID: "s1", Interval: time.Second, Clock: fake})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	testutil.Eventually(t, waitTimeout, func() bool { return caller.callCount() == 1 }, "failed poll")
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	batch := testutil.RequireReceive(t, poller.Batches(), waitTimeout, "batch after failure")
	if batch[0].Timestamp != 5 {
		t.Errorf("batch = %+v", batch)
	}
}
