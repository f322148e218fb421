// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/testutil"
	"github.com/robertoamoreno/p2p-claude-code/rpc/frame"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testCodec(t *testing.T) *envelope.Codec {
	t.Helper()
	codec, err := envelope.New(bytes.Repeat([]byte{0x5a}, envelope.KeySize))
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return codec
}

// scriptedPeer is the far end of a pipe that records requests and
// answers them however the test chooses.
type scriptedPeer struct {
	t        *testing.T
	stream   net.Conn
	codec    *envelope.Codec
	writer   *frame.Writer
	requests chan Request
}

func newScriptedPeer(t *testing.T, stream net.Conn, codec *envelope.Codec) *scriptedPeer {
	peer := &scriptedPeer{
		t:        t,
		stream:   stream,
		codec:    codec,
		writer:   frame.NewWriter(stream),
		requests: make(chan Request, 16),
	}
	go frame.Read(stream, nil, func(raw json.RawMessage) {
		var request Request
		if err := json.Unmarshal(raw, &request); err != nil {
			t.Errorf("peer received non-request %s", raw)
			return
		}
		peer.requests <- request
	})
	return peer
}

func (p *scriptedPeer) next() Request {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.requests, 5*time.Second, "waiting for request")
}

func (p *scriptedPeer) params(request Request, target any) {
	p.t.Helper()
	if err := p.codec.Open(request.Params, target); err != nil {
		p.t.Fatalf("opening params: %v", err)
	}
}

func (p *scriptedPeer) reply(id string, result any) {
	p.t.Helper()
	sealed, err := p.codec.Seal(result)
	if err != nil {
		p.t.Fatalf("Seal: %v", err)
	}
	p.send(Response{ID: id, OK: true, Result: sealed})
}

func (p *scriptedPeer) send(response Response) {
	p.t.Helper()
	if err := p.writer.Write(response); err != nil {
		p.t.Fatalf("writing response: %v", err)
	}
}

type outcome struct {
	value json.RawMessage
	err   error
}

func callAsync(conn *Conn, method string, params any, timeout time.Duration) <-chan outcome {
	results := make(chan outcome, 1)
	go func() {
		value, err := conn.Call(context.Background(), method, params, timeout)
		results <- outcome{value, err}
	}()
	return results
}

func newTestConn(t *testing.T, clk clock.Clock) (*Conn, *scriptedPeer) {
	t.Helper()
	local, remote := net.Pipe()
	codec := testCodec(t)
	conn := NewConn(local, codec, clk, nil)
	t.Cleanup(func() {
		conn.Close()
		remote.Close()
	})
	return conn, newScriptedPeer(t, remote, codec)
}

func TestCallRoundtrip(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	results := callAsync(conn, "ping", map[string]string{"hello": "world"}, time.Minute)
	request := peer.next()
	if request.Method != "ping" {
		t.Fatalf("method = %q, want ping", request.Method)
	}
	var params map[string]string
	peer.params(request, &params)
	if params["hello"] != "world" {
		t.Fatalf("params = %v, want hello=world", params)
	}
	peer.reply(request.ID, map[string]any{"pong": true})

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for call")
	if result.err != nil {
		t.Fatalf("Call: %v", result.err)
	}
	var pong struct{ Pong bool }
	if err := Decode(result.value, &pong); err != nil || !pong.Pong {
		t.Fatalf("result = %s (%v), want pong", result.value, err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", conn.Pending())
	}
}

func TestResponsesMatchedByIDOutOfOrder(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	first := callAsync(conn, "echo", "A", time.Minute)
	requestA := peer.next()
	second := callAsync(conn, "echo", "B", time.Minute)
	requestB := peer.next()
	if requestA.ID == requestB.ID {
		t.Fatalf("two calls share id %q", requestA.ID)
	}

	peer.reply(requestB.ID, "result-B")
	peer.reply(requestA.ID, "result-A")

	for _, test := range []struct {
		results <-chan outcome
		want    string
	}{{first, "result-A"}, {second, "result-B"}} {
		result := testutil.RequireReceive(t, test.results, 5*time.Second, "waiting for %s", test.want)
		if result.err != nil {
			t.Fatalf("Call: %v", result.err)
		}
		var got string
		if err := Decode(result.value, &got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != test.want {
			t.Errorf("got %q, want %q", got, test.want)
		}
	}
}

func TestCallTimeoutRemovesPendingEntry(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(epoch)
	conn, peer := newTestConn(t, fake)

	results := callAsync(conn, "slow", nil, 100*time.Millisecond)
	request := peer.next()

	fake.Advance(99 * time.Millisecond)
	testutil.RequireNoReceive(t, results, 20*time.Millisecond, "call settled before its deadline")

	fake.Advance(time.Millisecond)
	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for timeout")
	if !errors.Is(result.err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", result.err)
	}
	if conn.Pending() != 0 {
		t.Fatalf("Pending() = %d after timeout, want 0", conn.Pending())
	}

	// The late response at 150ms matches nothing and is dropped.
	fake.Advance(50 * time.Millisecond)
	peer.reply(request.ID, "too late")

	// The connection still works for new calls.
	again := callAsync(conn, "fast", nil, time.Second)
	peer.reply(peer.next().ID, "on time")
	result = testutil.RequireReceive(t, again, 5*time.Second, "waiting for second call")
	var got string
	if err := Decode(result.value, &got); err != nil || got != "on time" {
		t.Fatalf("second call = %q, %v; want \"on time\"", got, err)
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	first := callAsync(conn, "one", nil, time.Minute)
	peer.next()
	second := callAsync(conn, "two", nil, time.Minute)
	peer.next()

	peer.stream.Close()

	for _, results := range []<-chan outcome{first, second} {
		result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for failure")
		if !errors.Is(result.err, ErrConnectionClosed) {
			t.Errorf("error = %v, want ErrConnectionClosed", result.err)
		}
	}
	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "conn done")

	if _, err := conn.Call(context.Background(), "after", nil, time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call after close: error = %v, want ErrConnectionClosed", err)
	}
}

func TestRemoteErrorIsVerbatim(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	results := callAsync(conn, "stop-session", nil, time.Minute)
	peer.send(Response{ID: peer.next().ID, OK: false, Error: "session not found"})

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for call")
	var remote *RemoteError
	if !errors.As(result.err, &remote) {
		t.Fatalf("error = %v, want *RemoteError", result.err)
	}
	if remote.Message != "session not found" || remote.Method != "stop-session" {
		t.Errorf("remote error = %+v", remote)
	}
	if !errors.Is(result.err, ErrRemote) {
		t.Error("errors.Is(err, ErrRemote) = false")
	}
}

func TestOKWithoutResultIsEmptyValue(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	results := callAsync(conn, "noop", nil, time.Minute)
	peer.send(Response{ID: peer.next().ID, OK: true})

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for call")
	if result.err != nil {
		t.Fatalf("Call: %v", result.err)
	}
	if len(result.value) != 0 {
		t.Fatalf("value = %s, want empty", result.value)
	}
	target := struct{ Success bool }{Success: true}
	if err := Decode(result.value, &target); err != nil || !target.Success {
		t.Errorf("Decode of empty result changed target or failed: %+v, %v", target, err)
	}
}

func TestUnreadableResultFailsOnlyThatCall(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	results := callAsync(conn, "tampered", nil, time.Minute)
	peer.send(Response{ID: peer.next().ID, OK: true, Result: "AAAA"})
	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for call")
	if !errors.Is(result.err, envelope.ErrDecode) {
		t.Fatalf("error = %v, want envelope.ErrDecode", result.err)
	}

	// Garbage lines between responses do not disturb the stream.
	if _, err := peer.stream.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	again := callAsync(conn, "fine", nil, time.Minute)
	peer.reply(peer.next().ID, 7)
	result = testutil.RequireReceive(t, again, 5*time.Second, "waiting for call")
	if result.err != nil {
		t.Fatalf("call after bad result: %v", result.err)
	}
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan outcome, 1)
	go func() {
		value, err := conn.Call(ctx, "wait", nil, 0)
		results <- outcome{value, err}
	}()
	peer.next()
	cancel()

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for cancelled call")
	if !errors.Is(result.err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", result.err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", conn.Pending())
	}
}

func TestCallWithCancelledContextSendsNothing(t *testing.T) {
	t.Parallel()
	conn, peer := newTestConn(t, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := conn.Call(ctx, "ping", nil, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", conn.Pending())
	}
	testutil.RequireNoReceive(t, peer.requests, 100*time.Millisecond, "request written for a cancelled call")
}
