// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/agent"
	"github.com/robertoamoreno/p2p-claude-code/host"
	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
	"github.com/robertoamoreno/p2p-claude-code/session"
)

const waitTimeout = 5 * time.Second

// scriptedCaller answers each method with the next queued reply.
type scriptedCaller struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []recordedCall
}

type reply struct {
	result string
	err    error
}

type recordedCall struct {
	method string
	params any
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{replies: make(map[string][]reply)}
}

func (c *scriptedCaller) queue(method, result string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[method] = append(c.replies[method], reply{result: result, err: err})
}

func (c *scriptedCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCall{method: method, params: params})
	queued := c.replies[method]
	if len(queued) == 0 {
		return json.RawMessage(`{"messages":[]}`), nil
	}
	next := queued[0]
	c.replies[method] = queued[1:]
	if next.err != nil {
		return nil, next.err
	}
	return json.RawMessage(next.result), nil
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestSpawnResultMapping(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue(schema.MethodSpawnSession, `{"type":"success","sessionId":"s1","pid":77}`, nil)
	caller.queue(schema.MethodSpawnSession, `{"type":"error","errorMessage":"directory /etc is outside the allowed root /srv"}`, nil)
	client := New(caller)

	result, err := client.Spawn(context.Background(), schema.SpawnSessionParams{Directory: "/srv/app"})
	if err != nil || result.SessionID != "s1" || result.Pid != 77 {
		t.Fatalf("Spawn = %+v, %v", result, err)
	}
	if params := caller.calls[0].params.(schema.SpawnSessionParams); params.Directory != "/srv/app" {
		t.Errorf("params = %+v", params)
	}

	_, err = client.Spawn(context.Background(), schema.SpawnSessionParams{Directory: "/etc"})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("rejected Spawn = %v, want ErrSpawnFailed", err)
	}
}

func TestOutputNotFound(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue(schema.MethodGetOutput, `{"messages":[],"error":"session not found"}`, nil)
	_, err := New(caller).Output(context.Background(), "gone", true)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Output = %v, want ErrSessionNotFound", err)
	}
}

func TestSendFailureAndTransportErrors(t *testing.T) {
	t.Parallel()
	caller := newScriptedCaller()
	caller.queue(schema.MethodSendMessage, `{"success":false,"error":"agent: input closed"}`, nil)
	caller.queue(schema.MethodPing, "", rpc.ErrTimeout)
	client := New(caller)

	if err := client.Send(context.Background(), "s1", "hi"); err == nil {
		t.Error("Send with success=false returned nil")
	}
	if _, err := client.Ping(context.Background()); !errors.Is(err, rpc.ErrTimeout) {
		t.Errorf("Ping = %v, want ErrTimeout passed through", err)
	}
}

type fakeProcess struct {
	events chan json.RawMessage
	done   chan struct{}
	once   sync.Once
}

func (p *fakeProcess) Pid() int                       { return 99 }
func (p *fakeProcess) Events() <-chan json.RawMessage { return p.events }
func (p *fakeProcess) Done() <-chan struct{}          { return p.done }
func (p *fakeProcess) Err() error                     { return nil }
func (p *fakeProcess) Send(text string) error {
	p.events <- json.RawMessage(`{"type":"assistant","echo":` + string(mustJSON(text)) + `}`)
	return nil
}
func (p *fakeProcess) Stop() error {
	p.once.Do(func() { close(p.events); close(p.done) })
	return nil
}

func mustJSON(value any) []byte {
	data, _ := json.Marshal(value)
	return data
}

type echoDriver struct{}

func (echoDriver) Start(ctx context.Context, config agent.Config) (agent.Process, error) {
	// Buffered so Send does not wait for the registry's consumer.
	return &fakeProcess{events: make(chan json.RawMessage, 8), done: make(chan struct{})}, nil
}

type pipeDialer struct {
	server *rpc.Server
}

func (d pipeDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.server.ServeConn(context.Background(), server)
	return client, nil
}

func TestClientAgainstHost(t *testing.T) {
	t.Parallel()
	codec, err := envelope.New(bytes.Repeat([]byte{0x7e}, envelope.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	registry := session.NewRegistry(session.Config{Driver: echoDriver{}})
	defer registry.Close(context.Background())
	h := host.New(host.Config{Registry: registry, Codec: codec})

	manager := link.NewManager(link.Config{
		Dialer: pipeDialer{server: h.Server()},
		Peer:   "workstation",
		Codec:  codec,
		Clock:  clock.Real(),
	})
	defer manager.Close()
	client := New(manager)
	ctx := context.Background()

	if _, err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	spawned, err := client.Spawn(ctx, schema.SpawnSessionParams{Directory: t.TempDir(), SessionID: "s-echo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := client.Send(ctx, spawned.SessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(waitTimeout)
	var output []schema.SessionOutput
	for len(output) == 0 && time.Now().Before(deadline) {
		output, err = client.Output(ctx, spawned.SessionID, true)
		if err != nil {
			t.Fatalf("Output: %v", err)
		}
		if len(output) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(output) != 1 || string(output[0].Event) != `{"type":"assistant","echo":"hello"}` {
		t.Fatalf("output = %+v", output)
	}

	sessions, err := client.List(ctx)
	if err != nil || len(sessions) != 1 || sessions[0].SessionID != "s-echo" {
		t.Fatalf("List = %+v, %v", sessions, err)
	}
	if stopped, err := client.Stop(ctx, "s-echo"); err != nil || !stopped {
		t.Fatalf("Stop = %v, %v", stopped, err)
	}
	if _, err := client.Output(ctx, "s-echo", false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Output after Stop = %v, want ErrSessionNotFound", err)
	}
}
