// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/agent"
	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/lib/testutil"
	"github.com/robertoamoreno/p2p-claude-code/rpc"
	"github.com/robertoamoreno/p2p-claude-code/session"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

const waitTimeout = 5 * time.Second

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fakeProcess struct {
	pid    int
	events chan json.RawMessage
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []string
}

func (p *fakeProcess) Pid() int                       { return p.pid }
func (p *fakeProcess) Events() <-chan json.RawMessage { return p.events }
func (p *fakeProcess) Done() <-chan struct{}          { return p.done }
func (p *fakeProcess) Err() error                     { return nil }

func (p *fakeProcess) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakeProcess) Stop() error {
	p.once.Do(func() {
		close(p.events)
		close(p.done)
	})
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	processes []*fakeProcess
}

func (d *fakeDriver) Start(ctx context.Context, config agent.Config) (agent.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	process := &fakeProcess{
		pid:    4200 + len(d.processes),
		events: make(chan json.RawMessage),
		done:   make(chan struct{}),
	}
	d.processes = append(d.processes, process)
	return process, nil
}

func (d *fakeDriver) last() *fakeProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processes[len(d.processes)-1]
}

// countingStore counts successful Puts.
type countingStore struct {
	*transport.MemoryStore
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.MemoryStore.Put(ctx, key, value)
	if err == nil {
		s.puts.Add(1)
	}
	return err
}

type fixture struct {
	host     *Host
	registry *session.Registry
	driver   *fakeDriver
	store    *countingStore
	root     string
	conn     *rpc.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := envelope.New(bytes.Repeat([]byte{0x11}, envelope.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	fake := clock.Fake(epoch)
	root := t.TempDir()
	driver := &fakeDriver{}
	registry := session.NewRegistry(session.Config{Driver: driver, Root: root, Clock: fake})
	store := &countingStore{MemoryStore: transport.NewMemoryStore()}
	h := New(Config{
		Registry: registry,
		Codec:    codec,
		Store:    store,
		PeerID:   "workstation",
		Clock:    fake,
	})

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Server().ServeConn(ctx, server)
	conn := rpc.NewConn(client, codec, clock.Real(), nil)
	t.Cleanup(func() {
		cancel()
		conn.Close()
		registry.Close(context.Background())
	})
	return &fixture{host: h, registry: registry, driver: driver, store: store, root: root, conn: conn}
}

func (f *fixture) call(t *testing.T, method string, params, target any) {
	t.Helper()
	result, err := f.conn.Call(context.Background(), method, params, waitTimeout)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if err := rpc.Decode(result, target); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

func (f *fixture) spawn(t *testing.T) schema.SpawnSessionResult {
	t.Helper()
	var result schema.SpawnSessionResult
	f.call(t, schema.MethodSpawnSession, schema.SpawnSessionParams{Directory: f.root}, &result)
	if result.Type != schema.SpawnResultSuccess {
		t.Fatalf("spawn-session = %+v", result)
	}
	return result
}

func TestSpawnSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	result := f.spawn(t)
	if result.SessionID == "" || result.Pid != 4200 {
		t.Errorf("spawn result = %+v", result)
	}

	var rejected schema.SpawnSessionResult
	f.call(t, schema.MethodSpawnSession, schema.SpawnSessionParams{Directory: "/etc"}, &rejected)
	if rejected.Type != schema.SpawnResultError || !strings.Contains(rejected.ErrorMessage, "outside the allowed root") {
		t.Errorf("spawn outside root = %+v", rejected)
	}

	var missing schema.SpawnSessionResult
	f.call(t, schema.MethodSpawnSession, nil, &missing)
	if missing.Type != schema.SpawnResultError || missing.ErrorMessage == "" {
		t.Errorf("spawn without params = %+v", missing)
	}
}

func TestSendAndGetOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	spawned := f.spawn(t)
	process := f.driver.last()

	var sent schema.SendMessageResult
	f.call(t, schema.MethodSendMessage, schema.SendMessageParams{SessionID: spawned.SessionID, Text: "list the files"}, &sent)
	if !sent.Success {
		t.Fatalf("send-message = %+v", sent)
	}
	process.mu.Lock()
	if len(process.sent) != 1 || process.sent[0] != "list the files" {
		t.Errorf("process received %v", process.sent)
	}
	process.mu.Unlock()

	f.call(t, schema.MethodSendMessage, schema.SendMessageParams{SessionID: "nope", Text: "hi"}, &sent)
	if sent.Success || !strings.Contains(sent.Error, "session not found") {
		t.Errorf("send to unknown session = %+v", sent)
	}

	process.events <- json.RawMessage(`{"type":"assistant","n":1}`)
	process.events <- json.RawMessage(`{"type":"assistant","n":2}`)
	process.events <- json.RawMessage(`{"type":"result"}`)
	testutil.Eventually(t, waitTimeout, func() bool {
		output, _ := f.registry.Poll(spawned.SessionID, false)
		return len(output) == 3
	}, "buffered output")

	var output schema.GetOutputResult
	f.call(t, schema.MethodGetOutput, schema.GetOutputParams{SessionID: spawned.SessionID, Clear: true}, &output)
	if len(output.Messages) != 3 || output.Error != "" {
		t.Fatalf("get-output = %+v", output)
	}
	if string(output.Messages[0].Event) != `{"type":"assistant","n":1}` || output.Messages[0].Timestamp != epoch.UnixMilli() {
		t.Errorf("first message = %+v", output.Messages[0])
	}

	f.call(t, schema.MethodGetOutput, schema.GetOutputParams{SessionID: spawned.SessionID, Clear: true}, &output)
	if len(output.Messages) != 0 {
		t.Errorf("second get-output returned %d messages", len(output.Messages))
	}
}

func TestGetOutputUnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	raw, err := f.conn.Call(context.Background(), schema.MethodGetOutput, schema.GetOutputParams{SessionID: "gone"}, waitTimeout)
	if err != nil {
		t.Fatalf("get-output: %v", err)
	}
	if string(raw) != `{"messages":[],"error":"session not found"}` {
		t.Errorf("get-output = %s", raw)
	}
}

func TestStopAndListSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.spawn(t)
	second := f.spawn(t)

	var sessions []schema.SessionInfo
	f.call(t, schema.MethodListSessions, nil, &sessions)
	if len(sessions) != 2 {
		t.Fatalf("list-sessions = %+v", sessions)
	}
	if sessions[0].CreatedAt != epoch.UnixMilli() {
		t.Errorf("createdAt = %d", sessions[0].CreatedAt)
	}

	var stopped schema.StopSessionResult
	f.call(t, schema.MethodStopSession, schema.StopSessionParams{SessionID: first.SessionID}, &stopped)
	if !stopped.Success {
		t.Error("stop-session of a live session reported failure")
	}
	f.call(t, schema.MethodStopSession, schema.StopSessionParams{SessionID: first.SessionID}, &stopped)
	if stopped.Success {
		t.Error("second stop-session reported success")
	}

	f.call(t, schema.MethodListSessions, nil, &sessions)
	if len(sessions) != 1 || sessions[0].SessionID != second.SessionID {
		t.Errorf("list-sessions after stop = %+v", sessions)
	}

	f.registry.Stop(second.SessionID)
	raw, err := f.conn.Call(context.Background(), schema.MethodListSessions, nil, waitTimeout)
	if err != nil || string(raw) != "[]" {
		t.Errorf("empty list-sessions = %s, %v", raw, err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var pong schema.PingResult
	f.call(t, schema.MethodPing, nil, &pong)
	if !pong.Pong || pong.Timestamp != epoch.UnixMilli() {
		t.Errorf("ping = %+v", pong)
	}
}

func TestInvalidParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.conn.Call(context.Background(), schema.MethodSendMessage, []int{1, 2}, waitTimeout)
	var remote *rpc.RemoteError
	if !errors.As(err, &remote) || !strings.HasPrefix(remote.Message, "invalid params") {
		t.Errorf("send-message with an array = %v", err)
	}
}

func TestSessionListMirroring(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.host.sync.start()

	readList := func() []schema.SessionInfo {
		data, err := f.store.Get(context.Background(), "sessions/workstation")
		if err != nil {
			return nil
		}
		var sessions []schema.SessionInfo
		json.Unmarshal(data, &sessions)
		return sessions
	}

	testutil.Eventually(t, waitTimeout, func() bool { return f.store.puts.Load() >= 1 }, "initial publish")
	spawned := f.spawn(t)
	testutil.Eventually(t, waitTimeout, func() bool {
		sessions := readList()
		return len(sessions) == 1 && sessions[0].SessionID == spawned.SessionID
	}, "published list with the new session")

	f.host.sync.shutdown()
	puts := f.store.puts.Load()
	f.registry.Stop(spawned.SessionID)
	f.spawn(t)
	time.Sleep(20 * time.Millisecond)
	if got := f.store.puts.Load(); got != puts {
		t.Errorf("store written %d more times after shutdown", got-puts)
	}
	if sessions := readList(); len(sessions) != 1 || sessions[0].SessionID != spawned.SessionID {
		t.Errorf("mirrored list changed after shutdown: %+v", sessions)
	}
}

func TestServe(t *testing.T) {
	t.Parallel()
	codec, _ := envelope.New(bytes.Repeat([]byte{0x22}, envelope.KeySize))
	listener, err := transport.NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	root := t.TempDir()
	registry := session.NewRegistry(session.Config{Driver: &fakeDriver{}, Root: root})
	store := transport.NewMemoryStore()
	h := New(Config{Registry: registry, Codec: codec, Listener: listener, Store: store, PeerID: "workstation"})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx) }()

	stream, err := (&transport.TCPDialer{Timeout: waitTimeout}).DialContext(context.Background(), listener.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := rpc.NewConn(stream, codec, clock.Real(), nil)
	defer conn.Close()

	raw, err := conn.Call(context.Background(), schema.MethodSpawnSession, schema.SpawnSessionParams{Directory: root}, waitTimeout)
	if err != nil || !strings.Contains(string(raw), `"type":"success"`) {
		t.Fatalf("spawn-session over TCP = %s, %v", raw, err)
	}

	testutil.Eventually(t, waitTimeout, func() bool {
		_, err := store.Get(context.Background(), "sessions/workstation")
		return err == nil
	}, "session list published")

	cancel()
	if err := testutil.RequireReceive(t, served, waitTimeout, "Serve return"); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if len(registry.List()) != 0 {
		t.Error("sessions still tracked after Serve returned")
	}
	if _, err := registry.Spawn(context.Background(), session.SpawnRequest{Directory: root}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Spawn after Serve = %v, want ErrClosed", err)
	}
}

func TestDecodeParamsNull(t *testing.T) {
	t.Parallel()
	var params schema.GetOutputParams
	if err := decodeParams(json.RawMessage("null"), &params); err != nil || params.SessionID != "" {
		t.Errorf("decodeParams(null) = %+v, %v", params, err)
	}
}
