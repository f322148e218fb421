// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/testutil"
)

// echoHandler echoes each line back upper-cased until the stream ends.
func echoHandler(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := io.WriteString(conn, strings.ToUpper(scanner.Text())+"\n"); err != nil {
			return
		}
	}
}

func TestTCPListenerAddress(t *testing.T) {
	t.Parallel()
	listener, err := NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	defer listener.Close()
	if host, port, err := net.SplitHostPort(listener.Address()); err != nil || host != "127.0.0.1" || port == "0" {
		t.Errorf("Address() = %q, want 127.0.0.1:<port>", listener.Address())
	}
}

func TestTCPRoundTrip(t *testing.T) {
	t.Parallel()
	listener, err := NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- listener.Serve(ctx, echoHandler) }()

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	for _, message := range []string{"first stream", "second stream"} {
		conn, err := dialer.DialContext(ctx, listener.Address())
		if err != nil {
			t.Fatalf("DialContext: %v", err)
		}
		if _, err := io.WriteString(conn, message+"\n"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		reply, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if reply != strings.ToUpper(message)+"\n" {
			t.Errorf("reply = %q, want %q", reply, strings.ToUpper(message))
		}
		conn.Close()
	}

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "waiting for Serve to return"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestTCPServeWaitsForHandlers(t *testing.T) {
	t.Parallel()
	listener, err := NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlerExited := make(chan struct{})
	started := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
			defer close(handlerExited)
			defer conn.Close()
			close(started)
			<-ctx.Done()
		})
	}()

	conn, err := (&TCPDialer{}).DialContext(context.Background(), listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
	testutil.RequireClosed(t, started, 5*time.Second, "handler start")

	cancel()
	testutil.RequireReceive(t, served, 5*time.Second, "Serve return")
	select {
	case <-handlerExited:
	default:
		t.Fatal("Serve returned before its handler exited")
	}
}

func TestTCPDialRefused(t *testing.T) {
	t.Parallel()
	listener, err := NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	address := listener.Address()
	listener.Close()

	if _, err := (&TCPDialer{Timeout: time.Second}).DialContext(context.Background(), address); err == nil {
		t.Fatal("DialContext to a closed listener succeeded")
	}
}
