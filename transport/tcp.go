// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts streams on a TCP socket. It needs direct
// reachability between peers; use WebRTC when a NAT is in the way.
type TCPListener struct {
	listener net.Listener
	logger   *slog.Logger
}

// NewTCPListener listens on address (":7390", "10.0.0.5:7390", or
// ":0" for any free port). A nil logger discards.
func NewTCPListener(address string, logger *slog.Logger) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TCPListener{listener: listener, logger: logger}, nil
}

func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.listener.Close()
		case <-stop:
		}
	}()
	return serveAccepted(ctx, l.listener.Accept, handler, l.logger)
}

// Address returns the bound address in host:port form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer dials host:port peer identifiers.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero leaves it to the
	// context.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the system
	// default; negative disables keep-alives.
	KeepAlive time.Duration
}

func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, "tcp", address)
}
