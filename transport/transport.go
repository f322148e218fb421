// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ConnHandler serves one accepted stream. It owns conn and must close
// it, and it must return promptly once ctx is cancelled.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound streams from peers.
type Listener interface {
	// Serve accepts streams and runs handler for each on its own
	// goroutine. It blocks until ctx is cancelled or Close is called,
	// then waits for running handlers, and returns nil on a clean
	// shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the identifier peers dial to reach this
	// listener. It is what goes into the pairing descriptor.
	Address() string

	// Close stops accepting.
	Close() error
}

// Dialer opens streams to peers.
type Dialer interface {
	// DialContext opens a stream to the peer whose Listener reported
	// address.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// serveAccepted is the accept loop shared by the listeners. accept
// must fail with net.ErrClosed once the listener is closed.
func serveAccepted(ctx context.Context, accept func() (net.Conn, error), handler ConnHandler, logger *slog.Logger) error {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		conn, err := accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		logger.Debug("accepted stream", "remote", conn.RemoteAddr().String())
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handler(ctx, conn)
		}()
	}
}
