// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
)

// Provider kinds accepted by New.
const (
	KindTCP    = "tcp"
	KindWebRTC = "webrtc"
)

// defaultDialTimeout bounds a TCP connect when the caller's context has
// no deadline of its own.
const defaultDialTimeout = 10 * time.Second

// Options configures New. Fields a kind does not use are ignored.
type Options struct {
	// Listen requests a Listener. Clients leave it false.
	Listen bool

	// ListenAddress is the TCP bind address.
	ListenAddress string

	// Name is the WebRTC peer id this side registers under.
	Name string

	// StoreDir backs the Store with a DirStore. Empty means an
	// in-process MemoryStore, which only works for webrtc when both
	// peers share the process.
	StoreDir string

	ICE ICEConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// Provider bundles the pieces of one transport. Listener is nil unless
// Options.Listen was set.
type Provider struct {
	Kind     string
	Dialer   Dialer
	Listener Listener
	Store    Store

	close func() error
}

// Close releases the listener or the WebRTC peer connections.
func (p *Provider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// New builds the provider named by kind.
func New(kind string, options Options) (*Provider, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	var store Store
	if options.StoreDir != "" {
		dirStore, err := NewDirStore(options.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		store = dirStore
	} else {
		store = NewMemoryStore()
	}

	switch kind {
	case KindTCP:
		provider := &Provider{
			Kind:   kind,
			Dialer: &TCPDialer{Timeout: defaultDialTimeout},
			Store:  store,
		}
		if options.Listen {
			listener, err := NewTCPListener(options.ListenAddress, options.Logger.With("transport", kind))
			if err != nil {
				return nil, err
			}
			provider.Listener = listener
			provider.close = listener.Close
		}
		return provider, nil

	case KindWebRTC:
		if options.Name == "" {
			return nil, fmt.Errorf("webrtc transport requires a peer name")
		}
		signaler := NewStoreSignaler(store, options.Clock)
		webrtcTransport := NewWebRTCTransport(signaler, options.Name, options.ICE, options.Logger.With("transport", kind))
		provider := &Provider{
			Kind:   kind,
			Dialer: webrtcTransport,
			Store:  store,
			close:  webrtcTransport.Close,
		}
		if options.Listen {
			provider.Listener = webrtcTransport
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q (want %s or %s)", kind, KindTCP, KindWebRTC)
	}
}
