// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
)

// DefaultPollInterval is how often a Poller fetches output.
const DefaultPollInterval = 500 * time.Millisecond

// StateSource reports connection state. *link.Manager implements it.
type StateSource interface {
	State() link.State
	Subscribe(listener func(link.State)) (unsubscribe func())
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Client    *Client
	SessionID string

	// States, when set, pauses polling while the connection is not
	// connected and polls at once when it connects.
	States StateSource

	// Interval defaults to DefaultPollInterval.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Poller repeatedly drains a session's output and delivers each
// non-empty batch on Batches.
type Poller struct {
	client    *Client
	sessionID string
	states    StateSource
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	batches chan []schema.SessionOutput
	wake    chan struct{}
}

// NewPoller returns a Poller. Call Run to start it.
func NewPoller(config PollerConfig) *Poller {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{
		client:    config.Client,
		sessionID: config.SessionID,
		states:    config.States,
		interval:  interval,
		clock:     clk,
		logger:    logger,
		batches:   make(chan []schema.SessionOutput, 16),
		wake:      make(chan struct{}, 1),
	}
}

// Batches delivers output batches in order. It is closed when Run
// returns.
func (p *Poller) Batches() <-chan []schema.SessionOutput { return p.batches }

// Run polls until ctx ends or the host reports the session gone, in
// which case it returns ErrSessionNotFound. Other call failures are
// logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.batches)

	if p.states != nil {
		unsubscribe := p.states.Subscribe(func(state link.State) {
			if state == link.Connected {
				p.nudge()
			}
		})
		defer unsubscribe()
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Poller) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) poll(ctx context.Context) error {
	if p.states != nil && p.states.State() != link.Connected {
		return nil
	}
	output, err := p.client.Output(ctx, p.sessionID, true)
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("polling output failed", "session_id", p.sessionID, "error", err)
		}
		return nil
	}
	if len(output) == 0 {
		return nil
	}
	select {
	case p.batches <- output:
	case <-ctx.Done():
	}
	return nil
}
