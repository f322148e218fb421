// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/robertoamoreno/p2p-claude-code/client"
	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/lib/config"
	"github.com/robertoamoreno/p2p-claude-code/tui"
)

func attachCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "attach",
		Summary: "Open the interactive view of a session",
		Description: `Show a session's output as it arrives and send each line typed
at the prompt as the next user message. The connection state is shown
in the status line and the view reconnects on its own.

Keys: enter sends, pgup/pgdn scroll, esc or ctrl+c quits. Quitting
leaves the session running on the host.`,
		Usage: "p2pcc attach [flags] <session-id>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("attach", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "p2pcc attach [flags] <session-id>"); err != nil {
				return err
			}
			view := tui.NewLogHandler(slog.LevelInfo)
			return withPeer(&params, "attach", view, func(ctx context.Context, peer *peerConnection, cfg *config.Config, _ *slog.Logger) error {
				return attach(ctx, peer, cfg, view, args[0])
			})
		},
	}
}

// attach runs the interactive view until the user quits. The session
// keeps running on the host.
func attach(ctx context.Context, peer *peerConnection, cfg *config.Config, view *tui.LogHandler, sessionID string) error {
	if _, err := peer.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", peer.manager.Peer(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := client.NewPoller(client.PollerConfig{
		Client:    peer.client,
		SessionID: sessionID,
		States:    peer.manager,
		Interval:  cfg.Client.PollInterval.Std(),
		Logger:    slog.New(view).With("session_id", sessionID),
	})
	var pollErr error
	pollDone := make(chan struct{})
	go func() {
		pollErr = poller.Run(ctx)
		close(pollDone)
	}()

	theme := tui.DetectTheme(os.Stdout)
	err := tui.Run(ctx, tui.RunConfig{
		Model: tui.Config{
			SessionID:   sessionID,
			Sender:      peer.client,
			Theme:       &theme,
			SendTimeout: cfg.Client.CallTimeout.Std(),
		},
		Batches: poller.Batches(),
		PollErr: func() error {
			<-pollDone
			return pollErr
		},
		States:     peer.manager,
		LogHandler: view,
	})
	cancel()
	<-pollDone
	if err == nil && pollErr != nil && !errors.Is(pollErr, client.ErrSessionNotFound) {
		return pollErr
	}
	return err
}
