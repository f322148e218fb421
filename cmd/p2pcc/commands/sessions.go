// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/robertoamoreno/p2p-claude-code/client"
	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/lib/config"
	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/tui"
)

// clientParams are shared by every command that calls a host.
type clientParams struct {
	globalParams
	peerParams
	cli.JSONOutput
}

// withPeer runs fn against a connection to the host named by params.
// A non-nil view handler receives the command's logging in place of
// stderr, for commands that take over the terminal.
func withPeer(params *clientParams, command string, view *tui.LogHandler, fn func(ctx context.Context, peer *peerConnection, cfg *config.Config, logger *slog.Logger) error) error {
	cfg, logger, err := params.setup(command)
	if err != nil {
		return err
	}
	if view != nil {
		logger = slog.New(view).With("command", command)
	}
	peer, err := connectPeer(cfg, params.peerParams, logger)
	if err != nil {
		return err
	}
	defer peer.Close()

	ctx, cancel := commandContext()
	defer cancel()
	return fn(ctx, peer, cfg, logger)
}

func requireArgs(args []string, count int, usage string) error {
	if len(args) < count {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

type pingOutput struct {
	schema.PingResult
	RoundTripMillis int64 `json:"roundTripMs"`
}

func pingCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "ping",
		Summary: "Check that the paired host answers",
		Usage:   "p2pcc ping [flags]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("ping", &params) },
		Run: func(args []string) error {
			return withPeer(&params, "ping", nil, func(ctx context.Context, peer *peerConnection, _ *config.Config, _ *slog.Logger) error {
				start := time.Now()
				result, err := peer.client.Ping(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "host unreachable: %v\n", err)
					return &cli.ExitError{Code: 1}
				}
				roundTrip := time.Since(start)
				if done, err := params.EmitJSON(pingOutput{PingResult: result, RoundTripMillis: roundTrip.Milliseconds()}); done {
					return err
				}
				fmt.Fprintf(cli.Stdout, "pong in %s (host clock %s)\n",
					roundTrip.Round(time.Millisecond),
					time.UnixMilli(result.Timestamp).Format(time.RFC3339))
				return nil
			})
		},
	}
}

func listCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "list",
		Summary: "List sessions on the paired host",
		Usage:   "p2pcc list [flags]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Run: func(args []string) error {
			return withPeer(&params, "list", nil, func(ctx context.Context, peer *peerConnection, _ *config.Config, _ *slog.Logger) error {
				sessions, err := peer.client.List(ctx)
				if err != nil {
					return err
				}
				if done, err := params.EmitJSON(sessions); done {
					return err
				}
				writeSessionTable(cli.Stdout, sessions, time.Now())
				return nil
			})
		},
	}
}

func writeSessionTable(w io.Writer, sessions []schema.SessionInfo, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(table, "SESSION\tPID\tAGE\tDIRECTORY\tMODEL")
	for _, info := range sessions {
		age := now.Sub(time.UnixMilli(info.CreatedAt)).Round(time.Second)
		model := info.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\t%s\n", info.SessionID, info.Pid, age, info.Directory, model)
	}
	table.Flush()
}

type spawnParams struct {
	clientParams
	SessionID      string `flag:"session-id" desc:"session id to use instead of a generated one"`
	PermissionMode string `flag:"permission-mode" desc:"agent permission mode (e.g. acceptEdits, plan)"`
	Model          string `flag:"model" desc:"agent model"`
	Attach         bool   `flag:"attach" desc:"open the interactive view once the session starts"`
}

func spawnCommand() *cli.Command {
	var params spawnParams
	return &cli.Command{
		Name:    "spawn",
		Summary: "Start a session on the paired host",
		Description: `Start a Claude Code session in a directory on the host. The
directory is resolved on the host and must lie under its root directory.`,
		Usage: "p2pcc spawn [flags] <directory>",
		Examples: []cli.Example{
			{Description: "Start a session and attach to it", Command: "p2pcc spawn --attach /home/me/src/project"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("spawn", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "p2pcc spawn [flags] <directory>"); err != nil {
				return err
			}
			var view *tui.LogHandler
			if params.Attach {
				view = tui.NewLogHandler(slog.LevelInfo)
			}
			return withPeer(&params.clientParams, "spawn", view, func(ctx context.Context, peer *peerConnection, cfg *config.Config, logger *slog.Logger) error {
				result, err := peer.client.Spawn(ctx, schema.SpawnSessionParams{
					Directory:      args[0],
					SessionID:      params.SessionID,
					PermissionMode: params.PermissionMode,
					Model:          params.Model,
				})
				if err != nil {
					return err
				}
				logger.Debug("session spawned", "session_id", result.SessionID, "pid", result.Pid)
				if params.Attach {
					return attach(ctx, peer, cfg, view, result.SessionID)
				}
				if done, err := params.EmitJSON(result); done {
					return err
				}
				fmt.Fprintln(cli.Stdout, result.SessionID)
				return nil
			})
		},
	}
}

func sendCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "send",
		Summary: "Send a message to a session",
		Description: `Send text to a session as the next user turn. The words after
the session id are joined with spaces; "-" reads the message from stdin.`,
		Usage: "p2pcc send [flags] <session-id> <text...>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("send", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 2, "p2pcc send [flags] <session-id> <text...>"); err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if text == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				text = strings.TrimRight(string(data), "\n")
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("empty message")
			}
			return withPeer(&params, "send", nil, func(ctx context.Context, peer *peerConnection, _ *config.Config, _ *slog.Logger) error {
				if err := peer.client.Send(ctx, args[0], text); err != nil {
					return err
				}
				if done, err := params.EmitJSON(schema.SendMessageResult{Success: true}); done {
					return err
				}
				return nil
			})
		},
	}
}

type outputParams struct {
	clientParams
	Clear  bool `flag:"clear" desc:"remove the returned messages from the host buffer"`
	Follow bool `flag:"follow,f" desc:"keep polling and print new output until interrupted (implies --clear)"`
	Raw    bool `flag:"raw" desc:"print each event as a JSON line instead of text"`
}

func outputCommand() *cli.Command {
	var params outputParams
	return &cli.Command{
		Name:    "output",
		Summary: "Print a session's buffered output",
		Usage:   "p2pcc output [flags] <session-id>",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("output", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "p2pcc output [flags] <session-id>"); err != nil {
				return err
			}
			sessionID := args[0]
			return withPeer(&params.clientParams, "output", nil, func(ctx context.Context, peer *peerConnection, cfg *config.Config, logger *slog.Logger) error {
				if !params.Follow {
					messages, err := peer.client.Output(ctx, sessionID, params.Clear)
					if err != nil {
						return err
					}
					if done, err := params.EmitJSON(messages); done {
						return err
					}
					return printOutput(cli.Stdout, messages, params.Raw)
				}

				if _, err := peer.manager.Connect(ctx); err != nil {
					return err
				}
				poller := client.NewPoller(client.PollerConfig{
					Client:    peer.client,
					SessionID: sessionID,
					States:    peer.manager,
					Interval:  cfg.Client.PollInterval.Std(),
					Logger:    logger,
				})
				pollErr := make(chan error, 1)
				go func() { pollErr <- poller.Run(ctx) }()
				raw := params.OutputJSON || params.Raw
				for batch := range poller.Batches() {
					if err := printOutput(cli.Stdout, batch, raw); err != nil {
						return err
					}
				}
				err := <-pollErr
				if errors.Is(err, client.ErrSessionNotFound) {
					logger.Info("session ended", "session_id", sessionID)
					return nil
				}
				return err
			})
		},
	}
}

// printOutput writes messages as rendered text, or as one JSON object
// per line when raw is set.
func printOutput(w io.Writer, messages []schema.SessionOutput, raw bool) error {
	for _, message := range messages {
		if raw {
			if _, err := fmt.Fprintf(w, "{\"timestamp\":%d,\"event\":%s}\n", message.Timestamp, message.Event); err != nil {
				return err
			}
			continue
		}
		stamp := time.UnixMilli(message.Timestamp).Format("15:04:05")
		for _, line := range tui.PlainText(message.Event) {
			if _, err := fmt.Fprintf(w, "%s  %s\n", stamp, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func stopCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a session",
		Usage:   "p2pcc stop [flags] <session-id>",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("stop", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "p2pcc stop [flags] <session-id>"); err != nil {
				return err
			}
			return withPeer(&params, "stop", nil, func(ctx context.Context, peer *peerConnection, _ *config.Config, _ *slog.Logger) error {
				stopped, err := peer.client.Stop(ctx, args[0])
				if err != nil {
					return err
				}
				if done, err := params.EmitJSON(schema.StopSessionResult{Success: stopped}); done {
					return err
				}
				if !stopped {
					return fmt.Errorf("%w: %s", client.ErrSessionNotFound, args[0])
				}
				fmt.Fprintf(cli.Stdout, "stopped %s\n", args[0])
				return nil
			})
		},
	}
}
