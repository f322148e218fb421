// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/lib/config"
)

func callCommand() *cli.Command {
	var params clientParams
	return &cli.Command{
		Name:    "call",
		Summary: "Call a host method with raw JSON params",
		Description: `Send one request and print the result as JSON. Useful for poking
at a host by hand; the other commands cover the normal workflow.

Methods: spawn-session, send-message, get-output, stop-session,
list-sessions, ping.`,
		Usage: "p2pcc call [flags] <method> [params-json]",
		Examples: []cli.Example{
			{Command: `p2pcc call get-output '{"sessionId":"3f2a...","clear":false}'`},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("call", &params) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "p2pcc call [flags] <method> [params-json]"); err != nil {
				return err
			}
			method := args[0]
			var callParams any
			if len(args) > 1 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				callParams = json.RawMessage(args[1])
			}
			return withPeer(&params, "call", nil, func(ctx context.Context, peer *peerConnection, _ *config.Config, _ *slog.Logger) error {
				result, err := peer.manager.Call(ctx, method, callParams)
				if err != nil {
					return err
				}
				var indented bytes.Buffer
				if err := json.Indent(&indented, result, "", "  "); err != nil {
					return fmt.Errorf("host returned invalid JSON: %w", err)
				}
				indented.WriteByte('\n')
				_, err = indented.WriteTo(cli.Stdout)
				return err
			})
		},
	}
}
