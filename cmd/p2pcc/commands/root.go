// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the p2pcc command tree. The host side is
// "init", "pair" and "serve"; everything else is a client of a paired
// host.
package commands

import (
	"fmt"
	"slices"

	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/lib/version"
)

// Root builds and returns the complete p2pcc command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "p2pcc",
		Description: `p2pcc: run Claude Code sessions on one machine and drive them
from another.

A host runs "p2pcc serve" and hands its pairing descriptor to clients.
Clients spawn sessions in directories on the host, send them messages,
and read their output over an encrypted peer-to-peer link.`,
		Examples: []cli.Example{
			{Description: "Create a host key and print the pairing descriptor", Command: "p2pcc init"},
			{Description: "Serve sessions", Command: "p2pcc serve"},
			{Description: "Start a session on the paired host", Command: "p2pcc spawn --pairing $DESCRIPTOR ~/src/project"},
			{Description: "Open the interactive view", Command: "p2pcc attach <session-id>"},
		},
		Subcommands: slices.Concat(
			grouped("Host",
				initCommand(),
				pairCommand(),
				serveCommand(),
			),
			grouped("Session",
				spawnCommand(),
				attachCommand(),
				sendCommand(),
				outputCommand(),
				stopCommand(),
				listCommand(),
				pingCommand(),
				callCommand(),
			),
			grouped("Other", &cli.Command{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Fprintf(cli.Stdout, "p2pcc %s\n", version.Full())
					return nil
				},
			}),
		),
	}
}

func grouped(group string, commands ...*cli.Command) []*cli.Command {
	for _, command := range commands {
		command.Group = group
	}
	return commands
}
