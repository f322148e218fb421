// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// p2pcc hosts Claude Code sessions on one machine and drives them from
// another over an encrypted peer-to-peer link.
package main

import (
	"fmt"
	"os"

	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own failure output (like ping)
		// return an error carrying the exit code. Don't print a
		// redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
