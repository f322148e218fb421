// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// PrintHelp writes the command's help to w: description, usage,
// subcommands (grouped when they carry a Group), flags, and examples.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	switch {
	case c.Description != "":
		fmt.Fprintf(w, "%s\n\n", c.Description)
	case c.Summary != "":
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	usage := c.Usage
	switch {
	case usage != "":
	case len(c.Subcommands) > 0:
		usage = name + " <command> [flags]"
	default:
		usage = name + " [flags]"
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)

	for _, group := range c.groups() {
		heading := "Commands"
		if group.name != "" {
			heading = group.name + " commands"
		}
		fmt.Fprintf(w, "\n%s:\n", heading)
		table := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range group.commands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if usage := c.Flags().FlagUsages(); usage != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", usage)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n  %s\n\n", example.Description, example.Command)
			} else {
				fmt.Fprintf(w, "  %s\n", example.Command)
			}
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

type commandGroup struct {
	name     string
	commands []*Command
}

// groups partitions the subcommands by Group in first-seen order.
func (c *Command) groups() []commandGroup {
	var groups []commandGroup
	index := make(map[string]int)
	for _, sub := range c.Subcommands {
		position, seen := index[sub.Group]
		if !seen {
			position = len(groups)
			index[sub.Group] = position
			groups = append(groups, commandGroup{name: sub.Group})
		}
		groups[position].commands = append(groups[position].commands, sub)
	}
	return groups
}
