// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
)

// Theme defines the color palette for the session view. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Event kinds.
	UserText      lipgloss.Color
	AssistantText lipgloss.Color
	ToolText      lipgloss.Color
	ResultText    lipgloss.Color
	ErrorText     lipgloss.Color

	// Connection states.
	StateConnected    lipgloss.Color
	StateConnecting   lipgloss.Color
	StateDisconnected lipgloss.Color

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color
}

// StateColor returns the status-line color for state.
func (theme Theme) StateColor(state link.State) lipgloss.Color {
	switch state {
	case link.Connected:
		return theme.StateConnected
	case link.Connecting:
		return theme.StateConnecting
	default:
		return theme.StateDisconnected
	}
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	UserText:      lipgloss.Color("75"),  // blue
	AssistantText: lipgloss.Color("252"), // near white
	ToolText:      lipgloss.Color("141"), // light purple
	ResultText:    lipgloss.Color("114"), // green
	ErrorText:     lipgloss.Color("196"), // red

	StateConnected:    lipgloss.Color("114"),
	StateConnecting:   lipgloss.Color("220"), // amber
	StateDisconnected: lipgloss.Color("196"),

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),
}

// LightTheme is for terminals with a light background.
var LightTheme = Theme{
	NormalText: lipgloss.Color("235"),
	FaintText:  lipgloss.Color("243"),

	UserText:      lipgloss.Color("25"),
	AssistantText: lipgloss.Color("235"),
	ToolText:      lipgloss.Color("91"),
	ResultText:    lipgloss.Color("28"),
	ErrorText:     lipgloss.Color("160"),

	StateConnected:    lipgloss.Color("28"),
	StateConnecting:   lipgloss.Color("130"),
	StateDisconnected: lipgloss.Color("160"),

	HeaderForeground: lipgloss.Color("232"),
	BorderColor:      lipgloss.Color("250"),
	HelpText:         lipgloss.Color("245"),
}

// DetectTheme picks DefaultTheme or LightTheme from the background
// color the terminal behind output reports. Anything that is not a
// terminal gets DefaultTheme.
func DetectTheme(output io.Writer) Theme {
	if termenv.NewOutput(output).HasDarkBackground() {
		return DefaultTheme
	}
	return LightTheme
}
