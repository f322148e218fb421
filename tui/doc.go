// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui is the terminal front end for one remote session. Built on
// bubbletea (Elm architecture), it shows the session's output events in
// a scrolling viewport, sends submitted lines through a [Sender], and
// keeps a status line with the connection state.
//
// The model owns no I/O. [Run] wires it to a client.Poller's batches and
// a connection state source by sending messages into the program, and a
// [LogHandler] routes slog records into the status line so logging does
// not tear the alternate screen.
package tui
