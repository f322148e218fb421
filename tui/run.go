// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
)

// StateSource reports connection state. *link.Manager implements it.
type StateSource interface {
	State() link.State
	Subscribe(listener func(link.State)) (unsubscribe func())
}

// RunConfig wires a Model to its inputs.
type RunConfig struct {
	Model Config

	// Batches is usually client.Poller.Batches. When it closes the view
	// shows the session as ended with PollErr's result.
	Batches <-chan []schema.SessionOutput
	PollErr func() error

	States StateSource

	// LogHandler, when set, is attached to the program.
	LogHandler *LogHandler

	// Input and Output default to the terminal. Setting them also
	// disables the alternate screen.
	Input  io.Reader
	Output io.Writer
}

// Run runs the program until the user quits or ctx ends.
func Run(ctx context.Context, config RunConfig) error {
	options := []tea.ProgramOption{tea.WithContext(ctx)}
	if config.Input != nil || config.Output != nil {
		options = append(options, tea.WithInput(config.Input), tea.WithOutput(config.Output))
	} else {
		options = append(options, tea.WithAltScreen())
	}
	program := tea.NewProgram(NewModel(config.Model), options...)

	if config.LogHandler != nil {
		config.LogHandler.SetProgram(program)
	}
	if config.States != nil {
		unsubscribe := config.States.Subscribe(func(state link.State) {
			program.Send(StateMsg{State: state})
		})
		defer unsubscribe()
		go program.Send(StateMsg{State: config.States.State()})
	}
	if config.Batches != nil {
		go func() {
			for batch := range config.Batches {
				program.Send(OutputMsg{Batch: batch})
			}
			var err error
			if config.PollErr != nil {
				err = config.PollErr()
			}
			program.Send(SessionEndedMsg{Err: err})
		}()
	}

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
