// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
)

// DefaultSendTimeout bounds one submitted message.
const DefaultSendTimeout = 30 * time.Second

// noticeFadeDelay is how long a log record or send error stays in the
// status line.
const noticeFadeDelay = 5 * time.Second

// chromeHeight is the rows used by everything except the viewport: the
// header, the input line, and the status line.
const chromeHeight = 3

// Sender delivers a line of input to a session. *client.Client
// implements it.
type Sender interface {
	Send(ctx context.Context, sessionID, text string) error
}

// Config configures a Model.
type Config struct {
	SessionID string
	Sender    Sender

	// Theme defaults to DefaultTheme.
	Theme *Theme

	// SendTimeout defaults to DefaultSendTimeout.
	SendTimeout time.Duration
}

// OutputMsg carries one batch of session output into the program.
type OutputMsg struct {
	Batch []schema.SessionOutput
}

// StateMsg reports a connection state change.
type StateMsg struct {
	State link.State
}

// SessionEndedMsg reports that output polling stopped. Err is the
// reason, nil when the context ended.
type SessionEndedMsg struct {
	Err error
}

type sendResultMsg struct {
	err error
}

type noticeFadeMsg struct {
	generation int
}

// Model is the bubbletea model for one session.
type Model struct {
	config Config
	theme  Theme

	width  int
	height int
	ready  bool

	viewport viewport.Model
	input    textinput.Model

	entries []entry
	state   link.State
	ended   bool

	notice           string
	noticeLevel      slog.Level
	noticeGeneration int
}

// NewModel returns a model that has not yet received its window size.
func NewModel(config Config) Model {
	theme := DefaultTheme
	if config.Theme != nil {
		theme = *config.Theme
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}

	input := textinput.New()
	input.Prompt = "› "
	input.Placeholder = "message Claude"
	input.Focus()

	return Model{
		config:   config,
		theme:    theme,
		input:    input,
		viewport: viewport.New(0, 0),
		state:    link.Disconnected,
	}
}

func (model Model) Init() tea.Cmd {
	return textinput.Blink
}

func (model Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var commands []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		model.width = msg.Width
		model.height = msg.Height
		model.viewport.Width = msg.Width
		model.viewport.Height = max(msg.Height-chromeHeight, 1)
		model.input.Width = max(msg.Width-ansi.StringWidth(model.input.Prompt)-1, 1)
		model.ready = true
		model.refresh(true)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return model, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(model.input.Value())
			if text == "" || model.ended {
				return model, nil
			}
			model.input.SetValue("")
			model.append(entry{kindUser, "> " + text})
			return model, model.send(text)
		case tea.KeyPgUp, tea.KeyPgDown:
			var command tea.Cmd
			model.viewport, command = model.viewport.Update(msg)
			return model, command
		}

	case OutputMsg:
		for _, output := range msg.Batch {
			model.append(renderEvent(output.Event)...)
		}
		return model, nil

	case StateMsg:
		model.state = msg.State
		return model, nil

	case SessionEndedMsg:
		model.ended = true
		text := "session ended"
		if msg.Err != nil {
			text += ": " + msg.Err.Error()
		}
		model.append(entry{kindError, text})
		return model, nil

	case sendResultMsg:
		if msg.err != nil {
			return model, model.showNotice("send failed: "+msg.err.Error(), slog.LevelError)
		}
		return model, nil

	case logRecordMsg:
		return model, model.showNotice(msg.Summary, msg.Level)

	case noticeFadeMsg:
		if msg.generation == model.noticeGeneration {
			model.notice = ""
		}
		return model, nil
	}

	var command tea.Cmd
	model.input, command = model.input.Update(msg)
	commands = append(commands, command)
	return model, tea.Batch(commands...)
}

// send returns a command that delivers text off the update loop.
func (model Model) send(text string) tea.Cmd {
	sender := model.config.Sender
	sessionID := model.config.SessionID
	timeout := model.config.SendTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sendResultMsg{err: sender.Send(ctx, sessionID, text)}
	}
}

func (model *Model) showNotice(text string, level slog.Level) tea.Cmd {
	model.notice = text
	model.noticeLevel = level
	model.noticeGeneration++
	generation := model.noticeGeneration
	return tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg {
		return noticeFadeMsg{generation: generation}
	})
}

// append adds entries and keeps the view pinned to the bottom if it
// was there already.
func (model *Model) append(entries ...entry) {
	if len(entries) == 0 {
		return
	}
	model.entries = append(model.entries, entries...)
	model.refresh(model.viewport.AtBottom() || model.viewport.TotalLineCount() <= model.viewport.Height)
}

// refresh re-renders the transcript at the current width.
func (model *Model) refresh(follow bool) {
	if !model.ready {
		return
	}
	model.viewport.SetContent(strings.Join(model.renderLines(), "\n"))
	if follow {
		model.viewport.GotoBottom()
	}
}

// renderLines styles every entry line and truncates it to the width.
func (model Model) renderLines() []string {
	var lines []string
	for _, item := range model.entries {
		style := model.theme.style(item.kind)
		for _, line := range strings.Split(item.text, "\n") {
			rendered := style.Render(line)
			if model.width > 0 {
				rendered = ansi.Truncate(rendered, model.width, "…")
			}
			lines = append(lines, rendered)
		}
	}
	return lines
}

func (model Model) View() string {
	if !model.ready {
		return "connecting…"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		model.header(),
		model.viewport.View(),
		model.input.View(),
		model.statusLine(),
	)
}

func (model Model) header() string {
	style := lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true)
	return ansi.Truncate(style.Render("session "+model.config.SessionID), model.width, "…")
}

func (model Model) statusLine() string {
	state := lipgloss.NewStyle().Foreground(model.theme.StateColor(model.state)).
		Render(fmt.Sprintf("● %s", model.state))

	var right string
	switch {
	case model.notice != "":
		color := model.theme.FaintText
		if model.noticeLevel >= slog.LevelError {
			color = model.theme.ErrorText
		} else if model.noticeLevel >= slog.LevelWarn {
			color = model.theme.StateConnecting
		}
		right = lipgloss.NewStyle().Foreground(color).Render(model.notice)
	case model.ended:
		right = lipgloss.NewStyle().Foreground(model.theme.HelpText).Render("session ended · esc quit")
	default:
		right = lipgloss.NewStyle().Foreground(model.theme.HelpText).
			Render("enter send · pgup/pgdn scroll · esc quit")
	}
	return ansi.Truncate(state+"  "+right, model.width, "…")
}
