// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// entryKind selects the style of one transcript entry.
type entryKind int

const (
	kindAssistant entryKind = iota
	kindUser
	kindTool
	kindResult
	kindError
	kindFaint
)

// entry is one rendered block in the transcript. text may span lines.
type entry struct {
	kind entryKind
	text string
}

// maxToolInput caps the compact JSON shown for a tool call.
const maxToolInput = 200

// streamEvent covers the fields of the agent's stream-json events this
// view displays.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Model   string `json:"model"`
	Text    string `json:"text"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`

	// result events
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	NumTurns  int     `json:"num_turns"`
	TotalCost float64 `json:"total_cost_usd"`

	// error events
	Error string `json:"error"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

// renderEvent turns one output event into transcript entries. Events
// this view has no rendering for produce a faint "[type]" marker so
// nothing disappears silently.
func renderEvent(raw json.RawMessage) []entry {
	var event streamEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return []entry{{kindFaint, string(raw)}}
	}

	switch event.Type {
	case "assistant":
		var entries []entry
		for _, block := range contentBlocks(event.Message.Content) {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) != "" {
					entries = append(entries, entry{kindAssistant, block.Text})
				}
			case "tool_use":
				entries = append(entries, entry{kindTool, "⚙ " + block.Name + " " + compactJSON(block.Input)})
			}
		}
		return entries

	case "user":
		var entries []entry
		for _, block := range contentBlocks(event.Message.Content) {
			switch block.Type {
			case "tool_result":
				kind := kindFaint
				if block.IsError {
					kind = kindError
				}
				entries = append(entries, entry{kind, "↳ " + firstLine(blockText(block.Content))})
			case "text":
				entries = append(entries, entry{kindUser, "> " + block.Text})
			}
		}
		return entries

	case "result":
		if event.IsError || (event.Subtype != "" && event.Subtype != "success") {
			detail := event.Result
			if detail == "" {
				detail = event.Subtype
			}
			return []entry{{kindError, "✗ " + detail}}
		}
		return []entry{{kindResult, fmt.Sprintf("✓ done (%d turns, $%.4f)", event.NumTurns, event.TotalCost)}}

	case "system":
		if event.Subtype == "init" {
			return []entry{{kindFaint, "session started (model " + event.Model + ")"}}
		}
		return nil

	case "stdout":
		return []entry{{kindFaint, event.Text}}

	case "error":
		return []entry{{kindError, "error: " + event.Error}}

	default:
		return []entry{{kindFaint, "[" + event.Type + "]"}}
	}
}

// PlainText renders one output event as unstyled text, one string per
// transcript entry. It is what non-interactive commands print.
func PlainText(raw json.RawMessage) []string {
	entries := renderEvent(raw)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.text)
	}
	return lines
}

// contentBlocks decodes message.content, which is either a block array
// or a bare string.
func contentBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []contentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// blockText extracts the text of a tool_result's content, which is a
// string or an array of text blocks.
func blockText(raw json.RawMessage) string {
	var parts []string
	for _, block := range contentBlocks(raw) {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if index := strings.IndexByte(text, '\n'); index >= 0 {
		return text[:index] + " …"
	}
	return text
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, raw); err != nil {
		return ""
	}
	text := buffer.String()
	if len(text) > maxToolInput {
		text = text[:maxToolInput] + "…"
	}
	return text
}

// style returns the lipgloss style for kind.
func (theme Theme) style(kind entryKind) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch kind {
	case kindAssistant:
		return style.Foreground(theme.AssistantText)
	case kindUser:
		return style.Foreground(theme.UserText).Bold(true)
	case kindTool:
		return style.Foreground(theme.ToolText)
	case kindResult:
		return style.Foreground(theme.ResultText)
	case kindError:
		return style.Foreground(theme.ErrorText)
	default:
		return style.Foreground(theme.FaintText)
	}
}
