// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/testutil"
)

const waitTimeout = 10 * time.Second

// writeScript writes an executable shell script standing in for the
// claude binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestArguments(t *testing.T) {
	t.Parallel()
	driver := &ClaudeDriver{ExtraArgs: []string{"--add-dir", "/srv/shared"}}

	tests := []struct {
		name   string
		config Config
		want   []string
	}{
		{
			name:   "minimal",
			config: Config{},
			want:   []string{"--print", "--verbose", "--input-format", "stream-json", "--output-format", "stream-json", "--add-dir", "/srv/shared"},
		},
		{
			name:   "all options",
			config: Config{SessionID: "5f0c", PermissionMode: "acceptEdits", Model: "sonnet"},
			want: []string{
				"--print", "--verbose", "--input-format", "stream-json", "--output-format", "stream-json",
				"--session-id", "5f0c", "--permission-mode", "acceptEdits", "--model", "sonnet",
				"--add-dir", "/srv/shared",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := driver.Arguments(test.config); !slices.Equal(got, test.want) {
				t.Errorf("Arguments() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestEncodeUserMessage(t *testing.T) {
	t.Parallel()
	line, err := encodeUserMessage("fix the \"build\"")
	if err != nil {
		t.Fatalf("encodeUserMessage: %v", err)
	}
	want := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"fix the \"build\""}]}}` + "\n"
	if string(line) != want {
		t.Errorf("line = %s, want %s", line, want)
	}
}

func TestParseEventLine(t *testing.T) {
	t.Parallel()
	if event := parseEventLine(nil); event != nil {
		t.Errorf("blank line produced %s", event)
	}
	if event := parseEventLine([]byte(`{"type":"assistant"}`)); string(event) != `{"type":"assistant"}` {
		t.Errorf("object line = %s", event)
	}
	if event := parseEventLine([]byte(`warning: slow disk`)); string(event) != `{"text":"warning: slow disk","type":"stdout"}` {
		t.Errorf("plain line = %s", event)
	}
}

func TestProcessEchoesInput(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"system","subtype":"init"}'
while read line; do echo "$line"; done
`)
	transcripts := t.TempDir()
	driver := &ClaudeDriver{Binary: script, TranscriptDir: transcripts}

	process, err := driver.Start(context.Background(), Config{SessionID: "s1", Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if process.Pid() <= 0 {
		t.Errorf("Pid() = %d", process.Pid())
	}

	init := testutil.RequireReceive(t, process.Events(), waitTimeout, "init event")
	if string(init) != `{"type":"system","subtype":"init"}` {
		t.Errorf("first event = %s", init)
	}

	if err := process.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	echoed := testutil.RequireReceive(t, process.Events(), waitTimeout, "echoed user message")
	var message userMessage
	if err := json.Unmarshal(echoed, &message); err != nil {
		t.Fatalf("echoed event %s: %v", echoed, err)
	}
	if message.Message.Content[0].Text != "hello" {
		t.Errorf("echoed text = %q", message.Message.Content[0].Text)
	}

	if err := process.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	testutil.RequireClosed(t, process.Done(), waitTimeout, "process exit")
	if err := process.Send("too late"); !errors.Is(err, ErrInputClosed) {
		t.Errorf("Send after Stop = %v, want ErrInputClosed", err)
	}

	events, err := ReadTranscript(filepath.Join(transcripts, "s1"+TranscriptExtension))
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(events) != 2 || string(events[0]) != string(init) {
		t.Errorf("transcript = %s", events)
	}
}

func TestProcessExitClosesEvents(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"result"}'
echo 'not json'
exit 3
`)
	process, err := (&ClaudeDriver{Binary: script}).Start(context.Background(), Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []string
	for event := range process.Events() {
		events = append(events, string(event))
	}
	testutil.RequireClosed(t, process.Done(), waitTimeout, "process exit")

	if len(events) != 2 || !strings.Contains(events[1], "not json") {
		t.Errorf("events = %v", events)
	}
	if process.Err() == nil {
		t.Error("Err() = nil for exit status 3")
	}
}

func TestProcessSkipsOversizedLine(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"a"}'
head -c 2000000 /dev/zero | tr '\0' 'x'
echo
echo '{"type":"after"}'
`)
	process, err := (&ClaudeDriver{Binary: script}).Start(context.Background(), Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []json.RawMessage
	for event := range process.Events() {
		events = append(events, event)
	}
	testutil.RequireClosed(t, process.Done(), waitTimeout, "process exit")

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %q", len(events), events)
	}
	if got := string(events[0]); got != `{"type":"a"}` {
		t.Errorf("events[0] = %s, want {\"type\":\"a\"}", got)
	}
	var marker struct {
		Type  string `json:"type"`
		Error string `json:"error"`
		Bytes int    `json:"bytes"`
	}
	if err := json.Unmarshal(events[1], &marker); err != nil {
		t.Fatalf("decoding marker %s: %v", events[1], err)
	}
	if marker.Type != "stdout" || marker.Error != "line too long" || marker.Bytes != 2000000 {
		t.Errorf("marker = %+v, want stdout/line too long/2000000", marker)
	}
	if got := string(events[2]); got != `{"type":"after"}` {
		t.Errorf("events[2] = %s, want {\"type\":\"after\"}", got)
	}
}

func TestReadLines(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		limit     int
		lines     []string
		oversized []int
	}{
		{"plain", "one\ntwo\n", 10, []string{"one", "two"}, nil},
		{"no trailing newline", "one\ntwo", 10, []string{"one", "two"}, nil},
		{"crlf", "one\r\n", 10, []string{"one"}, nil},
		{"exactly at limit", "abcde\nf\n", 5, []string{"abcde", "f"}, nil},
		{"over limit", "abcdef\nnext\n", 5, []string{"next"}, []int{6}},
		{"over limit at eof", "ok\nabcdefgh", 5, []string{"ok"}, []int{8}},
		{"blank lines kept", "\n\nx\n", 5, []string{"", "", "x"}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var lines []string
			var oversized []int
			err := readLines(strings.NewReader(test.input), test.limit, func(line []byte) {
				lines = append(lines, string(line))
			}, func(size int) {
				oversized = append(oversized, size)
			})
			if err != nil {
				t.Fatalf("readLines: %v", err)
			}
			if !slices.Equal(lines, test.lines) {
				t.Errorf("lines = %q, want %q", lines, test.lines)
			}
			if !slices.Equal(oversized, test.oversized) {
				t.Errorf("oversized = %v, want %v", oversized, test.oversized)
			}
		})
	}
}

func TestReadLinesLongerThanBuffer(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("y", 200*1024)
	var lines []string
	var oversized []int
	err := readLines(strings.NewReader(long+"\n"+long+"z\nend\n"), len(long), func(line []byte) {
		lines = append(lines, string(line))
	}, func(size int) {
		oversized = append(oversized, size)
	})
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 2 || lines[0] != long || lines[1] != "end" {
		t.Errorf("got %d lines, want the long line and \"end\"", len(lines))
	}
	if !slices.Equal(oversized, []int{len(long) + 1}) {
		t.Errorf("oversized = %v, want [%d]", oversized, len(long)+1)
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `trap '' TERM
echo '{"type":"system"}'
while :; do sleep 1; done
`)
	driver := &ClaudeDriver{Binary: script, StopGrace: 100 * time.Millisecond}
	process, err := driver.Start(context.Background(), Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Wait until the trap is installed.
	testutil.RequireReceive(t, process.Events(), waitTimeout, "first event")

	process.Stop()
	go func() {
		for range process.Events() {
		}
	}()
	testutil.RequireClosed(t, process.Done(), waitTimeout, "process killed")
}

func TestStartMissingBinary(t *testing.T) {
	t.Parallel()
	driver := &ClaudeDriver{Binary: filepath.Join(t.TempDir(), "absent")}
	if _, err := driver.Start(context.Background(), Config{Directory: t.TempDir()}); err == nil {
		t.Fatal("Start with a missing binary succeeded")
	}
}
