// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
)

// maxEventLine bounds one stdout line. Tool results that carry file
// contents produce long lines.
const maxEventLine = 1024 * 1024

// DefaultStopGrace is how long Stop waits after SIGTERM before
// sending SIGKILL.
const DefaultStopGrace = 5 * time.Second

var _ Driver = (*ClaudeDriver)(nil)

// ClaudeDriver starts Claude Code in stream-json print mode.
type ClaudeDriver struct {
	// Binary is the claude executable. Empty means "claude" on PATH.
	Binary string

	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string

	// Env is added to the inherited environment, as "KEY=VALUE".
	Env []string

	// TranscriptDir, when set, receives a zstd-compressed JSONL copy
	// of every session's events at <TranscriptDir>/<session>.jsonl.zst.
	TranscriptDir string

	// StopGrace overrides DefaultStopGrace.
	StopGrace time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Arguments returns the command line for config, without the binary.
func (d *ClaudeDriver) Arguments(config Config) []string {
	arguments := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if config.SessionID != "" {
		arguments = append(arguments, "--session-id", config.SessionID)
	}
	if config.PermissionMode != "" {
		arguments = append(arguments, "--permission-mode", config.PermissionMode)
	}
	if config.Model != "" {
		arguments = append(arguments, "--model", config.Model)
	}
	return append(arguments, d.ExtraArgs...)
}

func (d *ClaudeDriver) Start(ctx context.Context, config Config) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary := d.Binary
	if binary == "" {
		binary = "claude"
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("session_id", config.SessionID)
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	grace := d.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	// The process outlives the request that spawned it, so it is not
	// bound to ctx.
	command := exec.Command(binary, d.Arguments(config)...)
	command.Dir = config.Directory
	command.Env = append(os.Environ(), d.Env...)
	// Own process group, so Stop reaches the agent's children too.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	var transcript *TranscriptWriter
	if d.TranscriptDir != "" && config.SessionID != "" {
		transcript, err = CreateTranscript(filepath.Join(d.TranscriptDir, config.SessionID+TranscriptExtension))
		if err != nil {
			stdin.Close()
			return nil, err
		}
	}

	if err := command.Start(); err != nil {
		stdin.Close()
		if transcript != nil {
			transcript.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	process := &claudeProcess{
		command:    command,
		stdin:      stdin,
		events:     make(chan json.RawMessage, 64),
		done:       make(chan struct{}),
		transcript: transcript,
		clock:      clk,
		grace:      grace,
		logger:     logger,
	}
	logger.Info("agent started", "pid", command.Process.Pid, "directory", config.Directory)
	go process.run(stdout, stderr)
	return process, nil
}

type claudeProcess struct {
	command    *exec.Cmd
	stdin      io.WriteCloser
	events     chan json.RawMessage
	done       chan struct{}
	transcript *TranscriptWriter
	clock      clock.Clock
	grace      time.Duration
	logger     *slog.Logger

	inputMu     sync.Mutex
	inputClosed bool

	stopOnce sync.Once
	err      error
}

func (p *claudeProcess) Pid() int                       { return p.command.Process.Pid }
func (p *claudeProcess) Events() <-chan json.RawMessage { return p.events }
func (p *claudeProcess) Done() <-chan struct{}          { return p.done }

// Err is only meaningful after Done.
func (p *claudeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// userMessage is the stream-json input event for one user turn.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []textContent `json:"content"`
	} `json:"message"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// encodeUserMessage renders text as one stream-json input line.
func encodeUserMessage(text string) ([]byte, error) {
	var message userMessage
	message.Type = "user"
	message.Message.Role = "user"
	message.Message.Content = []textContent{{Type: "text", Text: text}}
	line, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func (p *claudeProcess) Send(text string) error {
	line, err := encodeUserMessage(text)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}

	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if p.inputClosed {
		return ErrInputClosed
	}
	if _, err := p.stdin.Write(line); err != nil {
		p.inputClosed = true
		p.stdin.Close()
		return fmt.Errorf("%w: %v", ErrInputClosed, err)
	}
	return nil
}

func (p *claudeProcess) closeInput() {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if !p.inputClosed {
		p.inputClosed = true
		p.stdin.Close()
	}
}

func (p *claudeProcess) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.closeInput()
		err = p.signal(unix.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-p.clock.After(p.grace):
				p.logger.Warn("agent ignored SIGTERM, killing", "grace", p.grace)
				p.signal(unix.SIGKILL)
			}
		}()
	})
	return err
}

// signal delivers sig to the process group. A group that is already
// gone is not an error.
func (p *claudeProcess) signal(sig unix.Signal) error {
	err := unix.Kill(-p.command.Process.Pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling agent: %w", err)
	}
	return nil
}

func (p *claudeProcess) run(stdout, stderr io.Reader) {
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()

	p.readEvents(stdout)
	close(p.events)
	readers.Wait()

	err := p.command.Wait()
	p.closeInput()
	if p.transcript != nil {
		if closeErr := p.transcript.Close(); closeErr != nil {
			p.logger.Warn("closing transcript", "error", closeErr)
		}
	}
	p.err = err
	p.logger.Info("agent exited", "error", err)
	close(p.done)
}

func (p *claudeProcess) readEvents(stdout io.Reader) {
	err := readLines(stdout, maxEventLine, func(line []byte) {
		p.emit(parseEventLine(line))
	}, func(size int) {
		p.logger.Warn("agent output line too long", "bytes", size, "limit", maxEventLine)
		p.emit(oversizedEvent(size))
	})
	if err != nil {
		p.logger.Warn("reading agent output", "error", err)
		// Keep draining so the process does not block on a full pipe.
		io.Copy(io.Discard, stdout)
	}
}

func (p *claudeProcess) emit(event json.RawMessage) {
	if event == nil {
		return
	}
	if p.transcript != nil {
		if err := p.transcript.Write(event); err != nil {
			p.logger.Warn("writing transcript", "error", err)
		}
	}
	p.events <- event
}

// readLines calls line for each newline-terminated line of reader, without
// the terminator. A line longer than limit is skipped through its newline
// and reported to oversized with its length. It returns nil at EOF.
func readLines(reader io.Reader, limit int, line func([]byte), oversized func(size int)) error {
	buffered := bufio.NewReaderSize(reader, 64*1024)
	var pending []byte
	size := 0
	discarding := false
	for {
		chunk, err := buffered.ReadSlice('\n')
		partial := errors.Is(err, bufio.ErrBufferFull)
		atEOF := errors.Is(err, io.EOF)
		if err != nil && !partial && !atEOF {
			return err
		}

		size += len(chunk)
		if !discarding {
			if size > limit+1 {
				discarding = true
				pending = pending[:0]
			} else {
				pending = append(pending, chunk...)
			}
		}
		if partial {
			continue
		}

		length := size
		if length > 0 && !atEOF {
			length--
		}
		switch {
		case discarding || length > limit:
			oversized(length)
		case size > 0:
			line(bytes.TrimSuffix(pending[:length], []byte("\r")))
		}
		pending = pending[:0]
		size = 0
		discarding = false
		if atEOF {
			return nil
		}
	}
}

// oversizedEvent marks a stdout line that was dropped for its length.
func oversizedEvent(size int) json.RawMessage {
	marker, _ := json.Marshal(map[string]any{"type": "stdout", "error": "line too long", "bytes": size})
	return marker
}

// parseEventLine returns the event on one stdout line. A line that is
// not a JSON object is wrapped as {"type":"stdout","text":...} so it
// still reaches the client. Blank lines yield nil.
func parseEventLine(line []byte) json.RawMessage {
	if len(line) == 0 {
		return nil
	}
	var object map[string]json.RawMessage
	if json.Unmarshal(line, &object) == nil {
		return json.RawMessage(append([]byte(nil), line...))
	}
	wrapped, _ := json.Marshal(map[string]string{"type": "stdout", "text": string(line)})
	return wrapped
}

func (p *claudeProcess) logStderr(stderr io.Reader) {
	err := readLines(stderr, maxEventLine, func(line []byte) {
		p.logger.Debug("agent stderr", "line", string(line))
	}, func(size int) {
		p.logger.Debug("agent stderr line too long", "bytes", size)
	})
	if err != nil {
		io.Copy(io.Discard, stderr)
	}
}
