// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// TranscriptExtension is the file suffix of session transcripts.
const TranscriptExtension = ".jsonl.zst"

// TranscriptWriter appends events as zstd-compressed JSONL. It is safe
// for concurrent use.
type TranscriptWriter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	closed  bool
}

// CreateTranscript creates (or truncates) the transcript at path.
func CreateTranscript(path string) (*TranscriptWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating transcript %q: %w", path, err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating transcript encoder: %w", err)
	}
	return &TranscriptWriter{file: file, encoder: encoder}, nil
}

// Write appends one event line. Events reach the file when the current
// zstd block fills or on Close.
func (w *TranscriptWriter) Write(event json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.encoder.Write(event); err != nil {
		return err
	}
	_, err := w.encoder.Write([]byte{'\n'})
	return err
}

// Close finishes the zstd frame and closes the file. It is idempotent.
func (w *TranscriptWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.encoder.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("finishing transcript: %w", err)
	}
	return w.file.Close()
}

// ReadTranscript returns the events stored at path, in order.
func ReadTranscript(path string) ([]json.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %q: %w", path, err)
	}
	defer decoder.Close()

	var events []json.RawMessage
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		events = append(events, json.RawMessage(append([]byte(nil), scanner.Bytes()...)))
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("reading transcript %q: %w", path, err)
	}
	return events, nil
}
