// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame splits a byte stream into newline-delimited JSON values
// and writes values back the same way.
//
// The reading side is tolerant: a line that does not parse as JSON is
// counted and dropped, and the next line is processed normally. The
// writing side serializes concurrent writers so that each value
// reaches the stream as one contiguous, newline-terminated write.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Decoder accumulates chunks and yields complete lines as JSON values.
// The accumulator is unbounded: a partial line is held until its
// newline arrives. A Decoder is not safe for concurrent use.
type Decoder struct {
	pending []byte
	dropped int

	// OnMalformed, if set, is called with each line that failed to
	// parse and the parse error.
	OnMalformed func(line []byte, err error)
}

// Feed consumes the next chunk of the stream and returns the values
// completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.pending = append(d.pending, chunk...)

	var values []json.RawMessage
	consumed := false
	for {
		newline := bytes.IndexByte(d.pending, '\n')
		if newline < 0 {
			break
		}
		line := bytes.TrimSpace(d.pending[:newline])
		d.pending = d.pending[newline+1:]
		consumed = true
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			d.dropped++
			if d.OnMalformed != nil {
				d.OnMalformed(bytes.Clone(line), errMalformed)
			}
			continue
		}
		values = append(values, json.RawMessage(bytes.Clone(line)))
	}

	// Drop the consumed prefix so the backing array does not grow
	// with the life of the stream.
	if consumed {
		d.pending = bytes.Clone(d.pending)
	}
	return values
}

// Buffered returns the number of bytes held waiting for a newline.
func (d *Decoder) Buffered() int { return len(d.pending) }

// Dropped returns the number of malformed lines discarded so far.
func (d *Decoder) Dropped() int { return d.dropped }

var errMalformed = errors.New("line is not valid JSON")

// readChunkSize is the read buffer for Reader. Lines longer than this
// simply span several reads.
const readChunkSize = 32 * 1024

// Read consumes reader until it ends, calling handle for every
// value in arrival order. It returns the error that ended the stream;
// io.EOF is returned as nil. A trailing partial line at EOF is
// discarded.
func Read(reader io.Reader, decoder *Decoder, handle func(json.RawMessage)) error {
	if decoder == nil {
		decoder = &Decoder{}
	}
	buffer := make([]byte, readChunkSize)
	for {
		count, err := reader.Read(buffer)
		if count > 0 {
			for _, value := range decoder.Feed(buffer[:count]) {
				handle(value)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Writer writes one JSON value per line. It is safe for concurrent
// use; each Write issues exactly one Write on the underlying stream.
type Writer struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// Write marshals value and writes it followed by a newline.
func (w *Writer) Write(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("frame: encoding value: %w", err)
	}
	// json.Marshal never emits a raw newline, so the line is intact.
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("frame: writing line: %w", err)
	}
	return nil
}
