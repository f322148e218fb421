// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"sync"
)

// DefaultOutputCapacity is the per-session output buffer capacity.
const DefaultOutputCapacity = 1000

// Output is one agent event with the time it was received, in Unix
// milliseconds.
type Output struct {
	Event     json.RawMessage `json:"event"`
	Timestamp int64           `json:"timestamp"`
}

// OutputBuffer holds a session's undelivered output. When an append
// takes it past capacity, the oldest entries are discarded so that
// only the newest capacity/2 remain. Append and Snapshot share one
// lock, so an append lands entirely before or entirely after any
// snapshot.
type OutputBuffer struct {
	mu       sync.Mutex
	entries  []Output
	capacity int
}

// NewOutputBuffer returns an empty buffer. A capacity below 2 uses
// DefaultOutputCapacity.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 2 {
		capacity = DefaultOutputCapacity
	}
	return &OutputBuffer{capacity: capacity}
}

// Append adds output, evicting the oldest half when full.
func (b *OutputBuffer) Append(output Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, output)
	if len(b.entries) > b.capacity {
		keep := b.capacity / 2
		retained := make([]Output, keep, b.capacity)
		copy(retained, b.entries[len(b.entries)-keep:])
		b.entries = retained
	}
}

// Snapshot returns the buffered output in order. With clear it also
// empties the buffer, so sequential clearing snapshots never return an
// entry twice. The result is never nil.
func (b *OutputBuffer) Snapshot(clear bool) []Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	if clear {
		entries := b.entries
		b.entries = nil
		if entries == nil {
			entries = []Output{}
		}
		return entries
	}
	return append([]Output{}, b.entries...)
}

// Len returns the number of buffered entries.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
