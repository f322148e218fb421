// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
)

func TestTranscriptRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "session"+TranscriptExtension)
	writer, err := CreateTranscript(path)
	if err != nil {
		t.Fatalf("CreateTranscript: %v", err)
	}
	for index := range 300 {
		event := json.RawMessage(fmt.Sprintf(`{"type":"assistant","index":%d}`, index))
		if err := writer.Write(event); err != nil {
			t.Fatalf("Write %d: %v", index, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := writer.Write(json.RawMessage(`{}`)); err == nil {
		t.Error("Write after Close succeeded")
	}

	events, err := ReadTranscript(path)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(events) != 300 {
		t.Fatalf("read %d events, want 300", len(events))
	}
	if got := string(events[299]); got != `{"type":"assistant","index":299}` {
		t.Errorf("last event = %s", got)
	}
}
