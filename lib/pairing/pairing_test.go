// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func testDescriptor(t *testing.T) Descriptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return Descriptor{
		V:            Version,
		DHTPublicKey: "host.example:7420",
		DataKey:      key,
		Metadata: Metadata{
			Host:      "workstation",
			Platform:  "linux",
			CreatedAt: 1760000000000,
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	want := testDescriptor(t)
	encoded, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode("  " + encoded + "\n")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.DHTPublicKey != want.DHTPublicKey {
		t.Errorf("DHTPublicKey = %q, want %q", got.DHTPublicKey, want.DHTPublicKey)
	}
	if !bytes.Equal(got.DataKey, want.DataKey) {
		t.Error("DataKey changed across encode/decode")
	}
	if got.Metadata != want.Metadata {
		t.Errorf("Metadata = %+v, want %+v", got.Metadata, want.Metadata)
	}
}

func TestEncode_WireShape(t *testing.T) {
	t.Parallel()

	descriptor := testDescriptor(t)
	encoded, err := descriptor.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("descriptor is not standard base64: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("descriptor payload is not JSON: %v", err)
	}
	for _, name := range []string{"v", "dhtPublicKey", "dataKey", "metadata"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("payload missing %q: %s", name, raw)
		}
	}
	metadata := fields["metadata"].(map[string]any)
	if _, ok := metadata["rootDir"]; ok {
		t.Errorf("empty rootDir should be omitted: %s", raw)
	}
	if key, _ := fields["dataKey"].(string); key != base64.StdEncoding.EncodeToString(descriptor.DataKey) {
		t.Errorf("dataKey = %q, want standard base64 of the key", key)
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()

	encodeRaw := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.StdEncoding.EncodeToString(data)
	}
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		encoded string
	}{
		{"not base64", "%%%"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("nope"))},
		{"wrong version", encodeRaw(map[string]any{"v": 2, "dhtPublicKey": "peer", "dataKey": key})},
		{"short key", encodeRaw(map[string]any{"v": 1, "dhtPublicKey": "peer", "dataKey": "AAAA"})},
		{"missing peer", encodeRaw(map[string]any{"v": 1, "dhtPublicKey": " ", "dataKey": key})},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(test.encoded)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Decode: got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	t.Parallel()

	descriptor := testDescriptor(t)
	descriptor.DataKey = descriptor.DataKey[:16]
	if _, err := descriptor.Encode(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Encode: got %v, want ErrInvalid", err)
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	t.Parallel()

	first, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	second, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 32 {
		t.Errorf("key length = %d, want 32", len(first))
	}
	if bytes.Equal(first, second) {
		t.Error("two generated keys are identical")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	first := Fingerprint(key)
	if len(first) != 19 || strings.Count(first, ":") != 3 {
		t.Errorf("Fingerprint = %q, want four 4-digit hex groups", first)
	}
	if Fingerprint(key) != first {
		t.Error("Fingerprint is not deterministic")
	}
	key[0] = 1
	if Fingerprint(key) == first {
		t.Error("different keys produced the same fingerprint")
	}
}

func TestQR(t *testing.T) {
	t.Parallel()

	rendered, err := QR(testDescriptor(t))
	if err != nil {
		t.Fatalf("QR: %v", err)
	}
	if strings.Count(rendered, "\n") < 10 {
		t.Errorf("QR output has too few rows:\n%s", rendered)
	}
}
