// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package change

import "testing"

func TestEncodeIsStableAcrossClockOrder(t *testing.T) {
	first := Change{RowID: "r1", Clock: Clock{"a": 1, "b": 2}, Payload: []byte("x")}
	second := Change{RowID: "r1", Clock: Clock{"b": 2, "a": 1}, Payload: []byte("x")}

	firstEncoded, err := first.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	secondEncoded, err := second.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if HashEncoded(firstEncoded) != HashEncoded(secondEncoded) {
		t.Fatal("hash depends on clock map order")
	}
}

func TestDecode(t *testing.T) {
	original := Change{RowID: "row-7", Clock: Clock{"a": 4}, Payload: []byte("payload")}
	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.RowID != original.RowID || decoded.Clock["a"] != 4 || string(decoded.Payload) != "payload" {
		t.Errorf("Decode = %+v, want %+v", decoded, original)
	}
}

func TestDecodeRejectsEmptyRow(t *testing.T) {
	encoded, err := Change{Clock: Clock{"a": 1}}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded); err == nil {
		t.Fatal("Decode accepted a change with no row id")
	}
}

func TestHashDiffersByPayload(t *testing.T) {
	first, _ := Change{RowID: "r", Clock: Clock{"a": 1}, Payload: []byte("one")}.Encode()
	second, _ := Change{RowID: "r", Clock: Clock{"a": 1}, Payload: []byte("two")}.Encode()
	if HashEncoded(first) == HashEncoded(second) {
		t.Fatal("different payloads produced the same hash")
	}
}

func TestParseHash(t *testing.T) {
	encoded, _ := Change{RowID: "r", Clock: Clock{"a": 1}}.Encode()
	hash := HashEncoded(encoded)

	parsed, err := ParseHash(hash.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != hash {
		t.Errorf("ParseHash(%s) = %s", hash, parsed)
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Error("ParseHash accepted a short digest")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Error("ParseHash accepted non-hex input")
	}
}
