// Copyright 2025 Certen Protocol

package commitment

import "testing"

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := CanonicalizeJSON([]byte(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected key order not to affect canonical output: %s vs %s", a, b)
	}
}

func TestHashHexDeterministic(t *testing.T) {
	h1 := HashHex([]byte("a"), []byte("b"))
	h2 := HashHex([]byte("a"), []byte("b"))
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %s vs %s", h1, h2)
	}
}

func TestHashBytesHasHexPrefix(t *testing.T) {
	h := HashBytes([]byte("payload"))
	if len(h) < 2 || h[:2] != "0x" {
		t.Fatalf("expected 0x-prefixed hex hash, got %s", h)
	}
}

func TestHashCanonicalStableAcrossFieldOrder(t *testing.T) {
	type pair struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	h1, err := HashCanonical(pair{A: 1, B: 2})
	if err != nil {
		t.Fatalf("hash canonical: %v", err)
	}
	h2, err := HashCanonical(map[string]interface{}{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash canonical: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected struct and equivalent map to hash identically, got %s vs %s", h1, h2)
	}
}
