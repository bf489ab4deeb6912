// Copyright 2025 Certen Protocol

package kvdb

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
)

func TestAdapterSetGetHasDelete(t *testing.T) {
	a := NewKVAdapter(dbm.NewMemDB())

	if ok, err := a.Has([]byte("k")); err != nil || ok {
		t.Fatalf("expected key absent before Set, got ok=%v err=%v", ok, err)
	}

	if err := a.Set([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := a.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	if ok, err := a.Has([]byte("k")); err != nil || !ok {
		t.Fatalf("expected key present after Set, got ok=%v err=%v", ok, err)
	}

	if err := a.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = a.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}
}

func TestAdapterOnNilDBIsANoOp(t *testing.T) {
	a := NewKVAdapter(nil)

	if got, err := a.Get([]byte("k")); err != nil || got != nil {
		t.Fatalf("expected (nil, nil) on a nil-backed adapter, got (%v, %v)", got, err)
	}
	if ok, err := a.Has([]byte("k")); err != nil || ok {
		t.Fatalf("expected (false, nil) on a nil-backed adapter, got (%v, %v)", ok, err)
	}
	if err := a.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("expected Set on a nil-backed adapter to be a no-op, got %v", err)
	}
	if err := a.Delete([]byte("k")); err != nil {
		t.Fatalf("expected Delete on a nil-backed adapter to be a no-op, got %v", err)
	}
}

func TestBatchWriteCommitsAtomically(t *testing.T) {
	db := dbm.NewMemDB()
	a := NewKVAdapter(db)

	b := a.NewBatch()
	if err := b.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("batch set a: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("batch set b: %v", err)
	}
	if err := b.Write(); err != nil {
		t.Fatalf("batch write: %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		got, err := a.Get([]byte(k))
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if string(got) != want {
			t.Fatalf("expected %q=%q, got %q", k, want, got)
		}
	}
}

func TestBatchDeleteStagesRemoval(t *testing.T) {
	a := NewKVAdapter(dbm.NewMemDB())
	if err := a.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	b := a.NewBatch()
	if err := b.Delete([]byte("k")); err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if err := b.Write(); err != nil {
		t.Fatalf("batch write: %v", err)
	}

	got, err := a.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected key removed after batch write, got %q", got)
	}
}
