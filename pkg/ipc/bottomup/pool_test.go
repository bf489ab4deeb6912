// Copyright 2025 Certen Protocol

package bottomup

import "testing"

func TestDueAtRespectsCheckPeriod(t *testing.T) {
	p := NewPool(100)
	if p.DueAt(50) {
		t.Fatalf("expected no checkpoint due before the check period elapses")
	}
	if !p.DueAt(100) {
		t.Fatalf("expected a checkpoint due once the check period elapses")
	}
}

func TestMarkCheckpointCutResetsDueWindow(t *testing.T) {
	p := NewPool(100)
	p.MarkCheckpointCut(100)
	if p.DueAt(150) {
		t.Fatalf("expected no checkpoint due only 50 blocks after the last cut")
	}
	if !p.DueAt(200) {
		t.Fatalf("expected a checkpoint due a full period after the last cut")
	}
}

func TestAddAndGet(t *testing.T) {
	p := NewPool(100)
	e := NewEnvelope(testCheckpoint(), []string{"cid-1"})
	p.Add(e)

	got, ok := p.Get(e.ID)
	if !ok || got != e {
		t.Fatalf("expected to retrieve the added envelope by ID")
	}
	if p.Len() != 1 {
		t.Fatalf("expected pool length 1, got %d", p.Len())
	}
}

func TestResolveCIDResolvesMatchingEnvelopes(t *testing.T) {
	p := NewPool(100)
	eA := NewEnvelope(testCheckpoint(), []string{"cid-1"})
	eB := NewEnvelope(testCheckpoint(), []string{"cid-1", "cid-2"})
	p.Add(eA)
	p.Add(eB)

	resolved := p.ResolveCID("cid-1")
	if len(resolved) != 1 || resolved[0] != eA.ID {
		t.Fatalf("expected only eA fully resolved by cid-1, got %v", resolved)
	}
	if eB.Resolved {
		t.Fatalf("expected eB to remain unresolved, still awaiting cid-2")
	}

	resolved = p.ResolveCID("cid-2")
	if len(resolved) != 1 || resolved[0] != eB.ID {
		t.Fatalf("expected eB fully resolved by cid-2, got %v", resolved)
	}
}

func TestResolvedIDsAndRemove(t *testing.T) {
	p := NewPool(100)
	e := NewEnvelope(testCheckpoint(), nil) // resolved immediately
	p.Add(e)

	ids := p.ResolvedIDs()
	if len(ids) != 1 || ids[0] != e.ID {
		t.Fatalf("expected one resolved ID, got %v", ids)
	}

	p.Remove(e.ID)
	if _, ok := p.Get(e.ID); ok {
		t.Fatalf("expected envelope removed from pool")
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty pool after remove, got len %d", p.Len())
	}
}

func TestDescribePendingCountsUnresolvedOnly(t *testing.T) {
	p := NewPool(100)
	p.Add(NewEnvelope(testCheckpoint(), nil))
	p.Add(NewEnvelope(testCheckpoint(), []string{"cid-1"}))

	summary := p.DescribePending()
	if summary != "1/2 envelopes pending resolution" {
		t.Fatalf("unexpected summary: %q", summary)
	}
}
