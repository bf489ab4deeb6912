// Copyright 2025 Certen Protocol

package topdown

import "testing"

func block(height uint64, hash byte) ParentBlock {
	b := ParentBlock{Height: height}
	b.BlockHash[0] = hash
	return b
}

func TestCandidateHeightRespectsProposalDelay(t *testing.T) {
	p := NewProvider(100, 5)
	p.Ingest(block(1, 0x01))

	if _, ok := p.CandidateHeight(4); ok {
		t.Fatalf("expected no candidate when current parent height is within the proposal delay")
	}
	if height, ok := p.CandidateHeight(6); !ok || height != 1 {
		t.Fatalf("expected candidate height 1, got %d ok=%v", height, ok)
	}
}

func TestCandidateHeightRequiresCachedBlock(t *testing.T) {
	p := NewProvider(100, 0)
	if _, ok := p.CandidateHeight(10); ok {
		t.Fatalf("expected no candidate with nothing ingested")
	}
}

func TestCandidateHeightBoundedByMaxProposalRange(t *testing.T) {
	p := NewProvider(2, 0)
	p.Ingest(block(5, 0x01))

	// lastFinalized starts at 0, maxProposalRange=2 clamps next to 2, but
	// nothing is cached at height 2 so no candidate yet.
	if _, ok := p.CandidateHeight(100); ok {
		t.Fatalf("expected no candidate: height 2 not cached")
	}
}

func TestCheckLocalMatchesCachedHash(t *testing.T) {
	p := NewProvider(100, 0)
	b := block(7, 0xAB)
	p.Ingest(b)

	if !p.CheckLocal(7, b.BlockHash) {
		t.Fatalf("expected CheckLocal to match the ingested hash")
	}
	var wrong [32]byte
	wrong[0] = 0xFF
	if p.CheckLocal(7, wrong) {
		t.Fatalf("expected CheckLocal to reject a mismatched hash")
	}
	if p.CheckLocal(8, b.BlockHash) {
		t.Fatalf("expected CheckLocal to reject an unobserved height")
	}
}

func TestChangesAndMessagesInRangeCollectsAcrossHeights(t *testing.T) {
	p := NewProvider(100, 0)
	p.Ingest(ParentBlock{
		Height:   1,
		Changes:  []ValidatorChange{{Height: 1, Validator: "val-a", NewPower: 10}},
		Messages: []CrossMessage{{Height: 1, Data: []byte("m1")}},
	})
	p.Ingest(ParentBlock{
		Height:   2,
		Changes:  []ValidatorChange{{Height: 2, Validator: "val-b", NewPower: 20}},
		Messages: []CrossMessage{{Height: 2, Data: []byte("m2")}},
	})

	changes, msgs := p.ChangesAndMessagesInRange(0, 2)
	if len(changes) != 2 || len(msgs) != 2 {
		t.Fatalf("expected 2 changes and 2 messages, got %d/%d", len(changes), len(msgs))
	}
}

func TestCommitFinalityAdvancesAndEvicts(t *testing.T) {
	p := NewProvider(100, 0)
	p.Ingest(block(1, 0x01))
	p.Ingest(block(2, 0x02))

	p.CommitFinality(2)
	if p.LastFinalized() != 2 {
		t.Fatalf("expected LastFinalized 2, got %d", p.LastFinalized())
	}
	if _, ok := p.blocks[1]; ok {
		t.Fatalf("expected height 1 evicted after commit")
	}
	if _, ok := p.blocks[2]; !ok {
		t.Fatalf("expected the committed tip to remain cached for deferred execution")
	}
}
