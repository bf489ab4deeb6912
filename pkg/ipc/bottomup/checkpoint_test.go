// Copyright 2025 Certen Protocol

package bottomup

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testCheckpoint() BottomUpCheckpoint {
	return BottomUpCheckpoint{
		Subnet: SubnetID{
			Root:  1,
			Route: []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")},
		},
		BlockHeight:             100,
		BlockHash:               [32]byte{0xAB},
		NextConfigurationNumber: 3,
		Msgs:                    [][]byte{[]byte("msg-1"), []byte("msg-2")},
	}
}

func TestHashIsDeterministic(t *testing.T) {
	cp := testCheckpoint()
	h1, err := cp.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := cp.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash on repeated calls, got %x vs %x", h1, h2)
	}
}

func TestHashChangesWithBlockHeight(t *testing.T) {
	cp := testCheckpoint()
	h1, err := cp.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cp.BlockHeight = 101
	h2, err := cp.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected hash to change when BlockHeight changes")
	}
}

func TestNewEnvelopeResolvedWhenNoCIDs(t *testing.T) {
	e := NewEnvelope(testCheckpoint(), nil)
	if !e.Resolved {
		t.Fatalf("expected an envelope with no message CIDs to start resolved")
	}
}

func TestMarkResolvedTracksRemainingCIDs(t *testing.T) {
	e := NewEnvelope(testCheckpoint(), []string{"cid-1", "cid-2"})
	if e.Resolved {
		t.Fatalf("expected envelope to start unresolved with pending CIDs")
	}

	e.MarkResolved("cid-1")
	if e.Resolved {
		t.Fatalf("expected envelope still unresolved with one CID remaining")
	}
	if len(e.MsgCIDs) != 1 || e.MsgCIDs[0] != "cid-2" {
		t.Fatalf("expected only cid-2 remaining, got %v", e.MsgCIDs)
	}

	e.MarkResolved("cid-2")
	if !e.Resolved {
		t.Fatalf("expected envelope resolved once all CIDs arrive")
	}
}
