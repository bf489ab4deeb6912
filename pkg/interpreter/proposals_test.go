// Copyright 2025 Certen Protocol

package interpreter

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/staking"
	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
)

type fixedParentHeight uint64

func (f fixedParentHeight) LatestParentHeight() uint64 { return uint64(f) }

func parentBlock(height uint64, hashByte byte) topdown.ParentBlock {
	var b topdown.ParentBlock
	b.Height = height
	b.BlockHash[0] = hashByte
	return b
}

func newProposalStack(power map[string]*big.Int, threshold int64) (*Stack, *topdown.Provider, *topdown.Tally, *bottomup.Pool) {
	pool := bottomup.NewPool(100)
	tally := topdown.NewTally(power, big.NewInt(threshold))
	provider := topdown.NewProvider(100, 0)
	machine := staking.NewMachine(big.NewInt(1000), 1, 10, 100)
	stack := NewStack(acceptAllSigner{}, eventCollaborator{}, pool, tally, provider, machine)
	return stack, provider, tally, pool
}

func TestEncodeDecodeIPCRoundTrip(t *testing.T) {
	cp := bottomup.BottomUpCheckpoint{
		BlockHeight:             40,
		NextConfigurationNumber: 3,
		Msgs:                    [][]byte{[]byte("m1"), []byte("m2")},
	}
	cp.BlockHash[0] = 0xAA

	tx, err := EncodeIPC(IPCMessage{Variant: VariantBottomUpExec, Checkpoint: &cp})
	if err != nil {
		t.Fatalf("EncodeIPC: %v", err)
	}
	cm, err := DecodeBytes(tx)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if cm.Kind != KindIPC || cm.IPC.Variant != VariantBottomUpExec {
		t.Fatalf("wrong kind/variant: %+v", cm)
	}
	got := cm.IPC.Checkpoint
	if got == nil || got.BlockHeight != 40 || got.BlockHash != cp.BlockHash || got.NextConfigurationNumber != 3 || len(got.Msgs) != 2 {
		t.Fatalf("checkpoint did not round trip: %+v", got)
	}

	f := &ParentFinalityMsg{Height: 10}
	f.BlockHash[0] = 0x01
	tx, err = EncodeIPC(IPCMessage{Variant: VariantTopDownExec, ParentFinality: f})
	if err != nil {
		t.Fatalf("EncodeIPC finality: %v", err)
	}
	cm, err = DecodeBytes(tx)
	if err != nil {
		t.Fatalf("DecodeBytes finality: %v", err)
	}
	if cm.IPC.ParentFinality == nil || cm.IPC.ParentFinality.Height != 10 || cm.IPC.ParentFinality.BlockHash != f.BlockHash {
		t.Fatalf("finality did not round trip: %+v", cm.IPC.ParentFinality)
	}
}

func TestDecodeBytesRejectsUnknownVariant(t *testing.T) {
	if _, err := DecodeBytes([]byte{tagIPC, 9}); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("unknown variant: got %v, want ErrInvalidEncoding", err)
	}
	if _, err := DecodeBytes([]byte{tagIPC, byte(VariantTopDownExec), 0xFF, 0x00}); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("garbage payload: got %v, want ErrInvalidEncoding", err)
	}
}

// TestPrepareProposalsProposesQuorumFinality: power {A:3, B:2, C:2} with
// threshold 5; A and B vote (10, h1), C votes (10, h2). The quorum at
// height 10 is h1 and prepare_proposal injects TopDownExec(10, h1).
func TestPrepareProposalsProposesQuorumFinality(t *testing.T) {
	power := map[string]*big.Int{"A": big.NewInt(3), "B": big.NewInt(2), "C": big.NewInt(2)}
	stack, provider, tally, _ := newProposalStack(power, 5)
	stack.SetParentHeightSource(fixedParentHeight(10))

	h1 := parentBlock(10, 0x01)
	provider.Ingest(h1)
	tally.SetObserved(10, h1.BlockHash)

	var h2 [32]byte
	h2[0] = 0x02
	for _, v := range []struct {
		who  string
		hash [32]byte
	}{{"A", h1.BlockHash}, {"B", h1.BlockHash}} {
		if err := tally.AddVote(topdown.Vote{Validator: v.who, Height: 10, BlockHash: v.hash}); err != nil {
			t.Fatalf("vote %s: %v", v.who, err)
		}
	}
	// C's vote disagrees with what this node observed and is rejected, so
	// it cannot contribute to any quorum.
	_ = tally.AddVote(topdown.Vote{Validator: "C", Height: 10, BlockHash: h2})

	txs := stack.PrepareProposals(nil, 0)
	if len(txs) != 1 {
		t.Fatalf("expected exactly one injected tx, got %d", len(txs))
	}
	cm, err := DecodeBytes(txs[0])
	if err != nil {
		t.Fatalf("decode injected tx: %v", err)
	}
	f := cm.IPC.ParentFinality
	if cm.IPC.Variant != VariantTopDownExec || f.Height != 10 || f.BlockHash != h1.BlockHash {
		t.Fatalf("expected TopDownExec(10, h1), got variant=%v finality=%+v", cm.IPC.Variant, f)
	}
}

func TestPrepareProposalsSkipsWithoutQuorum(t *testing.T) {
	power := map[string]*big.Int{"A": big.NewInt(3)}
	stack, provider, tally, _ := newProposalStack(power, 5)
	stack.SetParentHeightSource(fixedParentHeight(10))

	b := parentBlock(10, 0x01)
	provider.Ingest(b)
	tally.SetObserved(10, b.BlockHash)
	if err := tally.AddVote(topdown.Vote{Validator: "A", Height: 10, BlockHash: b.BlockHash}); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// A candidate exists but weight 3 < threshold 5: nothing is proposed.
	user := []byte{tagSigned, 'u'}
	txs := stack.PrepareProposals([][]byte{user}, 0)
	if len(txs) != 1 || !bytes.Equal(txs[0], user) {
		t.Fatalf("expected only the user tx to pass through, got %d txs", len(txs))
	}
}

func TestPrepareProposalsInjectsResolvedCheckpoints(t *testing.T) {
	stack, _, _, pool := newProposalStack(map[string]*big.Int{}, 5)

	cp := bottomup.BottomUpCheckpoint{BlockHeight: 50}
	cp.BlockHash[0] = 0xBB
	pool.Add(bottomup.NewEnvelope(cp, nil)) // no CIDs: resolved on arrival
	pending := bottomup.BottomUpCheckpoint{BlockHeight: 60}
	pool.Add(bottomup.NewEnvelope(pending, []string{"cid-1"}))

	txs := stack.PrepareProposals(nil, 0)
	if len(txs) != 1 {
		t.Fatalf("expected one injected checkpoint tx, got %d", len(txs))
	}
	cm, err := DecodeBytes(txs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cm.IPC.Variant != VariantBottomUpExec || cm.IPC.Checkpoint.BlockHeight != 50 {
		t.Fatalf("expected the resolved checkpoint at height 50, got %+v", cm.IPC)
	}
}

func TestPrepareProposalsHonorsMaxBytes(t *testing.T) {
	stack, _, _, _ := newProposalStack(map[string]*big.Int{}, 5)

	small := []byte{tagSigned, 'a'}
	big1 := append([]byte{tagSigned}, make([]byte, 100)...)
	txs := stack.PrepareProposals([][]byte{small, big1}, 10)
	if len(txs) != 1 || !bytes.Equal(txs[0], small) {
		t.Fatalf("expected the oversized tx to be dropped, got %d txs", len(txs))
	}
}

func TestCheckProposalValidatesAgainstLocalState(t *testing.T) {
	stack, provider, _, pool := newProposalStack(map[string]*big.Int{}, 5)

	b := parentBlock(7, 0xAB)
	provider.Ingest(b)

	good := ChainMessage{Kind: KindIPC, IPC: &IPCMessage{Variant: VariantTopDownExec, ParentFinality: &ParentFinalityMsg{Height: 7, BlockHash: b.BlockHash}}}
	if !stack.CheckProposal(good) {
		t.Fatal("expected a locally observed finality to be accepted")
	}
	var wrong [32]byte
	wrong[0] = 0xFF
	bad := ChainMessage{Kind: KindIPC, IPC: &IPCMessage{Variant: VariantTopDownExec, ParentFinality: &ParentFinalityMsg{Height: 7, BlockHash: wrong}}}
	if stack.CheckProposal(bad) {
		t.Fatal("expected a mismatched finality hash to be rejected")
	}

	cp := bottomup.BottomUpCheckpoint{BlockHeight: 50}
	cp.BlockHash[0] = 0xBB
	unresolved := ChainMessage{Kind: KindIPC, IPC: &IPCMessage{Variant: VariantBottomUpExec, Checkpoint: &cp}}
	if stack.CheckProposal(unresolved) {
		t.Fatal("expected an unresolved checkpoint to be rejected")
	}
	pool.Add(bottomup.NewEnvelope(cp, nil))
	if !stack.CheckProposal(unresolved) {
		t.Fatal("expected a resolved checkpoint to be accepted")
	}

	signed := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("m")}}
	if !stack.CheckProposal(signed) {
		t.Fatal("expected a signed user tx to pass the proposal check")
	}
}
