// Copyright 2025 Certen Protocol

package interpreter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/certen/ipc-fendermint/pkg/exec"
	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/staking"
	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
	"github.com/ipfs/go-cid"
)

type acceptAllSigner struct{}

func (acceptAllSigner) Verify(SignedMessage) error { return nil }

var errTestSignature = errors.New("signature rejected")

type rejectSigner struct{}

func (rejectSigner) Verify(SignedMessage) error { return errTestSignature }

// eventCollaborator returns a fixed ApplyResult carrying events, letting
// tests drive the staking-event-folding path without a real FVM.
type eventCollaborator struct {
	events []exec.Event
	err    error
}

func (c eventCollaborator) Apply(ctx context.Context, root cid.Cid, meta exec.BlockMeta, msg []byte) (exec.ApplyResult, error) {
	if c.err != nil {
		return exec.ApplyResult{}, c.err
	}
	return exec.ApplyResult{Events: c.events}, nil
}

func newTestStack(collab exec.Collaborator, signer Signer) (*Stack, *staking.Machine) {
	stakingMachine := staking.NewMachine(big.NewInt(1000), 1, 10, 100)
	pool := bottomup.NewPool(100)
	tally := topdown.NewTally(map[string]*big.Int{}, big.NewInt(67))
	provider := topdown.NewProvider(100, 0)
	return NewStack(signer, collab, pool, tally, provider, stakingMachine), stakingMachine
}

func TestDeliverSignedAppliesStakingEventsOnDeliver(t *testing.T) {
	collab := eventCollaborator{events: []exec.Event{
		{Type: "staking.join", Attributes: map[string]string{"validator": "val-a", "amount": "500"}},
	}}
	stack, machine := newTestStack(collab, acceptAllSigner{})

	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}
	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got := machine.Current.Collaterals["val-a"]; got == nil || got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected staking event folded into machine, got %v", got)
	}
}

func TestDeliverSignedDoesNotApplyStakingEventsOnCheck(t *testing.T) {
	collab := eventCollaborator{events: []exec.Event{
		{Type: "staking.join", Attributes: map[string]string{"validator": "val-a", "amount": "500"}},
	}}
	stack, machine := newTestStack(collab, acceptAllSigner{})

	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}
	if _, err := stack.Deliver(context.Background(), EntryCheck, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if _, ok := machine.Current.Collaterals["val-a"]; ok {
		t.Fatalf("expected check_tx entry point to never mutate staking state")
	}
}

func TestDeliverSignedRejectsInvalidSignature(t *testing.T) {
	stack, _ := newTestStack(eventCollaborator{}, rejectSigner{})
	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}

	_, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm)
	if err == nil {
		t.Fatalf("expected an error for a rejected signature")
	}
}

func TestDeliverDropsMalformedStakingEvent(t *testing.T) {
	collab := eventCollaborator{events: []exec.Event{
		{Type: "staking.join", Attributes: map[string]string{"validator": "", "amount": "500"}},
		{Type: "staking.join", Attributes: map[string]string{"validator": "val-a", "amount": "not-a-number"}},
	}}
	stack, machine := newTestStack(collab, acceptAllSigner{})
	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}

	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(machine.Current.Collaterals) != 0 {
		t.Fatalf("expected malformed staking events to be dropped, got %v", machine.Current.Collaterals)
	}
}

func TestDeliverIgnoresUnrecognizedEventType(t *testing.T) {
	collab := eventCollaborator{events: []exec.Event{
		{Type: "transfer", Attributes: map[string]string{"validator": "val-a", "amount": "500"}},
	}}
	stack, machine := newTestStack(collab, acceptAllSigner{})
	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}

	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(machine.Current.Collaterals) != 0 {
		t.Fatalf("expected a non-staking event type to be ignored, got %v", machine.Current.Collaterals)
	}
}

func TestDeliverBottomUpExecFoldsStakingEvents(t *testing.T) {
	collab := eventCollaborator{events: []exec.Event{
		{Type: "staking.stake", Attributes: map[string]string{"validator": "val-a", "amount": "200"}},
	}}
	stack, machine := newTestStack(collab, acceptAllSigner{})
	machine.Current.Set("val-a", big.NewInt(100))

	cp := bottomup.BottomUpCheckpoint{BlockHeight: 1}
	cm := ChainMessage{Kind: KindIPC, IPC: &IPCMessage{Variant: VariantBottomUpExec, Checkpoint: &cp}}

	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := machine.Current.Collaterals["val-a"]; got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected stake event folded onto existing balance, got %s", got)
	}
}

func TestStakingReturnsNilWhenNoneWired(t *testing.T) {
	pool := bottomup.NewPool(100)
	tally := topdown.NewTally(map[string]*big.Int{}, big.NewInt(67))
	provider := topdown.NewProvider(100, 0)
	stack := NewStack(acceptAllSigner{}, eventCollaborator{}, pool, tally, provider, nil)

	if stack.Staking() != nil {
		t.Fatalf("expected Staking() to return nil when no machine was wired")
	}

	// Deliver must not panic when staking is nil, even with staking-shaped events.
	collab := eventCollaborator{events: []exec.Event{
		{Type: "staking.join", Attributes: map[string]string{"validator": "val-a", "amount": "500"}},
	}}
	stack = NewStack(acceptAllSigner{}, collab, pool, tally, provider, nil)
	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: []byte("msg")}}
	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("deliver with nil staking machine: %v", err)
	}
}

func TestCheckSequenceBuffersAheadWithinGap(t *testing.T) {
	stack, _ := newTestStack(eventCollaborator{}, acceptAllSigner{})
	sender := []byte("addr-1")

	// Expected nonce starts at 0; a check_tx 3 ahead is admitted for
	// mempool buffering, one past the gap is not.
	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{From: sender, Nonce: 3, Message: []byte("m")}}
	if _, err := stack.Deliver(context.Background(), EntryCheck, cid.Undef, exec.BlockMeta{}, cm); err != nil {
		t.Fatalf("check within gap: %v", err)
	}

	cm.Signed.Nonce = DefaultMaxNonceGap + 1
	_, err := stack.Deliver(context.Background(), EntryCheck, cid.Undef, exec.BlockMeta{}, cm)
	if !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("check past gap: got %v, want ErrOutOfSequence", err)
	}
}

func TestDeliverSequenceIsStrict(t *testing.T) {
	stack, _ := newTestStack(eventCollaborator{}, acceptAllSigner{})
	sender := []byte("addr-1")

	// A delivery ahead of the expected nonce is rejected even within the
	// check_tx buffering gap.
	ahead := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{From: sender, Nonce: 1, Message: []byte("m")}}
	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, ahead); !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("deliver ahead: got %v, want ErrOutOfSequence", err)
	}

	// Nonces 0 then 1 deliver in order; replaying 0 afterwards is behind.
	for nonce := uint64(0); nonce < 2; nonce++ {
		cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{From: sender, Nonce: nonce, Message: []byte("m")}}
		if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
			t.Fatalf("deliver nonce %d: %v", nonce, err)
		}
	}
	replay := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{From: sender, Nonce: 0, Message: []byte("m")}}
	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, replay); !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("replay: got %v, want ErrOutOfSequence", err)
	}
}

func TestFailedDeliveryDoesNotAdvanceSequence(t *testing.T) {
	failing := eventCollaborator{err: errors.New("execution failed")}
	stack, _ := newTestStack(failing, acceptAllSigner{})
	sender := []byte("addr-1")

	cm := ChainMessage{Kind: KindSigned, Signed: &SignedMessage{From: sender, Nonce: 0, Message: []byte("m")}}
	if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err == nil {
		t.Fatal("expected the collaborator error to surface")
	}

	// Nonce 0 is still the expected one.
	if err := stack.checkSequence(EntryDeliver, &SignedMessage{From: sender, Nonce: 0}); err != nil {
		t.Fatalf("nonce advanced despite failed delivery: %v", err)
	}
}

// TestTopDownExecDefersTipToNextRound: committing finality at height H
// executes only up to H-1 and keeps H cached, so the next finality round
// picks up the tip's changes and messages instead of losing them.
func TestTopDownExecDefersTipToNextRound(t *testing.T) {
	pool := bottomup.NewPool(100)
	tally := topdown.NewTally(map[string]*big.Int{}, big.NewInt(67))
	provider := topdown.NewProvider(100, 0)
	stack := NewStack(acceptAllSigner{}, eventCollaborator{}, pool, tally, provider, nil)

	for h := uint64(1); h <= 3; h++ {
		var b topdown.ParentBlock
		b.Height = h
		b.BlockHash[0] = byte(h)
		b.Messages = []topdown.CrossMessage{{Height: h, Data: []byte{byte(h)}}}
		provider.Ingest(b)
	}

	deliver := func(height uint64) {
		t.Helper()
		f := &ParentFinalityMsg{Height: height}
		f.BlockHash[0] = byte(height)
		cm := ChainMessage{Kind: KindIPC, IPC: &IPCMessage{Variant: VariantTopDownExec, ParentFinality: f}}
		if _, err := stack.Deliver(context.Background(), EntryDeliver, cid.Undef, exec.BlockMeta{}, cm); err != nil {
			t.Fatalf("deliver finality %d: %v", height, err)
		}
	}

	deliver(2)
	if provider.LastFinalized() != 2 {
		t.Fatalf("expected LastFinalized 2, got %d", provider.LastFinalized())
	}
	if _, cached := provider.BlockHash(1); cached {
		t.Fatal("expected height 1 evicted after committing finality 2")
	}
	if _, cached := provider.BlockHash(2); !cached {
		t.Fatal("expected the committed tip to stay cached for the next round")
	}

	// The next round's interval [2, 2] picks up the deferred tip.
	changes, msgs := provider.ChangesAndMessagesInRange(1, 2)
	if len(changes) != 0 || len(msgs) != 1 || msgs[0].Height != 2 {
		t.Fatalf("expected the deferred height-2 message to still be fetchable, got %d/%d", len(changes), len(msgs))
	}

	deliver(3)
	if _, cached := provider.BlockHash(2); cached {
		t.Fatal("expected height 2 evicted once finality 3 committed")
	}
	if _, cached := provider.BlockHash(3); !cached {
		t.Fatal("expected the new tip to stay cached")
	}
}
