// Copyright 2025 Certen Protocol
//
// IPC Interpreter Stack: a layered message pipeline, Bytes -> Chain ->
// Signed -> Fvm, where each layer validates and strips its own envelope
// before forwarding to the next.

package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/certen/ipc-fendermint/pkg/exec"
	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/staking"
	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
	"github.com/ipfs/go-cid"
)

// Sentinel errors matching the taxonomy in the ABCI driver's error codes.
var (
	ErrInvalidEncoding  = errors.New("interpreter: invalid encoding")
	ErrInvalidSignature = errors.New("interpreter: invalid signature")
	ErrIllegalMessage   = errors.New("interpreter: illegal message for this entry point")
	ErrOutOfSequence    = errors.New("interpreter: nonce out of sequence")
)

// DefaultMaxNonceGap bounds how far ahead of the expected nonce a check_tx
// submission may run and still be admitted for mempool buffering.
const DefaultMaxNonceGap = 10

// ChainMessageKind distinguishes the two top-level message shapes the Bytes
// layer can decode a payload into.
type ChainMessageKind int

const (
	KindSigned ChainMessageKind = iota
	KindIPC
)

// IPCVariant distinguishes the Chain layer's IPC message shapes.
type IPCVariant int

const (
	VariantBottomUpResolve IPCVariant = iota
	VariantBottomUpExec
	VariantTopDownExec
)

// ChainMessage is the decoded result of the Bytes layer.
type ChainMessage struct {
	Kind   ChainMessageKind
	Signed *SignedMessage
	IPC    *IPCMessage
}

// SignedMessage is a user transaction: an FVM message plus a secp256k1
// signature over its canonical hash and the chain ID.
type SignedMessage struct {
	From      []byte
	Nonce     uint64
	Signature []byte
	ChainID   uint64
	Message   []byte // opaque FVM message bytes
}

// IPCMessage is one of the three chain-layer IPC variants.
type IPCMessage struct {
	Variant        IPCVariant
	Checkpoint     *bottomup.BottomUpCheckpoint
	ParentFinality *ParentFinalityMsg
}

// ParentFinalityMsg carries the (height, block_hash) pair a TopDownExec
// commits.
type ParentFinalityMsg struct {
	Height    uint64
	BlockHash [32]byte
}

// EntryPoint distinguishes check_tx (restricted) from finalize_block
// (proposer/validator messages allowed).
type EntryPoint int

const (
	EntryCheck EntryPoint = iota
	EntryDeliver
)

// Signer verifies a SignedMessage's secp256k1 signature against the
// canonical message hash and chain ID. Secp256k1Signer (signer.go) is the
// implementation cmd/fendermint wires; the interface lets tests substitute
// their own verifier.
type Signer interface {
	Verify(msg SignedMessage) error
}

// Stack is the Bytes -> Chain -> Signed -> Fvm pipeline.
type Stack struct {
	signer       Signer
	collaborator exec.Collaborator
	pool         *bottomup.Pool
	tally        *topdown.Tally
	provider     *topdown.Provider
	staking      *staking.Machine
	logger       *log.Logger

	nonceMu     sync.Mutex
	nonces      map[string]uint64 // sender -> next expected nonce
	maxNonceGap uint64

	parentHeight topdown.ParentHeightSource
}

// NewStack wires the interpreter's dependencies. staking may be nil, in
// which case FVM staking events are decoded but silently dropped — useful
// for a read-only/query-path instantiation that never finalizes blocks.
func NewStack(signer Signer, collaborator exec.Collaborator, pool *bottomup.Pool, tally *topdown.Tally, provider *topdown.Provider, stakingMachine *staking.Machine) *Stack {
	return &Stack{
		signer:       signer,
		collaborator: collaborator,
		pool:         pool,
		tally:        tally,
		provider:     provider,
		staking:      stakingMachine,
		logger:       log.New(log.Writer(), "[Interpreter] ", log.LstdFlags),
		nonces:       make(map[string]uint64),
		maxNonceGap:  DefaultMaxNonceGap,
	}
}

// SetMaxNonceGap overrides the check_tx nonce-buffering window.
func (s *Stack) SetMaxNonceGap(gap uint64) {
	s.nonceMu.Lock()
	s.maxNonceGap = gap
	s.nonceMu.Unlock()
}

// checkSequence enforces nonce ordering per sender. Deliveries must carry
// exactly the expected nonce; checks may run ahead by up to maxNonceGap
// (the mempool buffers the gap) but never behind. Messages with no sender
// are exempt: the Signed layer's verifier owns sender recovery and a
// senderless message never reaches execution with a meaningful nonce.
func (s *Stack) checkSequence(entry EntryPoint, msg *SignedMessage) error {
	if len(msg.From) == 0 {
		return nil
	}
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	expected := s.nonces[string(msg.From)]
	switch {
	case msg.Nonce < expected:
		return fmt.Errorf("%w: nonce %d behind expected %d", ErrOutOfSequence, msg.Nonce, expected)
	case msg.Nonce == expected:
		return nil
	case entry == EntryCheck && msg.Nonce-expected <= s.maxNonceGap:
		return nil
	default:
		return fmt.Errorf("%w: nonce %d ahead of expected %d", ErrOutOfSequence, msg.Nonce, expected)
	}
}

// advanceSequence records a successfully delivered nonce.
func (s *Stack) advanceSequence(msg *SignedMessage) {
	if len(msg.From) == 0 {
		return
	}
	s.nonceMu.Lock()
	s.nonces[string(msg.From)] = msg.Nonce + 1
	s.nonceMu.Unlock()
}

// Staking returns the interpreter's staking Machine, or nil if none was
// wired — cmd/fendermint reads this to source the active validator set for
// checkpoint cutting and attestation quorum weight.
func (s *Stack) Staking() *staking.Machine {
	return s.staking
}

// applyStakingEvents folds any gateway staking events the Execution
// Collaborator emitted back into the local staking Machine, so the Machine
// mirrors on-chain gateway state without the interpreter needing to know
// anything about FVM actor/event encoding beyond the event Type tag the
// collaborator already names.
func (s *Stack) applyStakingEvents(events []exec.Event) {
	if s.staking == nil {
		return
	}
	for _, ev := range events {
		kind, ok := stakingEventKind(ev.Type)
		if !ok {
			continue
		}
		validator := ev.Attributes["validator"]
		amountStr := ev.Attributes["amount"]
		amount, parsed := new(big.Int).SetString(amountStr, 10)
		if validator == "" || !parsed {
			s.logger.Printf("⚠️ dropping malformed staking event %q: validator=%q amount=%q", ev.Type, validator, amountStr)
			continue
		}
		if err := s.staking.Apply(validator, kind, amount); err != nil {
			s.logger.Printf("⚠️ staking event %q for %s rejected: %v", ev.Type, validator, err)
		}
	}
}

func stakingEventKind(eventType string) (staking.UpdateKind, bool) {
	switch eventType {
	case "staking.join":
		return staking.Join, true
	case "staking.stake":
		return staking.Stake, true
	case "staking.unstake":
		return staking.Unstake, true
	case "staking.leave":
		return staking.Leave, true
	default:
		return 0, false
	}
}

// DecodeBytes is the Bytes layer: decode raw payload into a ChainMessage.
// A real implementation decodes a length-prefixed/CBOR envelope; this
// models only the validation contract callers depend on.
func DecodeBytes(raw []byte) (ChainMessage, error) {
	if len(raw) == 0 {
		return ChainMessage{}, ErrInvalidEncoding
	}
	// The first byte tags the variant: 0 = Signed, 1 = Ipc. Signed bodies
	// stay opaque to this layer (the Signed layer owns them); IPC bodies
	// carry the canonical-CBOR payload EncodeIPC produces.
	switch raw[0] {
	case tagSigned:
		return ChainMessage{Kind: KindSigned, Signed: &SignedMessage{Message: raw[1:]}}, nil
	case tagIPC:
		if len(raw) < 2 {
			return ChainMessage{}, ErrInvalidEncoding
		}
		variant := IPCVariant(raw[1])
		switch variant {
		case VariantBottomUpResolve, VariantBottomUpExec, VariantTopDownExec:
		default:
			return ChainMessage{}, ErrInvalidEncoding
		}
		ipc, err := decodeIPCPayload(variant, raw[2:])
		if err != nil {
			return ChainMessage{}, err
		}
		return ChainMessage{Kind: KindIPC, IPC: ipc}, nil
	default:
		return ChainMessage{}, ErrInvalidEncoding
	}
}

// Deliver runs a decoded ChainMessage through the Signed/Chain layers and
// into the Execution Collaborator, enforcing the check_tx/finalize_block
// entry-point restriction on the two validator-only IPC variants.
func (s *Stack) Deliver(ctx context.Context, entry EntryPoint, root cid.Cid, meta exec.BlockMeta, cm ChainMessage) (exec.ApplyResult, error) {
	switch cm.Kind {
	case KindSigned:
		if cm.Signed == nil {
			return exec.ApplyResult{}, ErrInvalidEncoding
		}
		if err := s.signer.Verify(*cm.Signed); err != nil {
			return exec.ApplyResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if err := s.checkSequence(entry, cm.Signed); err != nil {
			return exec.ApplyResult{}, err
		}
		result, err := s.collaborator.Apply(ctx, root, meta, cm.Signed.Message)
		if err == nil && entry == EntryDeliver {
			s.advanceSequence(cm.Signed)
			s.applyStakingEvents(result.Events)
		}
		return result, err

	case KindIPC:
		if cm.IPC == nil {
			return exec.ApplyResult{}, ErrInvalidEncoding
		}
		switch cm.IPC.Variant {
		case VariantBottomUpResolve:
			return s.deliverBottomUpResolve(ctx, root, meta, cm.IPC)
		case VariantBottomUpExec:
			if entry == EntryCheck {
				return exec.ApplyResult{}, ErrIllegalMessage
			}
			return s.deliverBottomUpExec(ctx, root, meta, cm.IPC)
		case VariantTopDownExec:
			if entry == EntryCheck {
				return exec.ApplyResult{}, ErrIllegalMessage
			}
			return s.deliverTopDownExec(ctx, root, meta, cm.IPC)
		}
	}
	return exec.ApplyResult{}, ErrInvalidEncoding
}

// deliverBottomUpResolve synthesizes the gateway invokeContract call; on
// success it adds the checkpoint's message CIDs to the Checkpoint Pool for
// background resolution.
func (s *Stack) deliverBottomUpResolve(ctx context.Context, root cid.Cid, meta exec.BlockMeta, ipc *IPCMessage) (exec.ApplyResult, error) {
	if ipc.Checkpoint == nil {
		return exec.ApplyResult{}, ErrInvalidEncoding
	}
	result, err := s.collaborator.Apply(ctx, root, meta, encodeInvokeContract(*ipc.Checkpoint))
	if err != nil {
		return result, err
	}
	env := bottomup.NewEnvelope(*ipc.Checkpoint, checkpointMsgCIDs(*ipc.Checkpoint))
	s.pool.Add(env)
	return result, nil
}

func (s *Stack) deliverBottomUpExec(ctx context.Context, root cid.Cid, meta exec.BlockMeta, ipc *IPCMessage) (exec.ApplyResult, error) {
	if ipc.Checkpoint == nil {
		return exec.ApplyResult{}, ErrInvalidEncoding
	}
	result, err := s.collaborator.Apply(ctx, root, meta, encodeExecCheckpoint(*ipc.Checkpoint))
	if err == nil {
		s.applyStakingEvents(result.Events)
	}
	return result, err
}

func (s *Stack) deliverTopDownExec(ctx context.Context, root cid.Cid, meta exec.BlockMeta, ipc *IPCMessage) (exec.ApplyResult, error) {
	if ipc.ParentFinality == nil {
		return exec.ApplyResult{}, ErrInvalidEncoding
	}

	// Deferred execution: state is only certain up to the block before the
	// newly committed tip, so this round executes [prev, height-1] — last
	// round's deferred tip through the block below the new one. The new
	// tip's own changes and messages wait for the next finality.
	prev := s.provider.LastFinalized()
	var changes []topdown.ValidatorChange
	var msgs []topdown.CrossMessage
	if height := ipc.ParentFinality.Height; height > 0 {
		var lower uint64
		if prev > 0 {
			lower = prev - 1
		}
		changes, msgs = s.provider.ChangesAndMessagesInRange(lower, height-1)
	}

	result, err := s.collaborator.Apply(ctx, root, meta, encodeTopDownFinality(*ipc.ParentFinality, changes, msgs))
	if err != nil {
		return result, err
	}

	s.provider.CommitFinality(ipc.ParentFinality.Height)
	s.tally.AdvanceFinalized(ipc.ParentFinality.Height)
	s.applyStakingEvents(result.Events)
	return result, nil
}

// encodeInvokeContract, encodeExecCheckpoint and encodeTopDownFinality are
// placeholders for the FVM message encoding the Execution Collaborator
// expects; the collaborator owns its own wire format.
func encodeInvokeContract(cp bottomup.BottomUpCheckpoint) []byte { return []byte("invoke-contract") }
func encodeExecCheckpoint(cp bottomup.BottomUpCheckpoint) []byte { return []byte("exec-checkpoint") }
func encodeTopDownFinality(f ParentFinalityMsg, changes []topdown.ValidatorChange, msgs []topdown.CrossMessage) []byte {
	return []byte("topdown-finality")
}

func checkpointMsgCIDs(cp bottomup.BottomUpCheckpoint) []string {
	cids := make([]string, 0, len(cp.Msgs))
	for _, m := range cp.Msgs {
		cids = append(cids, string(m))
	}
	return cids
}
