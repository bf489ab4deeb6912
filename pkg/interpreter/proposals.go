// Copyright 2025 Certen Protocol
//
// Proposal preparation and validation: the Chain layer's view of
// prepare_proposal and process_proposal. Preparation injects synthetic IPC
// transactions (a TopDownExec for min(candidate, quorum), a BottomUpExec
// per fully resolved checkpoint envelope) ahead of the user transactions;
// validation re-checks each injected variant against this node's own
// Finality Provider cache and Checkpoint Pool.

package interpreter

import (
	"fmt"
	"sync"

	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
	"github.com/fxamacker/cbor/v2"
)

const (
	tagSigned byte = 0
	tagIPC    byte = 1
)

// ipcPayload is the CBOR wire body of an IPC transaction, following the
// variant byte. Canonical encoding: every node serializing the same
// synthetic message produces identical bytes.
type ipcPayload struct {
	Checkpoint *bottomup.BottomUpCheckpoint `cbor:"1,keyasint,omitempty"`
	Finality   *ParentFinalityMsg           `cbor:"2,keyasint,omitempty"`
}

var (
	ipcEncMode cbor.EncMode
	ipcEncOnce sync.Once
)

func ipcEncoder() cbor.EncMode {
	ipcEncOnce.Do(func() {
		mode, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(fmt.Sprintf("interpreter: building canonical CBOR encoder: %v", err))
		}
		ipcEncMode = mode
	})
	return ipcEncMode
}

// EncodeIPC serializes an IPC message into the Bytes-layer wire form:
// the IPC tag byte, the variant byte, then the canonical-CBOR payload.
func EncodeIPC(msg IPCMessage) ([]byte, error) {
	payload := ipcPayload{Checkpoint: msg.Checkpoint, Finality: msg.ParentFinality}
	body, err := ipcEncoder().Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return append([]byte{tagIPC, byte(msg.Variant)}, body...), nil
}

func decodeIPCPayload(variant IPCVariant, body []byte) (*IPCMessage, error) {
	msg := &IPCMessage{Variant: variant}
	if len(body) == 0 {
		return msg, nil
	}
	var payload ipcPayload
	if err := cbor.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	msg.Checkpoint = payload.Checkpoint
	msg.ParentFinality = payload.Finality
	return msg, nil
}

// SetParentHeightSource wires the parent-tip tracker the proposal path
// consults for the finality candidate bound. Without one, no TopDownExec
// is ever injected (a non-validator full node).
func (s *Stack) SetParentHeightSource(src topdown.ParentHeightSource) {
	s.parentHeight = src
}

// PrepareProposals builds the prepare_proposal tx list: synthetic IPC
// transactions first, then the mempool transactions, dropping from the
// tail whatever would exceed maxBytes.
func (s *Stack) PrepareProposals(txs [][]byte, maxBytes int64) [][]byte {
	var out [][]byte
	var used int64

	push := func(tx []byte) bool {
		if maxBytes > 0 && used+int64(len(tx)) > maxBytes {
			return false
		}
		out = append(out, tx)
		used += int64(len(tx))
		return true
	}

	if tx, height, ok := s.topDownProposal(); ok {
		if push(tx) {
			s.provider.MarkProposed(height)
		}
	}

	for _, id := range s.pool.ResolvedIDs() {
		env, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		cp := env.Checkpoint
		tx, err := EncodeIPC(IPCMessage{Variant: VariantBottomUpExec, Checkpoint: &cp})
		if err != nil {
			s.logger.Printf("⚠️ dropping resolved checkpoint %s from proposal: %v", id, err)
			continue
		}
		push(tx)
	}

	for _, tx := range txs {
		push(tx)
	}
	return out
}

// topDownProposal returns the synthetic TopDownExec for min(candidate,
// quorum), or ok=false when either side is unavailable. A candidate with
// no quorum yet is diagnosed but not proposed.
func (s *Stack) topDownProposal() (tx []byte, height uint64, ok bool) {
	if s.parentHeight == nil {
		return nil, 0, false
	}
	candidate, haveCandidate := s.provider.CandidateHeight(s.parentHeight.LatestParentHeight())
	if !haveCandidate {
		return nil, 0, false
	}
	quorumHeight, quorumHash, haveQuorum := s.tally.HighestQuorum()
	if !haveQuorum {
		s.logger.Printf("⚠️ top-down candidate at height %d is missing quorum, not proposing", candidate)
		return nil, 0, false
	}

	height = candidate
	if quorumHeight < height {
		height = quorumHeight
	}
	hash := quorumHash
	if height != quorumHeight {
		var cached bool
		hash, cached = s.provider.BlockHash(height)
		if !cached {
			return nil, 0, false
		}
	}

	tx, err := EncodeIPC(IPCMessage{Variant: VariantTopDownExec, ParentFinality: &ParentFinalityMsg{Height: height, BlockHash: hash}})
	if err != nil {
		s.logger.Printf("⚠️ encoding top-down proposal at height %d: %v", height, err)
		return nil, 0, false
	}
	return tx, height, true
}

// CheckProposal is the process_proposal rule for one decoded transaction:
// a TopDownExec must match this node's own Finality Provider cache, a
// BottomUpExec must reference a checkpoint this node has fully resolved.
// Everything else is acceptable at this layer (full validation happens at
// delivery).
func (s *Stack) CheckProposal(cm ChainMessage) bool {
	if cm.Kind != KindIPC || cm.IPC == nil {
		return true
	}
	switch cm.IPC.Variant {
	case VariantTopDownExec:
		f := cm.IPC.ParentFinality
		return f != nil && s.provider.CheckLocal(f.Height, f.BlockHash)
	case VariantBottomUpExec:
		cp := cm.IPC.Checkpoint
		return cp != nil && s.pool.HasResolved(cp.BlockHeight, cp.BlockHash)
	default:
		return true
	}
}
