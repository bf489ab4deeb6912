// Copyright 2025 Certen Protocol
//
// Execution Collaborator: the WASM/FVM execution engine is an external
// collaborator per the core's scope — this package only models its
// contract, a pure function of (state root, block metadata, message).

package exec

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrNotImplemented is returned by the stub Collaborator, which is the
// Collaborator cmd/fendermint wires.
var ErrNotImplemented = errors.New("exec: no execution collaborator wired")

// BlockMeta carries the ambient block context an apply needs but that isn't
// part of the message itself.
type BlockMeta struct {
	Height    int64
	Timestamp uint64
	Proposer  []byte
}

// Event is an opaque execution-emitted event (ABCI event pairs, log topics,
// etc.) the driver forwards verbatim on the tx result.
type Event struct {
	Type       string
	Attributes map[string]string
}

// ApplyResult is the outcome of applying one message against a state root.
type ApplyResult struct {
	NewStateRoot cid.Cid
	GasUsed      uint64
	ReturnData   []byte
	Events       []Event
	ExitCode     uint32
}

// Collaborator is the interface the ABCI driver and interpreter stack
// depend on; VM semantics, actor bundles, and gas schedules live entirely
// on the other side of it.
type Collaborator interface {
	Apply(ctx context.Context, root cid.Cid, meta BlockMeta, msg []byte) (ApplyResult, error)
}

// Stub is a Collaborator that always reports ErrNotImplemented. It lets the
// driver be constructed and unit-tested without a real execution engine
// present. Every path that reaches Apply gets the error, check_tx of a
// signed message included; prepare_proposal never calls Apply.
type Stub struct{}

// Apply implements Collaborator.
func (Stub) Apply(ctx context.Context, root cid.Cid, meta BlockMeta, msg []byte) (ApplyResult, error) {
	return ApplyResult{}, ErrNotImplemented
}
