// Copyright 2025 Certen Protocol
//
// Bottom-up checkpoints: the wire type, the off-chain/on-chain hash
// contract, and the pool of resolved-but-not-yet-executed envelopes.

package bottomup

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SubnetID identifies an IPC subnet: the root chain ID plus the route of
// gateway contract addresses from the root down to this subnet.
type SubnetID struct {
	Root  uint64           `abi:"root"`
	Route []common.Address `abi:"route"`
}

// BottomUpCheckpoint is a quorum-signed summary of a child subnet's state
// over one checkpoint period.
type BottomUpCheckpoint struct {
	Subnet                  SubnetID `abi:"subnet"`
	BlockHeight             uint64   `abi:"blockHeight"`
	BlockHash               [32]byte `abi:"blockHash"`
	NextConfigurationNumber uint64   `abi:"nextConfigurationNumber"`
	Msgs                    [][]byte `abi:"msgs"`
}

var checkpointTupleArgs abi.Arguments

func init() {
	subnetComponents := []abi.ArgumentMarshaling{
		{Name: "root", Type: "uint64"},
		{Name: "route", Type: "address[]"},
	}
	subnetType, err := abi.NewType("tuple", "", subnetComponents)
	if err != nil {
		panic(fmt.Sprintf("bottomup: building subnet ABI type: %v", err))
	}

	checkpointType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "subnet", Type: "tuple", Components: subnetComponents},
		{Name: "blockHeight", Type: "uint64"},
		{Name: "blockHash", Type: "bytes32"},
		{Name: "nextConfigurationNumber", Type: "uint64"},
		{Name: "msgs", Type: "bytes[]"},
	})
	if err != nil {
		panic(fmt.Sprintf("bottomup: building checkpoint ABI type: %v", err))
	}
	_ = subnetType

	checkpointTupleArgs = abi.Arguments{{Type: checkpointType}}
}

// Hash computes keccak256(abi_encode((checkpoint,))) — the checkpoint
// wrapped in a 1-tuple, as required by the on-chain verifier. Hashing the
// bare struct (without the tuple wrapper) produces a different, incompatible
// digest; callers MUST go through this function rather than hand-rolling
// the encoding.
func (c BottomUpCheckpoint) Hash() ([32]byte, error) {
	packed, err := checkpointTupleArgs.Pack(c)
	if err != nil {
		return [32]byte{}, fmt.Errorf("abi-encode checkpoint tuple: %w", err)
	}
	return [32]byte(crypto.Keccak256(packed)), nil
}

// Envelope is one checkpoint awaiting CID resolution before it can be
// executed via BottomUpExec.
type Envelope struct {
	ID         uuid.UUID
	Checkpoint BottomUpCheckpoint
	MsgCIDs    []string // pending message CIDs, as string for map/set use
	Resolved   bool
}

// NewEnvelope wraps a checkpoint for pool tracking.
func NewEnvelope(cp BottomUpCheckpoint, msgCIDs []string) *Envelope {
	return &Envelope{
		ID:         uuid.New(),
		Checkpoint: cp,
		MsgCIDs:    append([]string{}, msgCIDs...),
		Resolved:   len(msgCIDs) == 0,
	}
}

// MarkResolved records that cid has been fetched and validated; Resolved
// flips true once every message CID the checkpoint references has arrived.
func (e *Envelope) MarkResolved(cid string) {
	remaining := e.MsgCIDs[:0]
	for _, c := range e.MsgCIDs {
		if c != cid {
			remaining = append(remaining, c)
		}
	}
	e.MsgCIDs = remaining
	e.Resolved = len(e.MsgCIDs) == 0
}
