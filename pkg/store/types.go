// Copyright 2025 Certen Protocol
//
// Data model for the Committed Store: the single AppState record and the
// bounded StateHistory it indexes into.

package store

import (
	"errors"

	"github.com/ipfs/go-cid"
)

// Sentinel errors for store operations.
var (
	// ErrNotInitialized is returned when a query is made before init_chain has
	// ever run (genesis height 0, empty state).
	ErrNotInitialized = errors.New("store: not initialized")

	// ErrHistoryNotFound is returned when a height has no StateParams recorded,
	// either because it predates genesis or has been pruned.
	ErrHistoryNotFound = errors.New("store: state history not found for height")

	// ErrChecksumMismatch wraps a failure to decode or store a snapshot's
	// blocks after its chunks have verified against the manifest checksum;
	// a checksum that does not verify is not reported with this error.
	ErrChecksumMismatch = errors.New("store: snapshot checksum mismatch")
)

// StateParams is the per-height record whose canonical CBOR encoding is the
// app-hash the consensus protocol uses to detect divergence between nodes.
//
// Field order and names are part of the wire contract: AppHash must be
// byte-identical across honest nodes, so StateParams is never reordered and
// every new field is appended, never inserted.
type StateParams struct {
	StateRoot      cid.Cid `cbor:"state_root"`
	Timestamp      uint64  `cbor:"timestamp"`
	NetworkVersion uint32  `cbor:"network_version"`
	BaseFee        []byte  `cbor:"base_fee"`    // big-endian uint256
	CircSupply     []byte  `cbor:"circ_supply"` // big-endian uint256
	ChainID        uint64  `cbor:"chain_id"`
	PowerScale     int8    `cbor:"power_scale"`
	AppVersion     uint64  `cbor:"app_version"`
}

// AppState is the single persistent record describing the committed chain
// tip. Invariant: the StateParams recorded in history under key
// block_height+1 is exactly AppState.StateParams once Commit has run for
// that block (CometBFT publishes an app-hash one block after the block that
// produced it).
type AppState struct {
	BlockHeight       int64       `cbor:"block_height"`
	OldestStateHeight int64       `cbor:"oldest_state_height"`
	StateParams       StateParams `cbor:"state_params"`
}

// StateHeight is the history index height: block_height + 1.
func (a AppState) StateHeight() int64 {
	return a.BlockHeight + 1
}

// ABCIRecoveryState is the minimal durable record the driver needs after a
// process restart to answer Info() correctly before any block has been
// delivered to it again.
type ABCIRecoveryState struct {
	LastBlockHeight  int64  `json:"lastBlockHeight"`
	LastBlockAppHash []byte `json:"lastBlockAppHash"`
}
