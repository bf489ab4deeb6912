// Copyright 2025 Certen Protocol
//
// Committed Store: a transactional KV abstraction with named namespaces and
// atomic per-block batches over CBOR-encoded consensus records.
//
// CONCURRENCY: CommittedStore assumes single-writer access — writes only
// happen inside commit/finalize_block on the consensus task. Readers
// (query, check_tx) only ever read, never write.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// KV is the minimal persistent key-value interface the Committed Store
// needs. Implemented by pkg/kvdb.KVAdapter over CometBFT's dbm.DB.
type KV interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
}

// Batch stages a set of writes that commit atomically.
type Batch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	Write() error
}

// Namespace key prefixes, one namespace per concern.
var (
	keyAppState      = []byte("app:state")     // -> AppState (canonical CBOR)
	keyHistoryPrefix = []byte("app:history:")  // + big-endian state height -> StateParams (canonical CBOR)
	keyABCIRecovery  = []byte("abci:recovery") // -> ABCIRecoveryState (JSON; not part of the app-hash contract)
)

func historyKey(height int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(height))
	return append(append([]byte{}, keyHistoryPrefix...), b...)
}

// CommittedStore owns the single AppState record and its bounded
// StateHistory index.
type CommittedStore struct {
	kv KV
}

// NewCommittedStore wraps kv as a Committed Store.
func NewCommittedStore(kv KV) *CommittedStore {
	return &CommittedStore{kv: kv}
}

// GetAppState returns the persisted AppState, or ErrNotInitialized if
// init_chain has never committed one.
func (s *CommittedStore) GetAppState() (*AppState, error) {
	raw, err := s.kv.Get(keyAppState)
	if err != nil {
		return nil, fmt.Errorf("get app state: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotInitialized
	}
	var st AppState
	if err := UnmarshalCanonical(raw, &st); err != nil {
		return nil, fmt.Errorf("decode app state: %w", err)
	}
	return &st, nil
}

// GetStateParamsAtHeight returns the StateParams recorded for a given state
// height (block_height + 1). height == 0 means "latest", resolved by the
// caller via GetAppState instead.
func (s *CommittedStore) GetStateParamsAtHeight(height int64) (*StateParams, error) {
	raw, err := s.kv.Get(historyKey(height))
	if err != nil {
		return nil, fmt.Errorf("get state history at %d: %w", height, err)
	}
	if len(raw) == 0 {
		return nil, ErrHistoryNotFound
	}
	var p StateParams
	if err := UnmarshalCanonical(raw, &p); err != nil {
		return nil, fmt.Errorf("decode state params at %d: %w", height, err)
	}
	return &p, nil
}

// CommitAppState atomically writes the new AppState, indexes its
// StateParams into history at the current state height, and prunes history
// older than stateHistSize (0 = unbounded). This is the only write path;
// it is called once per block from Commit.
func (s *CommittedStore) CommitAppState(next AppState, stateHistSize int64) error {
	b := s.kv.NewBatch()

	encoded, err := MarshalCanonical(next)
	if err != nil {
		return fmt.Errorf("encode app state: %w", err)
	}
	if err := b.Set(keyAppState, encoded); err != nil {
		return fmt.Errorf("stage app state write: %w", err)
	}

	histEncoded, err := MarshalCanonical(next.StateParams)
	if err != nil {
		return fmt.Errorf("encode state params: %w", err)
	}
	if err := b.Set(historyKey(next.StateHeight()), histEncoded); err != nil {
		return fmt.Errorf("stage state history write: %w", err)
	}

	if stateHistSize > 0 {
		oldest := next.StateHeight() - stateHistSize
		for h := next.OldestStateHeight; h < oldest; h++ {
			if err := b.Delete(historyKey(h)); err != nil {
				return fmt.Errorf("stage history prune at %d: %w", h, err)
			}
		}
		next.OldestStateHeight = max64(oldest, 0)
		// OldestStateHeight changed after pruning bounds were computed; persist
		// the corrected value by re-encoding and overwriting the app state entry.
		encoded, err = MarshalCanonical(next)
		if err != nil {
			return fmt.Errorf("re-encode app state after prune: %w", err)
		}
		if err := b.Set(keyAppState, encoded); err != nil {
			return fmt.Errorf("stage app state rewrite: %w", err)
		}
	}

	return b.Write()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// SaveABCIRecoveryState persists the minimal state needed to answer Info()
// correctly across a process restart.
func (s *CommittedStore) SaveABCIRecoveryState(st ABCIRecoveryState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal abci recovery state: %w", err)
	}
	return s.kv.Set(keyABCIRecovery, raw)
}

// LoadABCIRecoveryState loads the persisted recovery record, or nil if the
// process has never committed a block.
func (s *CommittedStore) LoadABCIRecoveryState() (*ABCIRecoveryState, error) {
	raw, err := s.kv.Get(keyABCIRecovery)
	if err != nil {
		return nil, fmt.Errorf("get abci recovery state: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var st ABCIRecoveryState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal abci recovery state: %w", err)
	}
	return &st, nil
}
