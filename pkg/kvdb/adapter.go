// Copyright 2025 Certen Protocol
//
// KV Adapter for CometBFT Database Integration
// Wraps CometBFT's dbm.DB interface to implement store.KV

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/ipc-fendermint/pkg/store"
)

// KVAdapter wraps a CometBFT dbm.DB and exposes the store.KV interface.
// This allows the Committed Store to use CometBFT's persistent storage directly.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get implements store.KV.Get
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	// CometBFT DB returns (val, error)
	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		// v may be nil if key not found – that's fine, callers treat nil as "not present".
		return v, nil
	}
}

// Has implements store.KV.Has
func (a *KVAdapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// Set implements store.KV.Set
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	// Use SetSync for durable writes at commit time
	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}

// Delete implements store.KV.Delete
func (a *KVAdapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// Iterator implements store.KV.Iterator, returning keys in [start, end).
func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	return a.db.Iterator(start, end)
}

// Batch is a write batch that commits atomically via the underlying DB.
type Batch struct {
	b dbm.Batch
}

// NewBatch starts a new atomic write batch.
func (a *KVAdapter) NewBatch() store.Batch {
	return &Batch{b: a.db.NewBatch()}
}

// Set stages a key/value write in the batch.
func (b *Batch) Set(key, value []byte) error {
	return b.b.Set(key, value)
}

// Delete stages a key deletion in the batch.
func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key)
}

// Write commits the batch durably and closes it.
func (b *Batch) Write() error {
	defer b.b.Close()
	return b.b.WriteSync()
}
