// Copyright 2025 Certen Protocol
//
// State Store: a content-addressed block store keyed by CID. Backs
// execution's Merkle-DAG state; read-only views are derived for queries and
// check_tx so execution remains the only writer.

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// ErrBlockNotFound is returned when a CID has no corresponding block.
var ErrBlockNotFound = fmt.Errorf("store: block not found")

// BlockStore is a content-addressed store keyed by CID, backed by a
// github.com/ipfs/go-datastore implementation (in-process or disk-backed).
type BlockStore struct {
	ds datastore.Batching
}

// NewBlockStore wraps a datastore as a content-addressed State Store.
func NewBlockStore(ds datastore.Batching) *BlockStore {
	return &BlockStore{ds: ds}
}

func dsKey(c cid.Cid) datastore.Key {
	return datastore.NewKey("/blocks/" + c.String())
}

// Put stores block data under its CID. The caller is responsible for having
// derived c from data via the same hash function the store's verifier uses;
// Put does not recompute or check the digest itself (that belongs to
// whichever layer accepted the bytes off the wire — see pkg/resolver).
func (b *BlockStore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	return b.ds.Put(ctx, dsKey(c), data)
}

// Get returns the block bytes for c, or ErrBlockNotFound.
func (b *BlockStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := b.ds.Get(ctx, dsKey(c))
	if err != nil {
		if err == datastore.ErrNotFound {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("get block %s: %w", c, err)
	}
	return data, nil
}

// Has reports whether c is present without fetching its bytes.
func (b *BlockStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return b.ds.Has(ctx, dsKey(c))
}

// AllCIDs enumerates every block CID currently held, for snapshot manifest
// construction. Ordering is not guaranteed; callers that need determinism
// (snapshot hashing) must sort the result themselves.
func (b *BlockStore) AllCIDs(ctx context.Context) ([]cid.Cid, error) {
	results, err := b.ds.Query(ctx, dsq.Query{Prefix: "/blocks", KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("query block keys: %w", err)
	}
	defer results.Close()

	var cids []cid.Cid
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, fmt.Errorf("iterate block keys: %w", entry.Error)
		}
		s := strings.TrimPrefix(entry.Key, "/blocks/")
		c, err := cid.Decode(s)
		if err != nil {
			continue
		}
		cids = append(cids, c)
	}
	return cids, nil
}

// ReadOnlyView is the read-only wrapper execution-adjacent readers
// (check_tx's projected state, queries at a past height) are handed instead
// of the BlockStore itself, enforcing the "writes from execution only"
// discipline at the type level.
type ReadOnlyView struct {
	store *BlockStore
}

// View returns a read-only wrapper over b.
func (b *BlockStore) View() *ReadOnlyView {
	return &ReadOnlyView{store: b}
}

// Get proxies to the underlying store; no write methods are exposed.
func (v *ReadOnlyView) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return v.store.Get(ctx, c)
}

// Has proxies to the underlying store.
func (v *ReadOnlyView) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return v.store.Has(ctx, c)
}
