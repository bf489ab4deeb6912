// Copyright 2025 Certen Protocol

package abci

import (
	"crypto/sha256"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multihash"
)

// newMemDatastore returns an in-memory, mutex-guarded datastore suitable for
// backing a store.BlockStore in tests, mirroring cmd/fendermint's own
// in-memory wiring (no disk-backed go-datastore companion exists anywhere in
// the retrieval pack, per DESIGN.md).
func newMemDatastore() datastore.Batching {
	return dssync.MutexWrap(datastore.NewMapDatastore())
}

// rootHash folds a state root's bytes with a delivered message's bytes into
// a new digest, used by transferCollaborator to derive a deterministic
// "next state root" without a real FVM.
func rootHash(prevRoot, msg []byte) [32]byte {
	h := sha256.New()
	h.Write(prevRoot)
	h.Write(msg)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// newRawMultihash wraps a 32-byte SHA-256 digest as a raw-codec CIDv1
// multihash.
func newRawMultihash(digest [32]byte) (multihash.Multihash, error) {
	return multihash.Encode(digest[:], multihash.SHA2_256)
}
