// Copyright 2025 Certen Protocol
//
// Content resolution: a Bitswap-style WANT protocol over the provider set
// for a subnet, batched to bound concurrent outbound requests. An explicit
// batching loop rather than Bitswap's internal session machinery, since
// only single-CID resolution is needed, not a long-lived multi-want
// session.

package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/certen/ipc-fendermint/pkg/resolver/provider"
	"github.com/certen/ipc-fendermint/pkg/store"
)

// ErrNoKnownPeers is returned when the provider cache has no candidates at
// all for a subnet — resolution fails immediately without any network
// round trip.
var ErrNoKnownPeers = errors.New("resolver: no known peers for subnet")

// ErrResolutionFailed is returned once every batch (current and fallback)
// has been exhausted without a match.
var ErrResolutionFailed = errors.New("resolver: exhausted all candidate batches")

// BlockFetcher requests a single block from a specific peer. cmd/fendermint
// binds this to a StreamFetcher (transport.go) behind NewLocalFirstFetcher;
// tests bind a fake.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, p peer.ID, c cid.Cid) ([]byte, error)
}

// connectednessChecker is the narrow slice of network.Network the resolve
// algorithm needs — whether a candidate peer is already connected — kept as
// its own seam so tests can fake connectivity without standing up a real
// libp2p host.
type connectednessChecker interface {
	Connectedness(p peer.ID) network.Connectedness
}

// Resolver drives the candidate-batching resolve algorithm.
type Resolver struct {
	net              connectednessChecker
	cache            *provider.Cache
	fetcher          BlockFetcher
	maxPeersPerQuery int
}

// NewResolver constructs a Resolver bounding each WANT round to
// maxPeersPerQuery peers.
func NewResolver(h host.Host, cache *provider.Cache, fetcher BlockFetcher, maxPeersPerQuery int) *Resolver {
	if maxPeersPerQuery <= 0 {
		maxPeersPerQuery = 8
	}
	return &Resolver{net: h.Network(), cache: cache, fetcher: fetcher, maxPeersPerQuery: maxPeersPerQuery}
}

// Resolve fetches c from a provider of subnetID, preferring already-
// connected peers in the current batch and falling back to not-yet-
// connected ones only after the connected batch is exhausted.
//
// Algorithm: gather all candidates, randomize order (no single honest peer
// is preferentially hammered across repeated resolves), partition into
// connected/not-connected, chunk each partition into maxPeersPerQuery-sized
// batches with connected batches ordered first, and try each batch in turn
// until one returns a block or all are exhausted.
func (r *Resolver) Resolve(ctx context.Context, c cid.Cid, subnetID string) ([]byte, error) {
	candidates := r.cache.ProvidersOf(subnetID)
	if len(candidates) == 0 {
		return nil, ErrNoKnownPeers
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	var connected, notConnected []peer.ID
	for _, p := range candidates {
		if r.net.Connectedness(p) != 0 {
			connected = append(connected, p)
		} else {
			notConnected = append(notConnected, p)
		}
	}

	batches := batch(connected, r.maxPeersPerQuery)
	batches = append(batches, batch(notConnected, r.maxPeersPerQuery)...)

	for _, b := range batches {
		if data, ok := r.tryBatch(ctx, b, c); ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: cid %s subnet %s (%d candidates tried)", ErrResolutionFailed, c, subnetID, len(candidates))
}

// tryBatch WANTs c from every peer in b in parallel, returning the first
// successful response. All peers in the batch are dispatched concurrently;
// the batch as a whole fails only once every peer in it has failed. The
// first success cancels the remaining in-flight requests in the batch.
func (r *Resolver) tryBatch(ctx context.Context, b []peer.ID, c cid.Cid) ([]byte, bool) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		winner []byte
		found  bool
	)
	g, gctx := errgroup.WithContext(batchCtx)
	for _, p := range b {
		p := p
		g.Go(func() error {
			data, err := r.fetcher.FetchBlock(gctx, p, c)
			if err != nil {
				return nil
			}
			mu.Lock()
			if !found {
				winner, found = data, true
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return winner, found
}

func batch(peers []peer.ID, size int) [][]peer.ID {
	var out [][]peer.ID
	for i := 0; i < len(peers); i += size {
		end := i + size
		if end > len(peers) {
			end = len(peers)
		}
		out = append(out, peers[i:end])
	}
	return out
}

// blockstoreFetcher adapts a local store.BlockStore's ReadOnlyView plus a
// remote BlockFetcher: local lookups never touch the network.
type blockstoreFetcher struct {
	local  *store.ReadOnlyView
	remote BlockFetcher
}

// NewLocalFirstFetcher returns a BlockFetcher that checks local before
// delegating to remote — used to avoid a needless WANT round for content
// this node already resolved and pinned.
func NewLocalFirstFetcher(local *store.ReadOnlyView, remote BlockFetcher) BlockFetcher {
	return &blockstoreFetcher{local: local, remote: remote}
}

func (f *blockstoreFetcher) FetchBlock(ctx context.Context, p peer.ID, c cid.Cid) ([]byte, error) {
	if f.local != nil {
		if data, err := f.local.Get(ctx, c); err == nil {
			return data, nil
		}
	}
	return f.remote.FetchBlock(ctx, p, c)
}
