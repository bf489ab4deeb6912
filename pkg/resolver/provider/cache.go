// Copyright 2025 Certen Protocol
//
// Provider Cache: an in-memory mapping from peer identity to the set of
// subnets it claims to provide, with a routability bit and a last-seen
// timestamp. Shared by the resolver driver and interpreter queries;
// modifications happen only inside the resolver driver task, readers get a
// copy-on-read snapshot.

package provider

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Record is one peer's claim to provide a set of subnets.
type Record struct {
	Peer      peer.ID
	SubnetIDs map[string]struct{}
	Routable  bool
	Timestamp time.Time
	// A pinned record is never evicted regardless of age — e.g. the
	// node's own bootstrap peers.
	Pinned bool
}

// Cache holds the current provider records.
type Cache struct {
	mu      sync.RWMutex
	records map[peer.ID]*Record

	maxAge time.Duration
}

// NewCache constructs an empty provider cache evicting records older than
// maxAge (unless pinned).
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{records: make(map[peer.ID]*Record), maxAge: maxAge}
}

// Upsert ingests a gossiped ProviderRecord. A record for a peer whose
// address is not yet known is handled by the caller (membership.go) before
// reaching here — Upsert is only called once the peer is routable, or to
// refresh an already-cached entry.
func (c *Cache) Upsert(p peer.ID, subnets []string, routable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[p]
	if !ok {
		r = &Record{Peer: p, SubnetIDs: make(map[string]struct{})}
		c.records[p] = r
	}
	for _, s := range subnets {
		r.SubnetIDs[s] = struct{}{}
	}
	r.Routable = routable
	r.Timestamp = time.Now()
}

// Pin marks a peer's record as never-evicted.
func (c *Cache) Pin(p peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[p]; ok {
		r.Pinned = true
	}
}

// EvictStale removes every non-pinned record older than maxAge. Called
// periodically by the resolver driver loop.
func (c *Cache) EvictStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, r := range c.records {
		if r.Pinned {
			continue
		}
		if now.Sub(r.Timestamp) > c.maxAge {
			delete(c.records, id)
			evicted++
		}
	}
	return evicted
}

// ProvidersOf returns a copy-on-read snapshot of peers claiming to provide
// subnetID, routable or not (callers decide how to treat unroutable
// entries).
func (c *Cache) ProvidersOf(subnetID string) []peer.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []peer.ID
	for id, r := range c.records {
		if _, ok := r.SubnetIDs[subnetID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsRoutable reports whether a cached peer is currently believed routable.
func (c *Cache) IsRoutable(p peer.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[p]
	return ok && r.Routable
}
