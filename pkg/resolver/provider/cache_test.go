// Copyright 2025 Certen Protocol

package provider

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// testPeerID returns a distinct peer.ID for cache bookkeeping. peer.ID is an
// opaque string type; the Cache never parses it as a real multihash, so any
// distinct value is a valid test identity.
func testPeerID(t *testing.T, seed byte) peer.ID {
	t.Helper()
	return peer.ID([]byte{seed})
}

func TestUpsertAndProvidersOf(t *testing.T) {
	c := NewCache(time.Minute)
	p := testPeerID(t, 1)

	c.Upsert(p, []string{"subnet-a", "subnet-b"}, true)

	providers := c.ProvidersOf("subnet-a")
	if len(providers) != 1 || providers[0] != p {
		t.Fatalf("expected peer to be listed as a provider of subnet-a, got %v", providers)
	}
	if len(c.ProvidersOf("subnet-c")) != 0 {
		t.Fatalf("expected no providers for a subnet never upserted")
	}
	if !c.IsRoutable(p) {
		t.Fatalf("expected peer to be routable after upsert with routable=true")
	}
}

func TestUpsertMergesSubnetsAcrossCalls(t *testing.T) {
	c := NewCache(time.Minute)
	p := testPeerID(t, 2)

	c.Upsert(p, []string{"subnet-a"}, true)
	c.Upsert(p, []string{"subnet-b"}, true)

	if len(c.ProvidersOf("subnet-a")) != 1 || len(c.ProvidersOf("subnet-b")) != 1 {
		t.Fatalf("expected both subnets tracked for the same peer after separate upserts")
	}
}

func TestEvictStaleSkipsPinned(t *testing.T) {
	c := NewCache(time.Millisecond)
	pinned := testPeerID(t, 3)
	unpinned := testPeerID(t, 4)

	c.Upsert(pinned, []string{"subnet-a"}, true)
	c.Upsert(unpinned, []string{"subnet-a"}, true)
	c.Pin(pinned)

	time.Sleep(5 * time.Millisecond)
	evicted := c.EvictStale(time.Now())

	if evicted != 1 {
		t.Fatalf("expected exactly 1 eviction (the unpinned record), got %d", evicted)
	}
	if len(c.ProvidersOf("subnet-a")) != 1 {
		t.Fatalf("expected the pinned record to survive eviction")
	}
}

func TestIsRoutableFalseForUnknownPeer(t *testing.T) {
	c := NewCache(time.Minute)
	if c.IsRoutable(testPeerID(t, 5)) {
		t.Fatalf("expected an unknown peer to be reported as not routable")
	}
}
