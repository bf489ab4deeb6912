// Copyright 2025 Certen Protocol
//
// Service is the Resolver Service driver loop: it wires Membership gossip,
// the Provider Cache, the bloom-filter lookup dedup, and content Resolve
// into the single background task a node runs to keep its peer/subnet view
// current and serve Resolve calls against it. One struct owns the
// goroutine management because the pieces share the Provider Cache too
// tightly to split their lifecycles apart.

package resolver

import (
	"context"
	"log"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/certen/ipc-fendermint/pkg/resolver/provider"
)

// PeerFinder resolves a peer ID to a routable address, e.g. via a DHT or a
// bootstrap list. It is optional: a Service with no PeerFinder still
// ingests already-connected peers' records, it just never promotes an
// unroutable one.
type PeerFinder interface {
	FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error)
}

// Config configures a Service.
type Config struct {
	NetworkName        string
	PublishInterval    time.Duration
	EvictInterval      time.Duration
	MaxProviderAge     time.Duration
	MaxPeersPerQuery   int
	LookupExpectedN    uint
	LookupFalsePosRate float64
	Finder             PeerFinder
	Logger             *log.Logger
}

// Service owns the Provider Cache, Membership gossip, and content Resolver
// for one node, and drives their periodic upkeep.
type Service struct {
	cache      *provider.Cache
	membership *Membership
	resolver   *Resolver
	dedup      *LookupDedup
	finder     PeerFinder

	evictInterval time.Duration
	logger        *log.Logger
}

// NewService builds a Service from its already-constructed pieces.
// Membership and Resolver are constructed separately (they need the
// libp2p host and pubsub handles main.go already holds) and handed in here
// so this type owns only their lifecycle, not their construction.
func NewService(membership *Membership, resolver *Resolver, cache *provider.Cache, cfg Config) *Service {
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = time.Minute
	}
	if cfg.LookupExpectedN == 0 {
		cfg.LookupExpectedN = defaultExpectedPeers
	}
	if cfg.LookupFalsePosRate == 0 {
		cfg.LookupFalsePosRate = defaultFalsePositiveRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Resolver] ", log.LstdFlags)
	}
	return &Service{
		cache:         cache,
		membership:    membership,
		resolver:      resolver,
		dedup:         NewLookupDedup(cfg.LookupExpectedN, cfg.LookupFalsePosRate),
		finder:        cfg.Finder,
		evictInterval: cfg.EvictInterval,
		logger:        logger,
	}
}

// Run drives membership ingestion and periodic cache eviction until ctx is
// cancelled. ownSubnets is re-read on every publish tick so a node that
// joins or leaves a subnet at runtime doesn't need to restart the service.
func (s *Service) Run(ctx context.Context, ownSubnets func() []string, publishInterval time.Duration) {
	if publishInterval <= 0 {
		publishInterval = time.Minute
	}

	go s.membership.Run(ctx, s.onUnroutable)

	publishTicker := time.NewTicker(publishInterval)
	evictTicker := time.NewTicker(s.evictInterval)
	defer publishTicker.Stop()
	defer evictTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.membership.Close()
			return
		case <-publishTicker.C:
			if err := s.membership.MaybePublish(ctx, ownSubnets()); err != nil {
				s.logger.Printf("⚠️ publish provider record failed: %v", err)
			}
		case <-evictTicker.C:
			if n := s.cache.EvictStale(time.Now()); n > 0 {
				s.logger.Printf("🧹 evicted %d stale provider records", n)
			}
		}
	}
}

// onUnroutable is Membership's hook for a record from a peer this node
// isn't connected to: dedup the lookup attempt, then look up the peer's
// address through the PeerFinder. It neither connects to the peer nor
// caches its claim.
func (s *Service) onUnroutable(p peer.ID) {
	if !s.dedup.ShouldLookup(p.String()) {
		return
	}
	if s.finder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.finder.FindPeer(ctx, p); err != nil {
			s.logger.Printf("🔍 could not resolve address for %s: %v", p, err)
		}
		// A subsequent gossip republish or reconnection attempt will land
		// the peer in Membership.Run's connected branch and cache it; this
		// lookup's only job is to make that connection possible.
	}()
}

// Resolve fetches c from a provider of subnetID via the content Resolver.
func (s *Service) Resolve(ctx context.Context, c cid.Cid, subnetID string) ([]byte, error) {
	return s.resolver.Resolve(ctx, c, subnetID)
}

// Cache exposes the Provider Cache for read-only queries (e.g. health/
// metrics reporting of known peer counts).
func (s *Service) Cache() *provider.Cache {
	return s.cache
}
