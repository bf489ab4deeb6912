// Copyright 2025 Certen Protocol
//
// Membership: periodic, rate-limited publication of this node's signed
// ProviderRecord over a libp2p-pubsub topic, and ingestion of peers'
// records into the Provider Cache.

package resolver

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/certen/ipc-fendermint/pkg/resolver/provider"
)

// topicName namespaces a gossip topic by network name and substitutes
// '/' -> '_' throughout the suffix, subnet ID included, to avoid
// prefix/suffix ambiguity between nested subnet topics.
func topicName(networkName, suffix string) string {
	return fmt.Sprintf("/ipc/%s/%s", networkName, strings.ReplaceAll(suffix, "/", "_"))
}

// MembershipTopic returns the network-wide provider-record gossip topic.
func MembershipTopic(networkName string) string {
	return topicName(networkName, "membership")
}

// VotingTopic returns the per-subnet top-down vote gossip topic.
func VotingTopic(networkName, subnetID string) string {
	return topicName(networkName, "voting/"+subnetID)
}

// PreemptiveTopic returns the per-subnet pre-emptive data gossip topic.
func PreemptiveTopic(networkName, subnetID string) string {
	return topicName(networkName, "preemptive/"+subnetID)
}

// ProviderRecordPayload is the protobuf-shaped body of a signed provider
// record envelope, domain-separated from other envelope kinds by the
// signing layer's domain string.
type ProviderRecordPayload struct {
	SubnetIDs []string
	Timestamp int64
}

const providerRecordDomain = "ipc-provider-record"

// Membership drives periodic, rate-limited publication of this node's own
// ProviderRecord and subscribes to ingest peers'.
type Membership struct {
	mu sync.Mutex

	host   host.Host
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cache  *provider.Cache
	self   peer.ID
	signer crypto.PrivKey

	publishInterval time.Duration
	lastPublished   time.Time

	logger *log.Logger
}

// NewMembership joins the membership topic on ps and returns a driver ready
// to Start.
func NewMembership(h host.Host, ps *pubsub.PubSub, cache *provider.Cache, networkName string, publishInterval time.Duration) (*Membership, error) {
	topic, err := ps.Join(MembershipTopic(networkName))
	if err != nil {
		return nil, fmt.Errorf("join membership topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe membership topic: %w", err)
	}
	return &Membership{
		host:            h,
		topic:           topic,
		sub:             sub,
		cache:           cache,
		self:            h.ID(),
		signer:          h.Peerstore().PrivKey(h.ID()),
		publishInterval: publishInterval,
		logger:          log.New(log.Writer(), "[Membership] ", log.LstdFlags),
	}, nil
}

// MaybePublish publishes this node's own ProviderRecord for subnetIDs if at
// least publishInterval has elapsed since the last publish. Republish
// rate limiting is separate from the peer-eviction rule; ingress and
// egress are throttled independently.
func (m *Membership) MaybePublish(ctx context.Context, subnetIDs []string) error {
	m.mu.Lock()
	if time.Since(m.lastPublished) < m.publishInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastPublished = time.Now()
	m.mu.Unlock()

	payload := ProviderRecordPayload{SubnetIDs: subnetIDs, Timestamp: time.Now().Unix()}
	raw, err := encodeProviderRecord(payload)
	if err != nil {
		return fmt.Errorf("encode provider record: %w", err)
	}
	signed, err := signEnvelope(m.signer, providerRecordDomain, raw)
	if err != nil {
		return fmt.Errorf("sign provider record: %w", err)
	}
	if err := m.topic.Publish(ctx, signed); err != nil {
		return fmt.Errorf("publish provider record: %w", err)
	}
	m.logger.Printf("📍 published provider record for %d subnets", len(subnetIDs))
	return nil
}

// Run consumes incoming records until ctx is cancelled, upserting
// already-routable peers into the cache directly and deferring unroutable
// ones to the dedup bloom filter via the caller-supplied onUnroutable hook.
func (m *Membership) Run(ctx context.Context, onUnroutable func(peer.ID)) {
	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			m.logger.Printf("🛑 membership subscription closed: %v", err)
			return
		}
		from := msg.GetFrom()
		if from == m.self {
			continue
		}
		payload, err := verifyEnvelope(providerRecordDomain, msg.Data)
		if err != nil {
			m.logger.Printf("⚠️ dropping provider record from %s: %v", from, err)
			continue
		}
		rec, err := decodeProviderRecord(payload)
		if err != nil {
			m.logger.Printf("⚠️ malformed provider record from %s: %v", from, err)
			continue
		}

		if m.host.Network().Connectedness(from) != 0 {
			m.cache.Upsert(from, rec.SubnetIDs, true)
			continue
		}
		// Address not yet known/connected: trigger a background lookup, but
		// don't cache until the peer is routable.
		if onUnroutable != nil {
			onUnroutable(from)
		}
	}
}

// Close tears down the subscription and topic handle.
func (m *Membership) Close() {
	m.sub.Cancel()
	_ = m.topic.Close()
}
