// Copyright 2025 Certen Protocol
//
// Rate limiting: a bloom filter deduplicating repeated unroutable-peer
// address lookups (so the same unreachable peer doesn't get looked up on
// every gossiped record), and a rolling byte-quota limiter bounding how
// much block data this node serves to Bitswap requesters per interval.
// The unroutable-peer set is unbounded, so approximate membership with a
// target false-positive rate <= 0.1 stands in for an exact map.

package resolver

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// defaultExpectedPeers and defaultFalsePositiveRate size the bloom filter;
// callers with a different expected peer-churn rate should use
// NewLookupDedup directly instead of NewDefaultLookupDedup.
const (
	defaultExpectedPeers     = 10_000
	defaultFalsePositiveRate = 0.1
)

// LookupDedup suppresses repeated address-resolution attempts for peers
// already known to be unroutable. Reset clears it, since a bloom filter
// only grows monotonically saturated and a previously unroutable peer may
// become reachable later; Service never calls Reset, so within one
// Service's lifetime each peer is looked up at most once.
type LookupDedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewLookupDedup constructs a dedup filter sized for expectedPeers entries
// at the given false-positive rate.
func NewLookupDedup(expectedPeers uint, falsePositiveRate float64) *LookupDedup {
	return &LookupDedup{filter: bloom.NewWithEstimates(expectedPeers, falsePositiveRate)}
}

// NewDefaultLookupDedup uses the package's default sizing.
func NewDefaultLookupDedup() *LookupDedup {
	return NewLookupDedup(defaultExpectedPeers, defaultFalsePositiveRate)
}

// ShouldLookup reports whether peerID has NOT already been attempted
// (approximately — false positives cause an occasional skipped retry,
// which is the accepted tradeoff). It also marks peerID as attempted.
func (d *LookupDedup) ShouldLookup(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := []byte(peerID)
	if d.filter.Test(key) {
		return false
	}
	d.filter.Add(key)
	return true
}

// Reset clears the dedup filter, e.g. on a timer, so peers that were
// unroutable earlier get re-attempted.
func (d *LookupDedup) Reset(expectedPeers uint, falsePositiveRate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = bloom.NewWithEstimates(expectedPeers, falsePositiveRate)
}

// UploadLimiter enforces a rolling byte-quota on data served to Bitswap
// requesters, refilling at a fixed rate so a burst of WANTs from many peers
// cannot saturate this node's outbound bandwidth. RegisterHandler does not
// consult an UploadLimiter, so blocks served over ProtocolID are not rate
// limited.
type UploadLimiter struct {
	mu           sync.Mutex
	allowance    float64
	maxAllowance float64
	ratePerSec   float64
	lastRefill   time.Time
}

// NewUploadLimiter constructs a limiter allowing up to maxBytesPerSec
// sustained, with a burst capacity of burstBytes.
func NewUploadLimiter(maxBytesPerSec, burstBytes float64) *UploadLimiter {
	return &UploadLimiter{
		allowance:    burstBytes,
		maxAllowance: burstBytes,
		ratePerSec:   maxBytesPerSec,
		lastRefill:   time.Now(),
	}
}

// Allow reports whether n bytes may be sent right now, debiting the
// allowance if so. Call UpdateRate to change the limiter's configured rate
// at runtime (e.g. from a reloaded config); accumulated allowance is kept
// up to the new burst capacity.
func (l *UploadLimiter) Allow(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	l.allowance += elapsed * l.ratePerSec
	if l.allowance > l.maxAllowance {
		l.allowance = l.maxAllowance
	}
	if l.allowance < float64(n) {
		return false
	}
	l.allowance -= float64(n)
	return true
}

// UpdateRate changes the sustained rate and burst capacity at runtime.
func (l *UploadLimiter) UpdateRate(maxBytesPerSec, burstBytes float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ratePerSec = maxBytesPerSec
	l.maxAllowance = burstBytes
	if l.allowance > l.maxAllowance {
		l.allowance = l.maxAllowance
	}
}
