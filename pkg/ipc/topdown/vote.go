// Copyright 2025 Certen Protocol
//
// Vote Tally: the per-subnet register of validator votes over (height,
// block-hash) pairs, weighted by the current power table. Quorum is a
// weighted sum against a configured threshold, not a fixed signer count.

package topdown

import (
	"errors"
	"log"
	"math/big"
	"sync"
)

// Sentinel errors for the vote tally protocol.
var (
	ErrEquivocation       = errors.New("topdown: equivocation: validator already voted a different hash at this height")
	ErrUnexpectedBlock    = errors.New("topdown: vote block hash incompatible with locally observed chain")
	ErrUnpoweredValidator = errors.New("topdown: validator has zero weight in the current power table")
)

// Vote is one validator's signed observation of the parent chain at height.
type Vote struct {
	Height    uint64
	BlockHash [32]byte
	Validator string
}

type heightHash struct {
	height uint64
	hash   [32]byte
}

// Tally maintains, per (height, block_hash), the sum of voting weights
// according to the current power table, and enforces the equivocation,
// stale-vote, and unexpected-block rejection rules.
type Tally struct {
	mu sync.Mutex

	power map[string]*big.Int // validator -> weight

	// votedHeight records the single hash each validator has voted for at a
	// given height, to detect equivocation.
	votedHeight map[string]map[uint64][32]byte

	weights map[heightHash]*big.Int

	finalized uint64

	quorumThreshold *big.Int

	// observed lets process_proposal validate a vote's hash against what
	// this node itself has seen at that height (set by the finality
	// provider as it ingests parent blocks).
	observed map[uint64][32]byte

	logger *log.Logger
}

// NewTally constructs an empty tally with the given power table and
// absolute quorum threshold (sum of weights that counts as quorum).
func NewTally(power map[string]*big.Int, quorumThreshold *big.Int) *Tally {
	return &Tally{
		power:           power,
		votedHeight:     make(map[string]map[uint64][32]byte),
		weights:         make(map[heightHash]*big.Int),
		observed:        make(map[uint64][32]byte),
		quorumThreshold: quorumThreshold,
		logger:          log.New(log.Writer(), "[VoteTally] ", log.LstdFlags),
	}
}

// SetObserved records the block hash this node itself saw at height,
// against which incoming votes are validated.
func (t *Tally) SetObserved(height uint64, hash [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed[height] = hash
}

// UpdatePowerTable re-keys future weight accounting; votes already tallied
// keep their already-added weight (re-tallying historical votes under a new
// table would let power changes retroactively alter quorum decisions).
func (t *Tally) UpdatePowerTable(power map[string]*big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.power = power
}

// AddVote applies one vote, returning an error if it must be rejected
// (silently for stale heights — the caller decides whether to log that).
func (t *Tally) AddVote(v Vote) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.Height <= t.finalized {
		// Votes for already-finalized heights are silently dropped.
		return nil
	}

	weight, ok := t.power[v.Validator]
	if !ok || weight.Sign() <= 0 {
		return ErrUnpoweredValidator
	}

	if observed, ok := t.observed[v.Height]; ok && observed != v.BlockHash {
		return ErrUnexpectedBlock
	}

	byValidator, ok := t.votedHeight[v.Validator]
	if !ok {
		byValidator = make(map[uint64][32]byte)
		t.votedHeight[v.Validator] = byValidator
	}
	if prior, voted := byValidator[v.Height]; voted {
		if prior != v.BlockHash {
			return ErrEquivocation
		}
		// Identical repeat vote: no-op.
		return nil
	}
	byValidator[v.Height] = v.BlockHash

	key := heightHash{height: v.Height, hash: v.BlockHash}
	total, ok := t.weights[key]
	if !ok {
		total = big.NewInt(0)
	}
	total = new(big.Int).Add(total, weight)
	t.weights[key] = total
	return nil
}

// HighestQuorum returns the highest height with quorum and its block hash,
// or ok=false if none exists.
func (t *Tally) HighestQuorum() (height uint64, hash [32]byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var bestHeight uint64
	var bestHash [32]byte
	found := false
	for k, w := range t.weights {
		if w.Cmp(t.quorumThreshold) < 0 {
			continue
		}
		if !found || k.height > bestHeight {
			bestHeight = k.height
			bestHash = k.hash
			found = true
		}
	}
	return bestHeight, bestHash, found
}

// AdvanceFinalized drops all votes at or below height, matching the
// execution step that removes tallied votes once a finality is committed.
func (t *Tally) AdvanceFinalized(height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = height
	for validator, byHeight := range t.votedHeight {
		for h := range byHeight {
			if h <= height {
				delete(byHeight, h)
			}
		}
		if len(byHeight) == 0 {
			delete(t.votedHeight, validator)
		}
	}
	for k := range t.weights {
		if k.height <= height {
			delete(t.weights, k)
		}
	}
	for h := range t.observed {
		if h <= height {
			delete(t.observed, h)
		}
	}
}
