// Copyright 2025 Certen Protocol
//
// Checkpoint Pool: envelopes awaiting CID resolution before execution, plus
// the periodic-checkpoint-window bookkeeping. A mutex-guarded map of
// in-flight envelopes with a window bounded by a block count (DueAt).

package bottomup

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Pool tracks bottom-up checkpoint envelopes from the moment
// BottomUpResolve adds their message CIDs to the moment every CID has
// resolved and BottomUpExec can run.
type Pool struct {
	mu sync.Mutex

	envelopes map[uuid.UUID]*Envelope

	checkPeriod          int64
	lastCheckpointHeight int64

	logger *log.Logger
}

// NewPool constructs an empty pool for a subnet checkpointing every
// checkPeriod blocks.
func NewPool(checkPeriod int64) *Pool {
	return &Pool{
		envelopes:   make(map[uuid.UUID]*Envelope),
		checkPeriod: checkPeriod,
		logger:      log.New(log.Writer(), "[CheckpointPool] ", log.LstdFlags),
	}
}

// DueAt reports whether a checkpoint should be cut at blockHeight given the
// subnet's check period and the last height one was cut.
func (p *Pool) DueAt(blockHeight int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return blockHeight-p.lastCheckpointHeight >= p.checkPeriod
}

// Add registers a new envelope awaiting resolution. Already-resolved
// envelopes (no message CIDs) are still tracked so BottomUpExec can find
// them by ID.
func (p *Pool) Add(e *Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes[e.ID] = e
	if e.Resolved {
		p.logger.Printf("✅ checkpoint %s added fully resolved (height=%d)", e.ID, e.Checkpoint.BlockHeight)
	} else {
		p.logger.Printf("📦 checkpoint %s added, awaiting %d CIDs", e.ID, len(e.MsgCIDs))
	}
}

// ResolveCID marks cid as fetched for every envelope still waiting on it.
func (p *Pool) ResolveCID(cid string) []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var justResolved []uuid.UUID
	for id, e := range p.envelopes {
		if e.Resolved {
			continue
		}
		e.MarkResolved(cid)
		if e.Resolved {
			justResolved = append(justResolved, id)
			p.logger.Printf("✅ checkpoint %s fully resolved", id)
		}
	}
	return justResolved
}

// Get returns the envelope by ID, if still tracked.
func (p *Pool) Get(id uuid.UUID) (*Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.envelopes[id]
	return e, ok
}

// Remove drops an envelope once it has been executed via BottomUpExec.
func (p *Pool) Remove(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.envelopes, id)
}

// MarkCheckpointCut advances the last-checkpoint-height marker once a new
// checkpoint has been signed for blockHeight.
func (p *Pool) MarkCheckpointCut(blockHeight int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheckpointHeight = blockHeight
}

// ResolvedIDs returns the IDs of every envelope ready for BottomUpExec.
func (p *Pool) ResolvedIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uuid.UUID
	for id, e := range p.envelopes {
		if e.Resolved {
			out = append(out, id)
		}
	}
	return out
}

// HasResolved reports whether a fully resolved envelope for this
// checkpoint height and block hash is in the pool, the rule
// process_proposal applies before accepting a BottomUpExec proposal.
func (p *Pool) HasResolved(height uint64, hash [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.envelopes {
		if e.Resolved && e.Checkpoint.BlockHeight == height && e.Checkpoint.BlockHash == hash {
			return true
		}
	}
	return false
}

// Len reports how many envelopes the pool currently tracks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}

// DescribePending returns a diagnostic summary string for logging/metrics.
func (p *Pool) DescribePending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := 0
	for _, e := range p.envelopes {
		if !e.Resolved {
			pending++
		}
	}
	return fmt.Sprintf("%d/%d envelopes pending resolution", pending, len(p.envelopes))
}
