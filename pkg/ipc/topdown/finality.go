// Copyright 2025 Certen Protocol
//
// Finality Provider: a bounded cache of recent parent-chain blocks with the
// validator-change requests and cross-messages observed at each height,
// producing proposal candidates and validating process_proposal.

package topdown

import (
	"sync"
)

// ValidatorChange is one validator-set change request observed on the
// parent at a given height.
type ValidatorChange struct {
	Height    uint64
	Validator string
	NewPower  uint64
}

// CrossMessage is an opaque top-down message emitted by the parent gateway
// for this subnet at a given height.
type CrossMessage struct {
	Height uint64
	Data   []byte
}

// ParentBlock is one cached parent-chain observation.
type ParentBlock struct {
	Height    uint64
	BlockHash [32]byte
	Changes   []ValidatorChange
	Messages  []CrossMessage
}

// Provider caches observed parent blocks and tracks the monotonic
// last-proposed/last-finalized height markers.
type Provider struct {
	mu sync.Mutex

	blocks map[uint64]*ParentBlock

	lastProposed  uint64
	lastFinalized uint64

	maxProposalRange uint64
	proposalDelay    uint64
}

// NewProvider constructs an empty Finality Provider.
func NewProvider(maxProposalRange, proposalDelay uint64) *Provider {
	return &Provider{
		blocks:           make(map[uint64]*ParentBlock),
		maxProposalRange: maxProposalRange,
		proposalDelay:    proposalDelay,
	}
}

// Ingest records an observed parent block, called by the parent RPC poller.
func (p *Provider) Ingest(b ParentBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[b.Height] = &b
}

// CandidateHeight returns the highest cached height this node would
// propose: at least proposalDelay blocks behind the parent tip (confirmation
// depth) and at most maxProposalRange above lastFinalized, or ok=false if
// nothing proposable is cached yet.
func (p *Provider) CandidateHeight(currentParentHeight uint64) (height uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if currentParentHeight <= p.proposalDelay {
		return 0, false
	}
	upper := currentParentHeight - p.proposalDelay
	if p.maxProposalRange > 0 && upper > p.lastFinalized+p.maxProposalRange {
		upper = p.lastFinalized + p.maxProposalRange
	}
	for h := upper; h > p.lastFinalized; h-- {
		if _, cached := p.blocks[h]; cached {
			return h, true
		}
	}
	return 0, false
}

// BlockHash returns the cached block hash at height, or ok=false if this
// node has not observed a parent block at that height.
func (p *Provider) BlockHash(height uint64) (hash [32]byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[height]
	if !ok {
		return [32]byte{}, false
	}
	return b.BlockHash, true
}

// CheckLocal reports whether (height, hash) matches this node's own cache,
// the rule process_proposal applies before accepting a TopDownExec
// proposal.
func (p *Provider) CheckLocal(height uint64, hash [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[height]
	return ok && b.BlockHash == hash
}

// ChangesAndMessagesInRange returns the validator changes and cross
// messages observed in (prevHeight, finalityHeight], the interval executed
// when a TopDownExec finality is delivered.
func (p *Provider) ChangesAndMessagesInRange(prevHeight, finalityHeight uint64) ([]ValidatorChange, []CrossMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var changes []ValidatorChange
	var msgs []CrossMessage
	for h := prevHeight + 1; h <= finalityHeight; h++ {
		b, ok := p.blocks[h]
		if !ok {
			continue
		}
		changes = append(changes, b.Changes...)
		msgs = append(msgs, b.Messages...)
	}
	return changes, msgs
}

// CommitFinality advances lastFinalized and drops cached entries below the
// newly committed height. The tip itself stays cached: its changes and
// messages are deferred to the next finality round, which reads them from
// here before this method runs again.
func (p *Provider) CommitFinality(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFinalized = height
	for h := range p.blocks {
		if h < height {
			delete(p.blocks, h)
		}
	}
}

// MarkProposed records the highest height this node has put in a proposal.
// Re-proposing an uncommitted height on a later round is deliberate: the
// candidate only stops once CommitFinality lands, so a rejected round can
// never wedge the proposal pipeline.
func (p *Provider) MarkProposed(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height > p.lastProposed {
		p.lastProposed = height
	}
}

// LastFinalized returns the last height committed via CommitFinality.
func (p *Provider) LastFinalized() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFinalized
}
