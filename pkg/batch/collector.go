// Copyright 2025 Certen Protocol
//
// Cross-Message Collector - Accumulates bottom-up cross-messages between
// checkpoint cuts.
//
// The collector:
// - Maintains one open window of cross-messages per subnet
// - Cuts a BottomUpCheckpoint when the caller calls Cut, building a Merkle
//   tree over the window's message hashes and returning the result to the
//   caller
// - Archives the cut checkpoint via the database checkpoint repository

package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/ipc-fendermint/pkg/database"
	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/merkle"
)

// CrossMessage is one bottom-up message awaiting inclusion in the next
// checkpoint: the FVM-encoded message bytes plus the hash used as its
// Merkle leaf.
type CrossMessage struct {
	Bytes []byte // FVM-encoded message, opaque to the collector
	Hash  [32]byte
}

// Collector accumulates cross-messages for a single subnet's bottom-up
// checkpoint window.
type Collector struct {
	mu sync.Mutex

	subnet bottomup.SubnetID

	// Database access for archiving cut checkpoints; nil disables
	// archival (e.g. in tests).
	checkpoints *database.CheckpointRepository

	window *activeWindow

	maxPerCheckpoint int

	logger *log.Logger
}

// activeWindow is the set of cross-messages accumulated since the last cut.
type activeWindow struct {
	openedAt time.Time
	leaves   [][]byte
	msgs     [][]byte
}

func newWindow() *activeWindow {
	return &activeWindow{openedAt: time.Now()}
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Subnet           bottomup.SubnetID
	MaxPerCheckpoint int // safety bound on messages per checkpoint
	Logger           *log.Logger
}

// DefaultCollectorConfig returns sensible defaults for subnet.
func DefaultCollectorConfig(subnet bottomup.SubnetID) *CollectorConfig {
	return &CollectorConfig{
		Subnet:           subnet,
		MaxPerCheckpoint: 10_000,
	}
}

// NewCollector constructs a Collector. repos may be nil to disable
// archival of cut checkpoints; the collector still functions purely in
// memory.
func NewCollector(cfg *CollectorConfig, repos *database.Repositories) (*Collector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("collector config cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[CrossMessageCollector] ", log.LstdFlags)
	}
	maxPer := cfg.MaxPerCheckpoint
	if maxPer <= 0 {
		maxPer = 10_000
	}

	c := &Collector{
		subnet:           cfg.Subnet,
		window:           newWindow(),
		maxPerCheckpoint: maxPer,
		logger:           logger,
	}
	if repos != nil {
		c.checkpoints = repos.Checkpoints
	}
	return c, nil
}

// Add indexes a cross-message into the current window.
func (c *Collector) Add(msg CrossMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window.leaves) >= c.maxPerCheckpoint {
		return fmt.Errorf("%w: window already holds %d messages", ErrWindowFull, c.maxPerCheckpoint)
	}
	leaf := msg.Hash
	c.window.leaves = append(c.window.leaves, leaf[:])
	c.window.msgs = append(c.window.msgs, msg.Bytes)
	return nil
}

// PendingCount reports how many cross-messages the open window holds.
func (c *Collector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.window.msgs)
}

// CutResult is a freshly-cut checkpoint ready for quorum signing.
type CutResult struct {
	Checkpoint  bottomup.BottomUpCheckpoint
	MerkleRoot  []byte
	MessageTree *merkle.Tree // nil when the window was empty
}

// MessageReceipt builds a portable inclusion proof for the message at
// msgIndex within this cut, suitable for handing to a relayer or
// another subnet's light client that only has the checkpoint's
// MerkleRoot — they never need the full MessageTree.
func (r *CutResult) MessageReceipt(msgIndex int) (*merkle.Receipt, error) {
	if r.MessageTree == nil {
		return nil, fmt.Errorf("message receipt: checkpoint at height %d cut an empty window", r.Checkpoint.BlockHeight)
	}
	return r.MessageTree.Receipt(msgIndex, r.Checkpoint.BlockHeight)
}

// Cut closes the current window at blockHeight/blockHash and produces a
// BottomUpCheckpoint over its accumulated cross-messages, starting a fresh
// empty window for the next period. An empty window still produces a valid
// checkpoint with zero messages — subnets checkpoint on a schedule
// regardless of whether any cross-messages occurred.
func (c *Collector) Cut(ctx context.Context, blockHeight uint64, blockHash [32]byte, nextConfigurationNumber uint64) (*CutResult, error) {
	c.mu.Lock()
	w := c.window
	c.window = newWindow()
	c.mu.Unlock()

	cp := bottomup.BottomUpCheckpoint{
		Subnet:                  c.subnet,
		BlockHeight:             blockHeight,
		BlockHash:               blockHash,
		NextConfigurationNumber: nextConfigurationNumber,
		Msgs:                    w.msgs,
	}

	result := &CutResult{Checkpoint: cp}
	if len(w.leaves) > 0 {
		tree, err := merkle.BuildTree(w.leaves)
		if err != nil {
			return nil, fmt.Errorf("cut checkpoint: build message tree: %w", err)
		}
		result.MessageTree = tree
		result.MerkleRoot = tree.Root()
	}

	hash, err := cp.Hash()
	if err != nil {
		return nil, fmt.Errorf("cut checkpoint: hash: %w", err)
	}

	if c.checkpoints != nil {
		_, err := c.checkpoints.CreateCheckpoint(ctx, database.NewCheckpointRecord{
			SubnetID:                fmt.Sprintf("%d/%v", c.subnet.Root, c.subnet.Route),
			BlockHeight:             blockHeight,
			BlockHash:               blockHash[:],
			NextConfigurationNumber: nextConfigurationNumber,
			MsgCount:                len(w.msgs),
			CheckpointHash:          hash[:],
			RequiredWeight:          "0", // caller fills in the real threshold once it knows the active power table
		})
		if err != nil {
			c.logger.Printf("⚠️ failed to archive cut checkpoint at height %d: %v", blockHeight, err)
		}
	}

	c.logger.Printf("📦 cut checkpoint at height %d with %d messages (window open %s)",
		blockHeight, len(w.msgs), time.Since(w.openedAt))

	return result, nil
}
