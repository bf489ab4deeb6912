// Copyright 2025 Certen Protocol
//
// Unit tests for the cross-message Collector.

package batch

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
)

func testSubnet() bottomup.SubnetID {
	return bottomup.SubnetID{
		Root:  314159,
		Route: []common.Address{common.HexToAddress("0x1234567890123456789012345678901234567890")},
	}
}

func TestCollector_AddAndPendingCount(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	if c.PendingCount() != 0 {
		t.Fatalf("expected empty window, got %d pending", c.PendingCount())
	}

	for i := 0; i < 3; i++ {
		if err := c.Add(CrossMessage{Bytes: []byte{byte(i)}, Hash: [32]byte{byte(i)}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if c.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", c.PendingCount())
	}
}

func TestCollector_AddRejectsOverCapacity(t *testing.T) {
	cfg := DefaultCollectorConfig(testSubnet())
	cfg.MaxPerCheckpoint = 2
	c, err := NewCollector(cfg, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Add(CrossMessage{Bytes: []byte{byte(i)}, Hash: [32]byte{byte(i)}}); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if err := c.Add(CrossMessage{Bytes: []byte{9}, Hash: [32]byte{9}}); err == nil {
		t.Fatal("expected over-capacity Add to fail")
	}
}

func TestCollector_CutEmptyWindowStillProducesCheckpoint(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	result, err := c.Cut(context.Background(), 100, [32]byte{1}, 1)
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	if result.MessageTree != nil {
		t.Fatal("expected nil message tree for empty window")
	}
	if len(result.Checkpoint.Msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(result.Checkpoint.Msgs))
	}
	if result.Checkpoint.BlockHeight != 100 {
		t.Fatalf("expected block height 100, got %d", result.Checkpoint.BlockHeight)
	}
}

func TestCollector_CutBuildsMerkleTreeAndResetsWindow(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := c.Add(CrossMessage{Bytes: []byte{byte(i), byte(i)}, Hash: [32]byte{byte(i + 1)}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	result, err := c.Cut(context.Background(), 200, [32]byte{2}, 2)
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	if result.MessageTree == nil {
		t.Fatal("expected a message tree for non-empty window")
	}
	if len(result.MerkleRoot) != 32 {
		t.Fatalf("expected 32-byte merkle root, got %d bytes", len(result.MerkleRoot))
	}
	if len(result.Checkpoint.Msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result.Checkpoint.Msgs))
	}

	if c.PendingCount() != 0 {
		t.Fatalf("expected window reset after cut, got %d pending", c.PendingCount())
	}
}

func TestCollector_CutResultMessageReceiptValidatesAgainstRoot(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	hashes := [][32]byte{{1}, {2}, {3}}
	for _, h := range hashes {
		if err := c.Add(CrossMessage{Bytes: []byte{h[0]}, Hash: h}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	result, err := c.Cut(context.Background(), 300, [32]byte{3}, 3)
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}

	for i := range hashes {
		receipt, err := result.MessageReceipt(i)
		if err != nil {
			t.Fatalf("MessageReceipt(%d): %v", i, err)
		}
		if receipt.LocalBlock != 300 {
			t.Fatalf("expected receipt LocalBlock 300, got %d", receipt.LocalBlock)
		}
		if err := receipt.Validate(); err != nil {
			t.Fatalf("receipt %d failed to validate: %v", i, err)
		}
	}
}

func TestCollector_CutResultMessageReceiptOnEmptyWindowFails(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	result, err := c.Cut(context.Background(), 1, [32]byte{}, 0)
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	if _, err := result.MessageReceipt(0); err == nil {
		t.Fatal("expected MessageReceipt on an empty-window cut to fail")
	}
}

func TestCollector_CutProducesValidCheckpointHash(t *testing.T) {
	c, err := NewCollector(DefaultCollectorConfig(testSubnet()), nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	result, err := c.Cut(context.Background(), 1, [32]byte{}, 0)
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	hash, err := result.Checkpoint.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == ([32]byte{}) {
		t.Fatal("expected non-zero checkpoint hash")
	}
}
