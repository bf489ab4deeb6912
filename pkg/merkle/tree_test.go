// Copyright 2025 Certen Protocol
//
// Cross-message batch tree tests.

package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestBuildTreeSingleMessage(t *testing.T) {
	leaf := sha256.Sum256([]byte("cross-message 1"))
	tree, err := BuildTree([][]byte{leaf[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	// A single-message batch's root is just that message's hash.
	if !bytes.Equal(tree.Root(), leaf[:]) {
		t.Errorf("single leaf root mismatch: got %x, want %x", tree.Root(), leaf[:])
	}
	if tree.LeafCount() != 1 {
		t.Errorf("leaf count mismatch: got %d, want 1", tree.LeafCount())
	}
}

func TestBuildTreeTwoMessages(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("cross-message 1"))
	leaf2 := sha256.Sum256([]byte("cross-message 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	combined := make([]byte, 64)
	copy(combined[:32], leaf1[:])
	copy(combined[32:], leaf2[:])
	expectedRoot := sha256.Sum256(combined)

	if !bytes.Equal(tree.Root(), expectedRoot[:]) {
		t.Errorf("two leaf root mismatch: got %x, want %x", tree.Root(), expectedRoot[:])
	}
}

func TestBuildTreeFourMessages(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}
	if tree.LeafCount() != 4 {
		t.Errorf("leaf count mismatch: got %d, want 4", tree.LeafCount())
	}
	if len(tree.Root()) != 32 {
		t.Errorf("root length mismatch: got %d, want 32", len(tree.Root()))
	}
}

func TestBuildTreeOddMessageCountDuplicatesLastNode(t *testing.T) {
	leaves := make([][]byte, 3)
	for i := 0; i < 3; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree with an odd message count: %v", err)
	}
	if tree.LeafCount() != 3 {
		t.Errorf("leaf count mismatch: got %d, want 3", tree.LeafCount())
	}
	if len(tree.Root()) != 32 {
		t.Errorf("expected a 32-byte root for an odd-sized batch")
	}
}

func TestGenerateProofTwoMessages(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("cross-message 1"))
	leaf2 := sha256.Sum256([]byte("cross-message 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	proof0, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("failed to generate proof for message 0: %v", err)
	}
	if proof0.LeafIndex != 0 {
		t.Errorf("proof leaf index mismatch: got %d, want 0", proof0.LeafIndex)
	}
	if len(proof0.Path) != 1 {
		t.Errorf("proof path length mismatch: got %d, want 1", len(proof0.Path))
	}
	if proof0.Path[0].Position != Right {
		t.Errorf("sibling position mismatch: got %s, want right", proof0.Path[0].Position)
	}

	valid, err := VerifyProof(leaf1[:], proof0, tree.Root())
	if err != nil {
		t.Fatalf("failed to verify proof: %v", err)
	}
	if !valid {
		t.Error("proof verification failed for valid proof")
	}

	proof1, err := tree.GenerateProof(1)
	if err != nil {
		t.Fatalf("failed to generate proof for message 1: %v", err)
	}
	if proof1.Path[0].Position != Left {
		t.Errorf("sibling position mismatch: got %s, want left", proof1.Path[0].Position)
	}

	valid, err = VerifyProof(leaf2[:], proof1, tree.Root())
	if err != nil {
		t.Fatalf("failed to verify proof: %v", err)
	}
	if !valid {
		t.Error("proof verification failed for valid proof")
	}
}

func TestGenerateProofFourMessages(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	for i := 0; i < 4; i++ {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("failed to generate proof for message %d: %v", i, err)
		}
		if len(proof.Path) != 2 {
			t.Errorf("message %d: proof path length mismatch: got %d, want 2", i, len(proof.Path))
		}
		valid, err := VerifyProof(leaves[i], proof, tree.Root())
		if err != nil {
			t.Fatalf("message %d: failed to verify proof: %v", i, err)
		}
		if !valid {
			t.Errorf("message %d: proof verification failed", i)
		}
	}
}

func TestGenerateProofLargeBatch(t *testing.T) {
	leaves := make([][]byte, 100)
	for i := 0; i < 100; i++ {
		hash := sha256.Sum256([]byte{byte(i), byte(i >> 8)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	for _, i := range []int{0, 1, 49, 50, 99} {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("failed to generate proof for message %d: %v", i, err)
		}
		valid, err := VerifyProof(leaves[i], proof, tree.Root())
		if err != nil {
			t.Fatalf("message %d: failed to verify proof: %v", i, err)
		}
		if !valid {
			t.Errorf("message %d: proof verification failed", i)
		}
	}
}

func TestVerifyProofRejectsWrongMessageOrRoot(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("cross-message 1"))
	leaf2 := sha256.Sum256([]byte("cross-message 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	proof, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("failed to generate proof: %v", err)
	}

	wrongMessage := sha256.Sum256([]byte("not in this batch"))
	valid, err := VerifyProof(wrongMessage[:], proof, tree.Root())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("proof should not be valid for a message outside the batch")
	}

	wrongRoot := sha256.Sum256([]byte("wrong checkpoint root"))
	valid, err = VerifyProof(leaf1[:], proof, wrongRoot[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("proof should not be valid against the wrong checkpoint root")
	}
}

func TestGenerateProofByHashLocatesMessageByContent(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("cross-message 1"))
	leaf2 := sha256.Sum256([]byte("cross-message 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	proof, err := tree.GenerateProofByHash(leaf2[:])
	if err != nil {
		t.Fatalf("failed to generate proof by hash: %v", err)
	}
	if proof.LeafIndex != 1 {
		t.Errorf("leaf index mismatch: got %d, want 1", proof.LeafIndex)
	}

	valid, err := VerifyProof(leaf2[:], proof, tree.Root())
	if err != nil {
		t.Fatalf("failed to verify proof: %v", err)
	}
	if !valid {
		t.Error("proof verification failed")
	}
}

// TestTreeReceiptRoundTripsThroughJSON exercises the full portable-proof
// pipeline: build a batch tree, derive a Receipt for one of its
// messages, serialize and deserialize it the way a relayer would when
// handing it to another process, and confirm it still validates
// against the checkpoint's root with no access to the Tree at all.
func TestTreeReceiptRoundTripsThroughJSON(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	receipt, err := tree.Receipt(2, 12345)
	if err != nil {
		t.Fatalf("failed to build receipt: %v", err)
	}
	if receipt.LocalBlock != 12345 {
		t.Fatalf("expected LocalBlock 12345, got %d", receipt.LocalBlock)
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		t.Fatalf("failed to serialize receipt: %v", err)
	}
	var restored Receipt
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("failed to deserialize receipt: %v", err)
	}

	if err := restored.Validate(); err != nil {
		t.Fatalf("restored receipt failed to validate: %v", err)
	}
}

func TestTreeReceiptFailsValidationAgainstTamperedAnchor(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	receipt, err := tree.Receipt(0, 1)
	if err != nil {
		t.Fatalf("failed to build receipt: %v", err)
	}

	tampered := sha256.Sum256([]byte("a different root entirely"))
	receipt.Anchor = hex.EncodeToString(tampered[:])
	if err := receipt.Validate(); err == nil {
		t.Fatal("expected validation to fail against a tampered anchor")
	}
}

func TestEmptyTreeRejected(t *testing.T) {
	if _, err := BuildTree([][]byte{}); err != ErrEmptyTree {
		t.Errorf("expected ErrEmptyTree, got %v", err)
	}
}

func TestInvalidLeafHashRejected(t *testing.T) {
	if _, err := BuildTree([][]byte{[]byte("not 32 bytes")}); err == nil {
		t.Error("expected an error for a leaf that isn't a 32-byte hash")
	}
}

func TestHashDataIsDeterministic(t *testing.T) {
	data := []byte("cross-message payload")
	hash := HashData(data)
	if len(hash) != 32 {
		t.Errorf("hash length mismatch: got %d, want 32", len(hash))
	}
	if !bytes.Equal(hash, HashData(data)) {
		t.Error("hash is not deterministic")
	}
}

func TestCombineHashesIsOrderSensitive(t *testing.T) {
	h1 := sha256.Sum256([]byte("hash1"))
	h2 := sha256.Sum256([]byte("hash2"))

	combined := CombineHashes(h1[:], h2[:])
	if len(combined) != 32 {
		t.Errorf("combined hash length mismatch: got %d, want 32", len(combined))
	}
	if bytes.Equal(combined, CombineHashes(h2[:], h1[:])) {
		t.Error("combine order should matter")
	}
}
