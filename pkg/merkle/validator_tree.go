// Copyright 2025 Certen Protocol
//
// OpenZeppelin-compatible Standard Merkle Tree over (address, uint256)
// leaves, used for the validator power table root the gateway contract
// verifies on-chain. Sibling pairs are sorted before hashing — the detail
// that makes this tree's root match @openzeppelin/merkle-tree's output,
// unlike the sha256 anchor-batch Tree above which hashes pairs in tree
// order.

package merkle

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ValidatorLeaf is one (address, weight) pair contributing to the power
// table root.
type ValidatorLeaf struct {
	Validator common.Address
	Weight    *big.Int
}

var leafTupleArgs abi.Arguments

func init() {
	addrType, _ := abi.NewType("address", "", nil)
	uintType, _ := abi.NewType("uint256", "", nil)
	leafTupleArgs = abi.Arguments{{Type: addrType}, {Type: uintType}}
}

// leafHash returns keccak256(keccak256(abi.encode(address, uint256))) —
// OpenZeppelin's standard tree double-hashes leaves to prevent second
// preimage attacks against intermediate nodes.
func leafHash(l ValidatorLeaf) ([]byte, error) {
	packed, err := leafTupleArgs.Pack(l.Validator, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("abi-encode validator leaf: %w", err)
	}
	inner := crypto.Keccak256(packed)
	outer := crypto.Keccak256(inner)
	return outer, nil
}

// sortedPairHash hashes two nodes after sorting them, matching
// OpenZeppelin's commutative internal-node hashing.
func sortedPairHash(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(append(append([]byte{}, a...), b...))
}

// ValidatorTree is a built OpenZeppelin-compatible standard Merkle tree.
type ValidatorTree struct {
	leaves []ValidatorLeaf
	hashes [][]byte // leaf hashes, in input order
	root   []byte
}

// BuildValidatorTree hashes and combines leaves into a standard Merkle
// tree. Leaf order is preserved for proof indexing; callers that need
// deterministic roots across nodes must pass leaves in the same
// (already-ranked) order on every node, which the staking active-set
// ranking guarantees.
func BuildValidatorTree(leaves []ValidatorLeaf) (*ValidatorTree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	hashes := make([][]byte, len(leaves))
	for i, l := range leaves {
		h, err := leafHash(l)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}

	level := append([][]byte{}, hashes...)
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, sortedPairHash(level[i], level[i+1]))
		}
		level = next
	}

	return &ValidatorTree{leaves: leaves, hashes: hashes, root: level[0]}, nil
}

// Root returns the 32-byte Merkle root used by the verifier contract.
func (t *ValidatorTree) Root() []byte {
	return t.root
}

// Proof returns the sibling path for the leaf at index i, root-ward.
func (t *ValidatorTree) Proof(i int) ([][]byte, error) {
	if i < 0 || i >= len(t.hashes) {
		return nil, ErrLeafNotFound
	}
	var proof [][]byte
	level := append([][]byte{}, t.hashes...)
	idx := i
	for len(level) > 1 {
		var next [][]byte
		for j := 0; j < len(level); j += 2 {
			if j+1 == len(level) {
				next = append(next, level[j])
				if idx == j {
					idx = len(next) - 1
				}
				continue
			}
			if idx == j {
				proof = append(proof, level[j+1])
				idx = len(next)
			} else if idx == j+1 {
				proof = append(proof, level[j])
				idx = len(next)
			}
			next = append(next, sortedPairHash(level[j], level[j+1]))
		}
		level = next
	}
	return proof, nil
}

// VerifyValidatorProof checks that leaf, combined with proof, reduces to
// root under the same sorted-pair rule used to build the tree.
func VerifyValidatorProof(leaf ValidatorLeaf, proof [][]byte, root []byte) (bool, error) {
	h, err := leafHash(leaf)
	if err != nil {
		return false, err
	}
	for _, sibling := range proof {
		h = sortedPairHash(h, sibling)
	}
	return bytes.Equal(h, root), nil
}

// sortLeavesDeterministically is exposed for callers (e.g. tests) that want
// a canonical leaf order independent of map iteration; production callers
// should instead pass leaves pre-ranked by the staking active-set order.
func sortLeavesDeterministically(leaves []ValidatorLeaf) {
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Validator.Bytes(), leaves[j].Validator.Bytes()) < 0
	})
}
