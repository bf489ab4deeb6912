// Copyright 2025 Certen Protocol
//
// ABCIVoter adapts the gossip-vote signer and tally to the ABCI
// ExtendVote/VerifyVoteExtension surface (pkg/abci.Voter), so the same
// (tag, block_hash, block_height) tuple and the same Tally used for
// top-down gossip voting also backs in-consensus vote extensions.

package topdown

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/certen/ipc-fendermint/pkg/crypto/bls"
)

// DomainVoteExtension namespaces ExtendVote signatures apart from the
// gossip-vote domain, so a signature collected on one topic can never be
// replayed as valid on the other.
const DomainVoteExtension = "fendermint-topdown-vote-extension-v1"

const voteExtensionTag = "topdown-finality"

// ParentHeightSource reports the most recent parent-chain height this node
// has observed, used to bound which finality candidate ExtendVote proposes.
type ParentHeightSource interface {
	LatestParentHeight() uint64
}

type voteExtensionPayload struct {
	Height    uint64 `json:"height"`
	BlockHash []byte `json:"block_hash"`
	Validator string `json:"validator"`
	Signature []byte `json:"signature"`
}

// ABCIVoter implements pkg/abci.Voter over a Finality Provider, Vote Tally
// and VoteSigner, so a validator's vote extension is exactly the same
// signed tuple it would have gossiped.
type ABCIVoter struct {
	provider  *Provider
	tally     *Tally
	signer    *VoteSigner
	validator string
	parent    ParentHeightSource

	pubkeys map[string]*bls.PublicKey
}

// NewABCIVoter constructs an ABCIVoter. pubkeys maps validator address to
// BLS public key for the current power table; UpdatePubkeys re-keys it as
// the validator set changes.
func NewABCIVoter(provider *Provider, tally *Tally, signer *VoteSigner, validator string, parent ParentHeightSource, pubkeys map[string]*bls.PublicKey) *ABCIVoter {
	return &ABCIVoter{
		provider:  provider,
		tally:     tally,
		signer:    signer,
		validator: validator,
		parent:    parent,
		pubkeys:   pubkeys,
	}
}

// UpdatePubkeys re-keys the validator public-key lookup Verify uses.
func (v *ABCIVoter) UpdatePubkeys(pubkeys map[string]*bls.PublicKey) {
	v.pubkeys = pubkeys
}

// Sign produces a vote extension over this node's current finality
// candidate, or an empty extension if none is available yet — CometBFT
// tolerates empty vote extensions, it just carries no information.
func (v *ABCIVoter) Sign(ctx context.Context, height int64) ([]byte, error) {
	if v.parent == nil || v.provider == nil || v.signer == nil {
		return nil, nil
	}

	parentHeight := v.parent.LatestParentHeight()
	candidate, ok := v.provider.CandidateHeight(parentHeight)
	if !ok {
		return nil, nil
	}
	hash, ok := v.provider.BlockHash(candidate)
	if !ok {
		return nil, nil
	}

	sig := v.signer.SignVoteTuple(voteExtensionTag, hash, candidate, DomainVoteExtension)

	payload := voteExtensionPayload{
		Height:    candidate,
		BlockHash: hash[:],
		Validator: v.validator,
		Signature: sig.Bytes(),
	}
	return json.Marshal(payload)
}

// Verify checks a peer's vote extension signature and folds it into the
// tally; a nil return means CometBFT should accept the vote.
func (v *ABCIVoter) Verify(ctx context.Context, height int64, ext []byte) error {
	if len(ext) == 0 {
		return nil
	}

	var payload voteExtensionPayload
	if err := json.Unmarshal(ext, &payload); err != nil {
		return fmt.Errorf("decode vote extension: %w", err)
	}
	if len(payload.BlockHash) != 32 {
		return fmt.Errorf("vote extension block hash must be 32 bytes")
	}

	pub, ok := v.pubkeys[payload.Validator]
	if !ok {
		return fmt.Errorf("vote extension from unknown validator %s", payload.Validator)
	}
	sig, err := bls.SignatureFromBytes(payload.Signature)
	if err != nil {
		return fmt.Errorf("decode vote extension signature: %w", err)
	}

	var hash [32]byte
	copy(hash[:], payload.BlockHash)

	if !VerifyVoteTuple(pub, sig, voteExtensionTag, hash, payload.Height, DomainVoteExtension) {
		return fmt.Errorf("vote extension signature invalid for validator %s", payload.Validator)
	}

	if v.tally != nil {
		if err := v.tally.AddVote(Vote{Height: payload.Height, BlockHash: hash, Validator: payload.Validator}); err != nil {
			return fmt.Errorf("tally rejected vote extension: %w", err)
		}
	}

	return nil
}
