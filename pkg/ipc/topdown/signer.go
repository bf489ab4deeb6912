// Copyright 2025 Certen Protocol
//
// VoteSigner signs and verifies the (tag, block_hash, block_height) tuple
// shared by both top-down gossip votes and ABCI vote extensions, so both
// paths go through one signing routine.

package topdown

import (
	"encoding/binary"

	"github.com/certen/ipc-fendermint/pkg/crypto/bls"
)

// VoteSigner wraps a validator's BLS key for vote-tuple signing, used
// identically by the gossip voting topic and by ExtendVote/VerifyVoteExtension.
type VoteSigner struct {
	priv *bls.PrivateKey
	pub  *bls.PublicKey
}

// NewVoteSigner constructs a signer from a loaded BLS private key.
func NewVoteSigner(priv *bls.PrivateKey) *VoteSigner {
	return &VoteSigner{priv: priv, pub: priv.PublicKey()}
}

// PublicKey returns the signer's public key.
func (s *VoteSigner) PublicKey() *bls.PublicKey {
	return s.pub
}

// tupleBytes serializes (tag, block_hash, block_height) for signing.
func tupleBytes(tag string, blockHash [32]byte, blockHeight uint64) []byte {
	buf := make([]byte, 0, len(tag)+32+8)
	buf = append(buf, []byte(tag)...)
	buf = append(buf, blockHash[:]...)
	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, blockHeight)
	return append(buf, h...)
}

// SignVoteTuple signs (tag, blockHash, blockHeight) under the given domain.
// ABCIVoter.Sign passes DomainVoteExtension, and that signature is what
// ExtendVote returns.
func (s *VoteSigner) SignVoteTuple(tag string, blockHash [32]byte, blockHeight uint64, domain string) *bls.Signature {
	return s.priv.SignWithDomain(tupleBytes(tag, blockHash, blockHeight), domain)
}

// VerifyVoteTuple verifies a signature over the same tuple shape produced
// by SignVoteTuple.
func VerifyVoteTuple(pub *bls.PublicKey, sig *bls.Signature, tag string, blockHash [32]byte, blockHeight uint64, domain string) bool {
	return pub.VerifyWithDomain(sig, tupleBytes(tag, blockHash, blockHeight), domain)
}

// AggregateVoteSignatures combines per-validator signatures collected for
// the same tuple into a single BLS aggregate, for inclusion in a vote
// extension's aggregated form or a checkpoint quorum certificate.
func AggregateVoteSignatures(sigs []*bls.Signature) (*bls.Signature, error) {
	return bls.AggregateSignatures(sigs)
}
