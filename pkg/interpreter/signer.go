// Copyright 2025 Certen Protocol
//
// Secp256k1Signer implements Signer over go-ethereum's crypto package, the
// same Keccak256/ECDSA stack the rest of this codebase uses for anything
// Ethereum-compatible. A SignedMessage carries a 65-byte recoverable
// signature (r || s || v) over keccak256(chainID || message); From must
// equal the recovered address.

package interpreter

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1Signer verifies SignedMessage.Signature via ECDSA public-key
// recovery, with no signer-side key material of its own — validators only
// verify user transactions, they never originate them.
type Secp256k1Signer struct{}

// NewSecp256k1Signer constructs a Secp256k1Signer.
func NewSecp256k1Signer() *Secp256k1Signer {
	return &Secp256k1Signer{}
}

var _ Signer = (*Secp256k1Signer)(nil)

// Verify recovers the signer address from msg.Signature and checks it
// against msg.From, over the canonical hash of (chainID, message).
func (s *Secp256k1Signer) Verify(msg SignedMessage) error {
	if len(msg.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(msg.Signature))
	}
	if len(msg.From) != common.AddressLength {
		return fmt.Errorf("from address must be %d bytes, got %d", common.AddressLength, len(msg.From))
	}

	hash := CanonicalSignedHash(msg.ChainID, msg.Message)

	pub, err := crypto.SigToPub(hash[:], msg.Signature)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pub)
	from := common.BytesToAddress(msg.From)
	if recovered != from {
		return fmt.Errorf("recovered address %s does not match from %s", recovered.Hex(), from.Hex())
	}
	return nil
}

// CanonicalSignedHash is the keccak256 digest a SignedMessage's Signature is
// computed over: the big-endian chain ID followed by the opaque message
// bytes. Exposed so a transaction-submission client can build the same
// signing payload this validator verifies against.
func CanonicalSignedHash(chainID uint64, message []byte) [32]byte {
	var chainIDBytes [8]byte
	binary.BigEndian.PutUint64(chainIDBytes[:], chainID)
	return crypto.Keccak256Hash(chainIDBytes[:], message)
}
