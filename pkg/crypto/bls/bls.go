// Copyright 2025 Certen Protocol
//
// BLS12-381 signatures for validator voting and checkpoint attestation.
// Minimal-pubkey-on-G2 layout: public keys are G2 points (96 bytes
// compressed), signatures are G1 points (48 bytes compressed). Messages
// are hashed to G1 with RFC 9380 SSWU; every signing context gets its own
// domain-separation tag so a vote tuple can never be replayed as a
// checkpoint attestation or vice versa.

package bls

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 96
	SignatureSize  = 48
)

// dstPrefix is the base hash-to-curve tag; per-context domains are appended
// so each signing context hashes onto a disjoint region of G1.
const dstPrefix = "IPC_BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_"

var (
	_, _, g1Gen, g2Gen = bls12381.Generators()

	ErrNoSignatures = errors.New("bls: no signatures to aggregate")
	ErrNoPublicKeys = errors.New("bls: no public keys to aggregate")
)

// PrivateKey is a scalar in Fr.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is sk*G2.
type PublicKey struct {
	point bls12381.G2Affine
}

// Signature is sk*H(msg) on G1.
type Signature struct {
	point bls12381.G1Affine
}

// GenerateKeyPair draws a fresh key pair from the system random source.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("bls: generate scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PrivateKeyFromBytes parses a 32-byte scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("bls: private key must be %d bytes, got %d", PrivateKeySize, len(data))
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// PublicKeyFromBytes parses a compressed G2 point.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls: decode public key: %w", err)
	}
	return &PublicKey{point: pk}, nil
}

// PublicKeyFromHex parses a hex-encoded compressed G2 point.
func PublicKeyFromHex(s string) (*PublicKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bls: decode public key hex: %w", err)
	}
	return PublicKeyFromBytes(data)
}

// SignatureFromBytes parses a compressed G1 point.
func SignatureFromBytes(data []byte) (*Signature, error) {
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls: decode signature: %w", err)
	}
	return &Signature{point: sig}, nil
}

func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *PrivateKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// PublicKey derives sk*G2.
func (sk *PrivateKey) PublicKey() *PublicKey {
	var pk bls12381.G2Affine
	var s big.Int
	sk.scalar.BigInt(&s)
	pk.ScalarMultiplication(&g2Gen, &s)
	return &PublicKey{point: pk}
}

// Sign signs under the base domain tag.
func (sk *PrivateKey) Sign(message []byte) *Signature {
	return sk.SignWithDomain(message, "")
}

// SignWithDomain signs with a context-specific domain-separation tag.
func (sk *PrivateKey) SignWithDomain(message []byte, domain string) *Signature {
	h := hashToPoint(message, domain)
	var sig bls12381.G1Affine
	var s big.Int
	sk.scalar.BigInt(&s)
	sig.ScalarMultiplication(&h, &s)
	return &Signature{point: sig}
}

func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk *PublicKey) Hex() string { return hex.EncodeToString(pk.Bytes()) }

func (pk *PublicKey) Equal(other *PublicKey) bool { return pk.point.Equal(&other.point) }

// Verify checks sig over message under the base domain tag.
func (pk *PublicKey) Verify(sig *Signature, message []byte) bool {
	return pk.VerifyWithDomain(sig, message, "")
}

// VerifyWithDomain checks e(sig, G2) == e(H(msg), pk) via a single
// two-pair pairing check.
func (pk *PublicKey) VerifyWithDomain(sig *Signature, message []byte, domain string) bool {
	h := hashToPoint(message, domain)
	var negPk bls12381.G2Affine
	negPk.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig.point, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	return err == nil && ok
}

func (sig *Signature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

func (sig *Signature) Hex() string { return hex.EncodeToString(sig.Bytes()) }

// AggregateSignatures sums signatures on G1. All inputs must sign the same
// message for the aggregate to verify against an aggregated public key.
func AggregateSignatures(sigs []*Signature) (*Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	var acc bls12381.G1Jac
	acc.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var p bls12381.G1Jac
		p.FromAffine(&s.point)
		acc.AddAssign(&p)
	}
	var out bls12381.G1Affine
	out.FromJacobian(&acc)
	return &Signature{point: out}, nil
}

// AggregatePublicKeys sums public keys on G2.
func AggregatePublicKeys(pks []*PublicKey) (*PublicKey, error) {
	if len(pks) == 0 {
		return nil, ErrNoPublicKeys
	}
	var acc bls12381.G2Jac
	acc.FromAffine(&pks[0].point)
	for _, pk := range pks[1:] {
		var p bls12381.G2Jac
		p.FromAffine(&pk.point)
		acc.AddAssign(&p)
	}
	var out bls12381.G2Affine
	out.FromJacobian(&acc)
	return &PublicKey{point: out}, nil
}

// VerifyAggregate checks an aggregated signature from signers who all
// signed the same message under the same domain.
func VerifyAggregate(aggSig *Signature, pks []*PublicKey, message []byte, domain string) bool {
	aggPk, err := AggregatePublicKeys(pks)
	if err != nil {
		return false
	}
	return aggPk.VerifyWithDomain(aggSig, message, domain)
}

// ValidatePublicKeyBytes fail-closed checks a serialized public key:
// decodes, on-curve, not identity, and in the prime-order G2 subgroup.
// The subgroup check is what defends aggregation against rogue-key
// small-subgroup points.
func ValidatePublicKeyBytes(data []byte) error {
	if len(data) != PublicKeySize {
		return fmt.Errorf("bls: public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return fmt.Errorf("bls: decode public key: %w", err)
	}
	if !pk.IsOnCurve() {
		return errors.New("bls: public key not on curve")
	}
	if pk.IsInfinity() {
		return errors.New("bls: public key is the identity point")
	}
	if !pk.IsInSubGroup() {
		return errors.New("bls: public key outside the G2 subgroup")
	}
	return nil
}

// ValidateSignatureBytes is the G1 counterpart of ValidatePublicKeyBytes.
func ValidateSignatureBytes(data []byte) error {
	if len(data) != SignatureSize {
		return fmt.Errorf("bls: signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(data); err != nil {
		return fmt.Errorf("bls: decode signature: %w", err)
	}
	if !sig.IsOnCurve() {
		return errors.New("bls: signature not on curve")
	}
	if sig.IsInfinity() {
		return errors.New("bls: signature is the identity point")
	}
	if !sig.IsInSubGroup() {
		return errors.New("bls: signature outside the G1 subgroup")
	}
	return nil
}

func hashToPoint(message []byte, domain string) bls12381.G1Affine {
	p, err := bls12381.HashToG1(message, []byte(dstPrefix+domain))
	if err != nil {
		// HashToG1 only errors on oversized DSTs, which the fixed
		// prefix plus short context strings never produce.
		panic(fmt.Sprintf("bls: hash to G1: %v", err))
	}
	return p
}
