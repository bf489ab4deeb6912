// Copyright 2025 Certen Protocol
//
// Envelope: a minimal signed-and-domain-separated wire wrapper for gossiped
// provider records, built directly on the libp2p host's own identity key
// rather than a second BLS keypair — peer identity and record authorship
// are the same key here, unlike the BLS-signed vote/checkpoint paths.

package resolver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// ErrEnvelopeVerification is returned when a gossiped envelope's signature
// does not verify, or its domain tag does not match the expected one.
var ErrEnvelopeVerification = errors.New("resolver: envelope verification failed")

type signedEnvelope struct {
	Domain    string `json:"domain"`
	Payload   []byte `json:"payload"`
	PubKey    []byte `json:"pub_key"`
	Signature []byte `json:"signature"`
}

func encodeProviderRecord(p ProviderRecordPayload) ([]byte, error) {
	return json.Marshal(p)
}

func decodeProviderRecord(raw []byte) (ProviderRecordPayload, error) {
	var p ProviderRecordPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ProviderRecordPayload{}, err
	}
	return p, nil
}

// signEnvelope signs payload with priv under domain and serializes the
// result, embedding the public key so verifyEnvelope needs no external
// keystore lookup.
func signEnvelope(priv crypto.PrivKey, domain string, payload []byte) ([]byte, error) {
	pubBytes, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshal pubkey: %w", err)
	}
	sig, err := priv.Sign(append([]byte(domain), payload...))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return json.Marshal(signedEnvelope{Domain: domain, Payload: payload, PubKey: pubBytes, Signature: sig})
}

// verifyEnvelope checks the embedded public key's signature over the
// domain-tagged payload and that the domain matches expectedDomain, then
// returns the inner payload.
func verifyEnvelope(expectedDomain string, raw []byte) ([]byte, error) {
	var env signedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrEnvelopeVerification, err)
	}
	if env.Domain != expectedDomain {
		return nil, fmt.Errorf("%w: domain mismatch: got %q want %q", ErrEnvelopeVerification, env.Domain, expectedDomain)
	}
	pub, err := crypto.UnmarshalPublicKey(env.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad pubkey: %v", ErrEnvelopeVerification, err)
	}
	ok, err := pub.Verify(append([]byte(env.Domain), env.Payload...), env.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: signature check failed", ErrEnvelopeVerification)
	}
	return env.Payload, nil
}
