// Copyright 2025 Certen Protocol
//
// Deterministic CBOR encoding for AppState/StateParams. This is the bit-exact
// wire contract for the app-hash: sorted map keys, canonical integer widths,
// no indefinite-length items.

package store

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	canonicalEncMode cbor.EncMode
	canonicalDecMode cbor.DecMode
	canonicalOnce    sync.Once
)

func canonicalModes() (cbor.EncMode, cbor.DecMode) {
	canonicalOnce.Do(func() {
		encOpts := cbor.CanonicalEncOptions()
		encOpts.Sort = cbor.SortCanonical
		mode, err := encOpts.EncMode()
		if err != nil {
			panic(fmt.Sprintf("store: building canonical CBOR encoder: %v", err))
		}
		canonicalEncMode = mode

		decMode, err := cbor.DecOptions{}.DecMode()
		if err != nil {
			panic(fmt.Sprintf("store: building CBOR decoder: %v", err))
		}
		canonicalDecMode = decMode
	})
	return canonicalEncMode, canonicalDecMode
}

// MarshalCanonical encodes v (AppState or StateParams) as deterministic CBOR.
func MarshalCanonical(v interface{}) ([]byte, error) {
	enc, _ := canonicalModes()
	return enc.Marshal(v)
}

// UnmarshalCanonical decodes deterministic CBOR back into v.
func UnmarshalCanonical(data []byte, v interface{}) error {
	_, dec := canonicalModes()
	return dec.Unmarshal(data, v)
}

// AppHash returns the deterministic digest of StateParams that the
// consensus protocol compares across validators.
func AppHash(p StateParams) ([]byte, error) {
	raw, err := MarshalCanonical(p)
	if err != nil {
		return nil, fmt.Errorf("canonical encode state params: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}
