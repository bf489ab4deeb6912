// Copyright 2025 Certen Protocol
//
// ABCI error taxonomy: the response codes CheckTx/FinalizeBlock/Query use to
// tell light clients and callers why a transaction or query failed. One
// fixed taxonomy shared across every entry point instead of ad hoc
// per-method numbering.

package abci

import (
	"errors"

	"github.com/certen/ipc-fendermint/pkg/interpreter"
	"github.com/certen/ipc-fendermint/pkg/store"
)

// Response codes. 0 is always OK (the abcitypes convention).
const (
	CodeOK               uint32 = 0
	CodeInvalidEncoding  uint32 = 51
	CodeInvalidSignature uint32 = 52
	CodeIllegalMessage   uint32 = 53
	CodeNotInitialized   uint32 = 54
	CodeOutOfSequence    uint32 = 55
)

// codeFor maps a sentinel/wrapped error from the interpreter or store layers
// to its ABCI response code, defaulting to CodeInvalidEncoding for anything
// unrecognized (fail closed: reject rather than silently accept).
func codeFor(err error) uint32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, store.ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, interpreter.ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, interpreter.ErrIllegalMessage):
		return CodeIllegalMessage
	case errors.Is(err, interpreter.ErrOutOfSequence):
		return CodeOutOfSequence
	default:
		return CodeInvalidEncoding
	}
}
