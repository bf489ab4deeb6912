// Copyright 2025 Certen Protocol
//
// Batch package errors

package batch

import "errors"

// Common errors for the batch package
var (
	ErrNilCollector = errors.New("collector cannot be nil")
	ErrWindowFull   = errors.New("checkpoint window is full")
)
