// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrStateHistoryNotFound is returned when no archived StateParams exist
	// at the requested height
	ErrStateHistoryNotFound = errors.New("state history record not found")

	// ErrCheckpointNotFound is returned when a checkpoint record is not found
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrFinalityNotFound is returned when no parent finality record exists
	// at the requested height
	ErrFinalityNotFound = errors.New("parent finality record not found")
)
