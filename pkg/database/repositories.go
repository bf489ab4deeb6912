// Copyright 2025 Certen Protocol
//
// Repositories - Convenience wrapper for all database repositories
// Provides a single point of access to all repository types

package database

// Repositories holds all repository instances
type Repositories struct {
	History     *HistoryRepository
	Checkpoints *CheckpointRepository
	Finality    *FinalityRepository
}

// NewRepositories creates all repositories with the given client
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		History:     NewHistoryRepository(client),
		Checkpoints: NewCheckpointRepository(client),
		Finality:    NewFinalityRepository(client),
	}
}
