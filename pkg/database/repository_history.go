// Copyright 2025 Certen Protocol
//
// HistoryRepository archives StateParams beyond the Committed Store's
// state_hist_size window, and FinalityRepository archives committed
// top-down finality.

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// HistoryRepository persists StateParams history.
type HistoryRepository struct {
	client *Client
}

// NewHistoryRepository constructs a HistoryRepository over client.
func NewHistoryRepository(client *Client) *HistoryRepository {
	return &HistoryRepository{client: client}
}

// InsertStateHistory archives one height's StateParams. Called from the
// ABCI driver's Commit path once a height's state_root has been computed;
// idempotent so a restart that replays the same Commit doesn't duplicate
// rows.
func (r *HistoryRepository) InsertStateHistory(ctx context.Context, rec StateHistoryRecord) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO state_history (
			state_height, state_root_cid, timestamp, network_version,
			base_fee_wei, circ_supply_wei, chain_id, power_scale, app_version, app_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (state_height) DO NOTHING`,
		rec.StateHeight, rec.StateRootCID, rec.Timestamp, rec.NetworkVersion,
		rec.BaseFeeWei, rec.CircSupplyWei, rec.ChainID, rec.PowerScale, rec.AppVersion, rec.AppHash,
	)
	if err != nil {
		return fmt.Errorf("insert state history: %w", err)
	}
	return nil
}

// GetStateHistory fetches the archived StateParams at a height.
func (r *HistoryRepository) GetStateHistory(ctx context.Context, height int64) (*StateHistoryRecord, error) {
	var rec StateHistoryRecord
	err := r.client.QueryRowContext(ctx, `
		SELECT state_height, state_root_cid, timestamp, network_version,
		       base_fee_wei, circ_supply_wei, chain_id, power_scale, app_version, app_hash, created_at
		FROM state_history WHERE state_height = $1`, height,
	).Scan(
		&rec.StateHeight, &rec.StateRootCID, &rec.Timestamp, &rec.NetworkVersion,
		&rec.BaseFeeWei, &rec.CircSupplyWei, &rec.ChainID, &rec.PowerScale, &rec.AppVersion, &rec.AppHash, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrStateHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state history: %w", err)
	}
	return &rec, nil
}

// PruneBelow deletes archived state history strictly below height — used
// once an operator-configured retention window, separate from the
// Committed Store's state_hist_size, has passed.
func (r *HistoryRepository) PruneBelow(ctx context.Context, height int64) (int64, error) {
	res, err := r.client.ExecContext(ctx, `DELETE FROM state_history WHERE state_height < $1`, height)
	if err != nil {
		return 0, fmt.Errorf("prune state history: %w", err)
	}
	return res.RowsAffected()
}

// FinalityRepository persists committed parent-chain finality.
type FinalityRepository struct {
	client *Client
}

// NewFinalityRepository constructs a FinalityRepository over client.
func NewFinalityRepository(client *Client) *FinalityRepository {
	return &FinalityRepository{client: client}
}

// RecordFinality archives a newly committed top-down finality. Finality
// only moves forward, so this never updates an existing row.
func (r *FinalityRepository) RecordFinality(ctx context.Context, rec ParentFinalityRecord) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO parent_finality (height, block_hash, committed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (height) DO NOTHING`,
		rec.Height, rec.BlockHash,
	)
	if err != nil {
		return fmt.Errorf("record finality: %w", err)
	}
	return nil
}

// LatestFinality returns the highest committed finality archived so far.
func (r *FinalityRepository) LatestFinality(ctx context.Context) (*ParentFinalityRecord, error) {
	var rec ParentFinalityRecord
	err := r.client.QueryRowContext(ctx, `
		SELECT height, block_hash, committed_at FROM parent_finality
		ORDER BY height DESC LIMIT 1`,
	).Scan(&rec.Height, &rec.BlockHash, &rec.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, ErrFinalityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest finality: %w", err)
	}
	return &rec, nil
}

// ListFinalitySince returns archived finality records from height onward,
// ascending — used to replay finality history to a node resyncing its
// Finality Provider cache.
func (r *FinalityRepository) ListFinalitySince(ctx context.Context, height uint64, limit int) ([]ParentFinalityRecord, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT height, block_hash, committed_at FROM parent_finality
		WHERE height >= $1 ORDER BY height ASC LIMIT $2`, height, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list finality since: %w", err)
	}
	defer rows.Close()

	var out []ParentFinalityRecord
	for rows.Next() {
		var rec ParentFinalityRecord
		if err := rows.Scan(&rec.Height, &rec.BlockHash, &rec.CommittedAt); err != nil {
			return nil, fmt.Errorf("list finality since: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
