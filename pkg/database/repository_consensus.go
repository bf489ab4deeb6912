// Copyright 2025 Certen Protocol
//
// CheckpointRepository archives bottom-up checkpoints and the validator
// signatures collected toward each one's quorum certificate: create the
// record, accumulate signatures, count weight.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CheckpointRepository persists bottom-up checkpoints and their signatures.
type CheckpointRepository struct {
	client *Client
}

// NewCheckpointRepository constructs a CheckpointRepository over client.
func NewCheckpointRepository(client *Client) *CheckpointRepository {
	return &CheckpointRepository{client: client}
}

// CreateCheckpoint archives a freshly-cut checkpoint in the "collecting"
// state, before any signatures have arrived.
func (r *CheckpointRepository) CreateCheckpoint(ctx context.Context, in NewCheckpointRecord) (*CheckpointRecord, error) {
	id := NewUUID()
	now := time.Now()
	query := `
		INSERT INTO checkpoints (
			checkpoint_id, subnet_id, block_height, block_hash,
			next_configuration_number, msg_count, checkpoint_hash,
			state, required_weight, collected_weight, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '0', $10, $10)`

	_, err := r.client.ExecContext(ctx, query,
		id, in.SubnetID, in.BlockHeight, in.BlockHash,
		in.NextConfigurationNumber, in.MsgCount, in.CheckpointHash,
		CheckpointCollecting, in.RequiredWeight, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}

	return &CheckpointRecord{
		CheckpointID:            id,
		SubnetID:                in.SubnetID,
		BlockHeight:             in.BlockHeight,
		BlockHash:               in.BlockHash,
		NextConfigurationNumber: in.NextConfigurationNumber,
		MsgCount:                in.MsgCount,
		CheckpointHash:          in.CheckpointHash,
		State:                   CheckpointCollecting,
		RequiredWeight:          in.RequiredWeight,
		CollectedWeight:         "0",
		CreatedAt:               now,
		UpdatedAt:               now,
	}, nil
}

// GetCheckpoint fetches a checkpoint by its archive ID.
func (r *CheckpointRepository) GetCheckpoint(ctx context.Context, id NullUUID) (*CheckpointRecord, error) {
	query := `
		SELECT checkpoint_id, subnet_id, block_height, block_hash,
		       next_configuration_number, msg_count, checkpoint_hash,
		       state, required_weight, collected_weight,
		       relayer_tx_hash, submitted_at, confirmed_at, created_at, updated_at
		FROM checkpoints WHERE checkpoint_id = $1`

	var rec CheckpointRecord
	err := r.client.QueryRowContext(ctx, query, id.UUID).Scan(
		&rec.CheckpointID, &rec.SubnetID, &rec.BlockHeight, &rec.BlockHash,
		&rec.NextConfigurationNumber, &rec.MsgCount, &rec.CheckpointHash,
		&rec.State, &rec.RequiredWeight, &rec.CollectedWeight,
		&rec.RelayerTxHash, &rec.SubmittedAt, &rec.ConfirmedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &rec, nil
}

// GetCheckpointByHeight fetches the checkpoint cut at a given block height,
// if one has been archived.
func (r *CheckpointRepository) GetCheckpointByHeight(ctx context.Context, subnetID string, height uint64) (*CheckpointRecord, error) {
	query := `
		SELECT checkpoint_id, subnet_id, block_height, block_hash,
		       next_configuration_number, msg_count, checkpoint_hash,
		       state, required_weight, collected_weight,
		       relayer_tx_hash, submitted_at, confirmed_at, created_at, updated_at
		FROM checkpoints WHERE subnet_id = $1 AND block_height = $2`

	var rec CheckpointRecord
	err := r.client.QueryRowContext(ctx, query, subnetID, height).Scan(
		&rec.CheckpointID, &rec.SubnetID, &rec.BlockHeight, &rec.BlockHash,
		&rec.NextConfigurationNumber, &rec.MsgCount, &rec.CheckpointHash,
		&rec.State, &rec.RequiredWeight, &rec.CollectedWeight,
		&rec.RelayerTxHash, &rec.SubmittedAt, &rec.ConfirmedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint by height: %w", err)
	}
	return &rec, nil
}

// AddSignature records one validator's signature toward a checkpoint's
// quorum certificate and bumps the running collected-weight total. The
// weight arithmetic happens in SQL so concurrent inserts from different
// validators never race on a read-modify-write in Go.
func (r *CheckpointRepository) AddSignature(ctx context.Context, in NewCheckpointSignature) error {
	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("add signature: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Tx().ExecContext(ctx, `
		INSERT INTO checkpoint_signatures (
			signature_id, checkpoint_id, validator_address, weight, signature, signed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (checkpoint_id, validator_address) DO NOTHING`,
		NewUUID(), in.CheckpointID, in.Validator, in.Weight, in.Signature, in.SignedAt,
	)
	if err != nil {
		return fmt.Errorf("add signature: insert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add signature: rows affected: %w", err)
	}
	if inserted == 0 {
		// This validator already signed: its weight is already counted.
		return tx.Commit()
	}

	_, err = tx.Tx().ExecContext(ctx, `
		UPDATE checkpoints
		SET collected_weight = collected_weight + $2::numeric, updated_at = now()
		WHERE checkpoint_id = $1`,
		in.CheckpointID, in.Weight,
	)
	if err != nil {
		return fmt.Errorf("add signature: update weight: %w", err)
	}

	return tx.Commit()
}

// GetSignatures returns every signature collected so far for a checkpoint,
// ordered by signed_at, oldest first — callers sort these into the
// relayer-facing sorted-signatory-list/concatenated-signature bundle.
func (r *CheckpointRepository) GetSignatures(ctx context.Context, checkpointID NullUUID) ([]CheckpointSignature, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT signature_id, checkpoint_id, validator_address, weight, signature, signed_at, created_at
		FROM checkpoint_signatures WHERE checkpoint_id = $1 ORDER BY signed_at ASC`,
		checkpointID.UUID,
	)
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}
	defer rows.Close()

	var sigs []CheckpointSignature
	for rows.Next() {
		var s CheckpointSignature
		if err := rows.Scan(&s.SignatureID, &s.CheckpointID, &s.Validator, &s.Weight, &s.Signature, &s.SignedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("get signatures: scan: %w", err)
		}
		sigs = append(sigs, s)
	}
	return sigs, rows.Err()
}

// MarkQuorumMet transitions a checkpoint from collecting to quorum_met once
// the caller has determined collected weight crosses the required
// threshold (via pkg/ipc/staking's ranking, not in SQL).
func (r *CheckpointRepository) MarkQuorumMet(ctx context.Context, id NullUUID) error {
	return r.setState(ctx, id, CheckpointQuorumMet)
}

// MarkSubmitted records the relayer's submitCheckpoint transaction hash and
// transitions the checkpoint to submitted.
func (r *CheckpointRepository) MarkSubmitted(ctx context.Context, id NullUUID, relayerTxHash string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE checkpoints SET state = $2, relayer_tx_hash = $3, submitted_at = now(), updated_at = now()
		WHERE checkpoint_id = $1`,
		id.UUID, CheckpointSubmitted, relayerTxHash,
	)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	return nil
}

// MarkConfirmed transitions a checkpoint to confirmed once the relayer's
// transaction lands on the parent chain.
func (r *CheckpointRepository) MarkConfirmed(ctx context.Context, id NullUUID) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE checkpoints SET state = $2, confirmed_at = now(), updated_at = now()
		WHERE checkpoint_id = $1`,
		id.UUID, CheckpointConfirmed,
	)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// MarkFailed transitions a checkpoint to failed, e.g. after the relayer
// exhausts its retry budget.
func (r *CheckpointRepository) MarkFailed(ctx context.Context, id NullUUID) error {
	return r.setState(ctx, id, CheckpointFailed)
}

func (r *CheckpointRepository) setState(ctx context.Context, id NullUUID, state CheckpointState) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE checkpoints SET state = $2, updated_at = now() WHERE checkpoint_id = $1`,
		id.UUID, state,
	)
	if err != nil {
		return fmt.Errorf("set checkpoint state %s: %w", state, err)
	}
	return nil
}

// ListPending returns checkpoints still collecting or quorum-met but not
// yet submitted, oldest first — the relayer's work queue.
func (r *CheckpointRepository) ListPending(ctx context.Context, subnetID string) ([]CheckpointRecord, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT checkpoint_id, subnet_id, block_height, block_hash,
		       next_configuration_number, msg_count, checkpoint_hash,
		       state, required_weight, collected_weight,
		       relayer_tx_hash, submitted_at, confirmed_at, created_at, updated_at
		FROM checkpoints
		WHERE subnet_id = $1 AND state IN ($2, $3)
		ORDER BY block_height ASC`,
		subnetID, CheckpointCollecting, CheckpointQuorumMet,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		if err := rows.Scan(
			&rec.CheckpointID, &rec.SubnetID, &rec.BlockHeight, &rec.BlockHash,
			&rec.NextConfigurationNumber, &rec.MsgCount, &rec.CheckpointHash,
			&rec.State, &rec.RequiredWeight, &rec.CollectedWeight,
			&rec.RelayerTxHash, &rec.SubmittedAt, &rec.ConfirmedAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("list pending checkpoints: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
