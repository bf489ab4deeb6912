// Copyright 2025 Certen Protocol
//
// Database Types for the long-term consensus archive.
// These types map directly to the PostgreSQL schema defined in
// migrations/001_initial_schema.sql: a durable record of StateParams
// history, bottom-up checkpoints and their signature quorum, and
// committed parent-chain finality, kept alongside (not instead of) the
// Committed Store's on-disk history.

package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// STATE HISTORY ARCHIVE
// ============================================================================

// StateHistoryRecord archives one height's StateParams beyond what the
// Committed Store's state_hist_size bound retains on disk.
// Maps to: state_history table
type StateHistoryRecord struct {
	StateHeight    int64     `db:"state_height" json:"state_height"`
	StateRootCID   string    `db:"state_root_cid" json:"state_root_cid"`
	Timestamp      uint64    `db:"timestamp" json:"timestamp"`
	NetworkVersion uint32    `db:"network_version" json:"network_version"`
	BaseFeeWei     string    `db:"base_fee_wei" json:"base_fee_wei"`       // NUMERIC as string
	CircSupplyWei  string    `db:"circ_supply_wei" json:"circ_supply_wei"` // NUMERIC as string
	ChainID        uint64    `db:"chain_id" json:"chain_id"`
	PowerScale     int8      `db:"power_scale" json:"power_scale"`
	AppVersion     uint64    `db:"app_version" json:"app_version"`
	AppHash        []byte    `db:"app_hash" json:"app_hash"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ============================================================================
// BOTTOM-UP CHECKPOINT ARCHIVE
// ============================================================================

// CheckpointState tracks a checkpoint's lifecycle from local signing
// through relay to the parent gateway.
type CheckpointState string

const (
	CheckpointCollecting CheckpointState = "collecting"
	CheckpointQuorumMet  CheckpointState = "quorum_met"
	CheckpointSubmitted  CheckpointState = "submitted"
	CheckpointConfirmed  CheckpointState = "confirmed"
	CheckpointFailed     CheckpointState = "failed"
)

// CheckpointRecord archives one bottom-up checkpoint and its relay status.
// Maps to: checkpoints table
type CheckpointRecord struct {
	CheckpointID            uuid.UUID       `db:"checkpoint_id" json:"checkpoint_id"`
	SubnetID                string          `db:"subnet_id" json:"subnet_id"`
	BlockHeight             uint64          `db:"block_height" json:"block_height"`
	BlockHash               []byte          `db:"block_hash" json:"block_hash"` // 32 bytes
	NextConfigurationNumber uint64          `db:"next_configuration_number" json:"next_configuration_number"`
	MsgCount                int             `db:"msg_count" json:"msg_count"`
	CheckpointHash          []byte          `db:"checkpoint_hash" json:"checkpoint_hash"` // keccak256(abi_encode((checkpoint,)))
	State                   CheckpointState `db:"state" json:"state"`
	RequiredWeight          string          `db:"required_weight" json:"required_weight"` // NUMERIC as string
	CollectedWeight         string          `db:"collected_weight" json:"collected_weight"`
	RelayerTxHash           sql.NullString  `db:"relayer_tx_hash" json:"relayer_tx_hash,omitempty"`
	SubmittedAt             sql.NullTime    `db:"submitted_at" json:"submitted_at,omitempty"`
	ConfirmedAt             sql.NullTime    `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// NewCheckpointRecord is used to archive a freshly-cut checkpoint before its
// quorum certificate is complete.
type NewCheckpointRecord struct {
	SubnetID                string
	BlockHeight             uint64
	BlockHash               []byte
	NextConfigurationNumber uint64
	MsgCount                int
	CheckpointHash          []byte
	RequiredWeight          string
}

// CheckpointSignature is one validator's signature over a checkpoint hash,
// collected toward the quorum certificate a relayer later submits via
// submitCheckpoint.
// Maps to: checkpoint_signatures table
type CheckpointSignature struct {
	SignatureID  uuid.UUID `db:"signature_id" json:"signature_id"`
	CheckpointID uuid.UUID `db:"checkpoint_id" json:"checkpoint_id"`
	Validator    string    `db:"validator_address" json:"validator_address"`
	Weight       string    `db:"weight" json:"weight"` // NUMERIC as string
	Signature    []byte    `db:"signature" json:"signature"`
	SignedAt     time.Time `db:"signed_at" json:"signed_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// NewCheckpointSignature is used to record one collected signature.
type NewCheckpointSignature struct {
	CheckpointID uuid.UUID
	Validator    string
	Weight       string
	Signature    []byte
	SignedAt     time.Time
}

// ============================================================================
// PARENT FINALITY ARCHIVE
// ============================================================================

// ParentFinalityRecord archives a committed top-down finality, the
// (height, block_hash) pair this subnet has agreed is final on the parent
// chain. Finalities only ever append: an earlier height is never
// overwritten once recorded.
// Maps to: parent_finality table
type ParentFinalityRecord struct {
	Height      uint64    `db:"height" json:"height"`
	BlockHash   []byte    `db:"block_hash" json:"block_hash"` // 32 bytes
	CommittedAt time.Time `db:"committed_at" json:"committed_at"`
}

// ============================================================================
// STAKING CONFIGURATION SNAPSHOTS
// ============================================================================

// StakingSnapshotRecord is a periodic, operator-facing snapshot of the
// staking configuration's active-set ranking; purely observational, never
// read back into consensus-critical state.
// Maps to: staking_snapshots table
type StakingSnapshotRecord struct {
	ConfigurationNumber uint64          `db:"configuration_number" json:"configuration_number"`
	Activated           bool            `db:"activated" json:"activated"`
	RankingJSON         json.RawMessage `db:"ranking_json" json:"ranking_json"`
	RecordedAt          time.Time       `db:"recorded_at" json:"recorded_at"`
}

// ============================================================================
// UUID HELPERS
// ============================================================================

// NullUUID aliases uuid.NullUUID for nullable UUID columns.
type NullUUID = uuid.NullUUID

// ParseUUID parses a string into a UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// NewUUID generates a new random UUID.
func NewUUID() uuid.UUID {
	return uuid.New()
}
