// Copyright 2025 Certen Protocol
//
// HistoryArchiver adapts HistoryRepository to the ABCI driver's
// ArchiveStateHistory sink: every Commit hands it a state height plus the
// StateParams just written, and it persists a StateHistoryRecord in the
// background so a slow database never stalls consensus.

package database

import (
	"context"
	"log"
	"math/big"
	"time"

	"github.com/certen/ipc-fendermint/pkg/store"
)

// HistoryArchiver writes every committed height's StateParams to the
// long-term archive off the consensus goroutine.
type HistoryArchiver struct {
	history *HistoryRepository
	chainID uint64
	logger  *log.Logger
	timeout time.Duration
}

// NewHistoryArchiver constructs a HistoryArchiver over history.
func NewHistoryArchiver(history *HistoryRepository, chainID uint64) *HistoryArchiver {
	return &HistoryArchiver{
		history: history,
		chainID: chainID,
		logger:  log.New(log.Writer(), "[HistoryArchiver] ", log.LstdFlags),
		timeout: 10 * time.Second,
	}
}

// ArchiveStateHistory persists one height's state in a detached goroutine;
// failures are logged, never surfaced, since Commit has already returned.
func (a *HistoryArchiver) ArchiveStateHistory(ctx context.Context, height int64, params store.StateParams, appHash []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		rec := StateHistoryRecord{
			StateHeight:    height,
			StateRootCID:   params.StateRoot.String(),
			Timestamp:      params.Timestamp,
			NetworkVersion: params.NetworkVersion,
			BaseFeeWei:     new(big.Int).SetBytes(params.BaseFee).String(),
			CircSupplyWei:  new(big.Int).SetBytes(params.CircSupply).String(),
			ChainID:        a.chainID,
			PowerScale:     params.PowerScale,
			AppVersion:     params.AppVersion,
			AppHash:        appHash,
		}
		if err := a.history.InsertStateHistory(ctx, rec); err != nil {
			a.logger.Printf("⚠️ failed to archive state history at height %d: %v", height, err)
		}
	}()
}
