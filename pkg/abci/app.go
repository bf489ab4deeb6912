// Copyright 2025 Certen Protocol
//
// ABCI Driver: the CometBFT ABCI++ application wiring the Committed Store,
// State Store and IPC Interpreter Stack together. Owns the transient
// exec/check states, the recovery-state record written on Commit, and the
// guarded RetainHeight computation on Commit.

package abci

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/ipfs/go-cid"

	"github.com/certen/ipc-fendermint/pkg/exec"
	"github.com/certen/ipc-fendermint/pkg/interpreter"
	"github.com/certen/ipc-fendermint/pkg/store"
)

// Snapshotter is the narrow state-sync surface the driver delegates to; a
// concrete implementation chunks the State Store's blocks for a given
// height. Kept as an interface so app.go stays free of storage-engine
// specifics; the snapshot format belongs to the implementation behind it.
type Snapshotter interface {
	List() ([]Snapshot, error)
	LoadChunk(height int64, format, chunk uint32) ([]byte, error)
	Offer(snap Snapshot, appHash []byte) (accept bool)
	ApplyChunk(index uint32, data []byte) (done bool, err error)

	// TakeSnapshot is called at the end of every Commit; implementations
	// decide internally whether height is due for a new snapshot (interval,
	// retention) and do the (potentially slow) chunking off the consensus
	// goroutine. Failures are logged, never returned, since a snapshot
	// failure must never fail the block it was taken from.
	TakeSnapshot(height int64, appHash []byte)
}

// Snapshot mirrors abcitypes.Snapshot's shape, kept local so Snapshotter
// implementations don't need to import the ABCI wire types directly.
type Snapshot struct {
	Height   uint64
	Format   uint32
	Chunks   uint32
	Hash     []byte
	Metadata []byte
}

// App is the ABCI++ application. Exactly one instance runs per node process.
type App struct {
	logger *log.Logger

	mu sync.RWMutex // guards everything below

	committed *store.CommittedStore
	blocks    *store.BlockStore
	stack     *interpreter.Stack

	haltHeight    int64
	stateHistSize int64
	chainID       string
	appVersion    uint64

	// checkState is a lazily-created snapshot of the last committed
	// AppState used to validate CheckTx without touching exec-state;
	// it is discarded and rebuilt from the committed store on every Commit.
	checkState *store.AppState

	// execState tracks the in-flight block's state root across the
	// FinalizeBlock call. takeExecRoot/advanceExecRoot enforce a strict
	// take-modify-put discipline, with Commit clearing the root: a second
	// take before Commit panics, since that can only happen from a driver
	// bug (concurrent FinalizeBlock calls, which CometBFT never issues).
	execRoot   *cid.Cid
	execHeight int64
	execTime   time.Time
	execHash   []byte

	snapshots Snapshotter
	voter     Voter
	archive   ArchiveSink

	halted bool

	// exit terminates the process when the halt height is reached;
	// overridable so tests can observe the code instead of dying.
	exit func(code int)
}

// ExitCodeHalt is the process exit code reserved for a configured
// halt_height being reached. Every other fatal error exits with the
// generic code 1 (log.Fatalf).
const ExitCodeHalt = 2

// ArchiveSink is the optional long-term history sink Commit writes to after
// every block, independent of the Committed Store's own bounded
// StateHistory window. A nil ArchiveSink disables archival entirely — most
// nodes run without one; only an operator's archive node wires in a real
// database-backed implementation.
type ArchiveSink interface {
	ArchiveStateHistory(ctx context.Context, height int64, params store.StateParams, appHash []byte)
}

// Config bundles the construction-time parameters an operator's config file
// supplies.
type Config struct {
	ChainID       string
	HaltHeight    int64 // 0 disables the halt
	StateHistSize int64 // 0 = unbounded history retention
	AppVersion    uint64
}

// NewApp wires the driver over an already-constructed Committed Store,
// State Store and Interpreter Stack. A persisted recovery state is loaded
// and logged only; on restart Info reports the committed AppState.
func NewApp(cfg Config, committed *store.CommittedStore, blocks *store.BlockStore, stack *interpreter.Stack, snapshots Snapshotter) *App {
	app := &App{
		logger:        log.New(log.Writer(), "[ABCI] ", log.LstdFlags),
		exit:          os.Exit,
		committed:     committed,
		blocks:        blocks,
		stack:         stack,
		haltHeight:    cfg.HaltHeight,
		stateHistSize: cfg.StateHistSize,
		chainID:       cfg.ChainID,
		appVersion:    cfg.AppVersion,
		snapshots:     snapshots,
	}

	if rec, err := committed.LoadABCIRecoveryState(); err != nil {
		app.logger.Printf("⚠️ failed to load ABCI recovery state: %v (starting fresh)", err)
	} else if rec != nil {
		app.logger.Printf("✅ restored ABCI recovery state: height=%d appHash=%x", rec.LastBlockHeight, rec.LastBlockAppHash)
	}

	return app
}

var _ abcitypes.Application = (*App)(nil)

// Info reports the current committed height and app hash so CometBFT can
// decide whether to replay blocks or resume normally.
func (app *App) Info(ctx context.Context, req *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	st, err := app.committed.GetAppState()
	if err != nil {
		app.logger.Printf("📋 Info() called - no committed state yet")
		return &abcitypes.ResponseInfo{
			Data:       "fendermint",
			Version:    "1.0.0",
			AppVersion: app.appVersion,
		}, nil
	}

	appHash, err := store.AppHash(st.StateParams)
	if err != nil {
		return nil, fmt.Errorf("compute app hash: %w", err)
	}
	app.logger.Printf("📋 Info() called - height=%d appHash=%x", st.BlockHeight, appHash)
	return &abcitypes.ResponseInfo{
		Data:             "fendermint",
		Version:          "1.0.0",
		AppVersion:       st.StateParams.AppVersion,
		LastBlockHeight:  st.BlockHeight,
		LastBlockAppHash: appHash,
	}, nil
}

// InitChain seeds genesis state at height 0: StateParams built from the
// request's genesis time and numeric chain ID with network version 1 and
// this node's app version. The request's app-state bytes are not read.
func (app *App) InitChain(ctx context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.logger.Printf("🚀 InitChain: chain=%s", req.ChainId)
	genesis := store.AppState{
		BlockHeight:       0,
		OldestStateHeight: 0,
		StateParams: store.StateParams{
			Timestamp:      uint64(req.Time.Unix()),
			NetworkVersion: 1,
			ChainID:        parseChainID(req.ChainId),
			PowerScale:     0,
			AppVersion:     app.appVersion,
		},
	}
	if err := app.committed.CommitAppState(genesis, app.stateHistSize); err != nil {
		return nil, fmt.Errorf("commit genesis app state: %w", err)
	}
	app.checkState = &genesis
	return &abcitypes.ResponseInitChain{}, nil
}

func parseChainID(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

// CheckTx decodes and validates a transaction against checkState without
// mutating committed state, enforcing the IllegalMessage restriction on
// validator-only IPC variants via the interpreter's EntryCheck path.
func (app *App) CheckTx(ctx context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	if app.checkState == nil {
		return &abcitypes.ResponseCheckTx{Code: CodeNotInitialized, Log: "check state not initialized"}, nil
	}

	cm, err := interpreter.DecodeBytes(req.Tx)
	if err != nil {
		return &abcitypes.ResponseCheckTx{Code: codeFor(err), Log: err.Error()}, nil
	}

	meta := exec.BlockMeta{Height: app.checkState.BlockHeight, Timestamp: app.checkState.StateParams.Timestamp}
	_, err = app.stack.Deliver(ctx, interpreter.EntryCheck, app.checkState.StateParams.StateRoot, meta, cm)
	if err != nil {
		return &abcitypes.ResponseCheckTx{Code: codeFor(err), Log: err.Error()}, nil
	}
	return &abcitypes.ResponseCheckTx{Code: CodeOK, GasWanted: 1, GasUsed: 1}, nil
}

// PrepareProposal lets the Interpreter Stack inject synthetic IPC
// transactions (top-down finality, resolved bottom-up checkpoints) ahead
// of the mempool transactions, bounded by the consensus engine's byte
// budget.
func (app *App) PrepareProposal(ctx context.Context, req *abcitypes.RequestPrepareProposal) (*abcitypes.ResponsePrepareProposal, error) {
	return &abcitypes.ResponsePrepareProposal{Txs: app.stack.PrepareProposals(req.Txs, req.MaxTxBytes)}, nil
}

// ProcessProposal rejects a proposal outright if any transaction fails to
// decode or an injected IPC variant fails this node's own local check
// (finality cache, resolved checkpoint pool); it does not re-run full
// execution (that happens once, in FinalizeBlock).
func (app *App) ProcessProposal(ctx context.Context, req *abcitypes.RequestProcessProposal) (*abcitypes.ResponseProcessProposal, error) {
	for _, tx := range req.Txs {
		cm, err := interpreter.DecodeBytes(tx)
		if err != nil {
			return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_REJECT}, nil
		}
		if !app.stack.CheckProposal(cm) {
			return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_REJECT}, nil
		}
	}
	return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_ACCEPT}, nil
}

// FinalizeBlock executes every transaction in order against exec-state,
// honoring the halt height by refusing to mutate anything once reached:
// the driver itself terminates the process with ExitCodeHalt before
// touching any state.
func (app *App) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.haltHeight > 0 && req.Height >= app.haltHeight {
		app.halted = true
		app.logger.Printf("🛑 halt height %d reached at block %d: terminating before any state mutation", app.haltHeight, req.Height)
		app.exit(ExitCodeHalt)
		// Only reachable when exit is stubbed out (tests): fail the call
		// rather than executing past the halt.
		return nil, fmt.Errorf("abci: halt height %d reached", app.haltHeight)
	}

	prev, err := app.committed.GetAppState()
	if err != nil {
		return nil, fmt.Errorf("finalize block: load app state: %w", err)
	}

	app.takeExecRoot(prev.StateParams.StateRoot, req.Height, req.Time)

	meta := exec.BlockMeta{Height: req.Height, Timestamp: uint64(req.Time.Unix()), Proposer: req.ProposerAddress}
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		result := app.deliverOne(ctx, meta, tx)
		txResults[i] = &result
	}

	// The new AppHash must reflect this block's execution, not the one
	// Commit(N-1) produced — CometBFT writes this value into block N's
	// header, so it is computed here from the now-advanced exec root rather
	// than deferred to Commit.
	appHash, err := store.AppHash(store.StateParams{
		StateRoot:      *app.execRoot,
		Timestamp:      uint64(req.Time.Unix()),
		NetworkVersion: prev.StateParams.NetworkVersion,
		BaseFee:        prev.StateParams.BaseFee,
		CircSupply:     prev.StateParams.CircSupply,
		ChainID:        prev.StateParams.ChainID,
		PowerScale:     prev.StateParams.PowerScale,
		AppVersion:     app.appVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize block: compute app hash: %w", err)
	}
	app.execHash = appHash

	app.logger.Printf("🚀 FinalizeBlock: height=%d txs=%d", req.Height, len(req.Txs))
	return &abcitypes.ResponseFinalizeBlock{TxResults: txResults, AppHash: appHash}, nil
}

func (app *App) deliverOne(ctx context.Context, meta exec.BlockMeta, tx []byte) abcitypes.ExecTxResult {
	cm, err := interpreter.DecodeBytes(tx)
	if err != nil {
		return abcitypes.ExecTxResult{Code: codeFor(err), Log: err.Error()}
	}
	root := app.currentExecRoot()
	result, err := app.stack.Deliver(ctx, interpreter.EntryDeliver, root, meta, cm)
	if err != nil {
		return abcitypes.ExecTxResult{Code: codeFor(err), Log: err.Error()}
	}
	app.advanceExecRoot(result.NewStateRoot)

	events := make([]abcitypes.Event, len(result.Events))
	for i, e := range result.Events {
		attrs := make([]abcitypes.EventAttribute, 0, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs = append(attrs, abcitypes.EventAttribute{Key: k, Value: v})
		}
		events[i] = abcitypes.Event{Type: e.Type, Attributes: attrs}
	}
	return abcitypes.ExecTxResult{Code: CodeOK, GasUsed: int64(result.GasUsed), Data: result.ReturnData, Events: events}
}

// takeExecRoot begins the take-modify-put cycle for one block.
func (app *App) takeExecRoot(root cid.Cid, height int64, blockTime time.Time) {
	if app.execRoot != nil {
		panic("abci: takeExecRoot called while a previous exec root is still outstanding")
	}
	r := root
	app.execRoot = &r
	app.execHeight = height
	app.execTime = blockTime
}

// currentExecRoot reads the in-flight state root without ending the
// take/modify/put cycle; each delivered tx peeks, applies, then calls
// advanceExecRoot to put its result back before the next tx peeks again.
func (app *App) currentExecRoot() cid.Cid {
	return *app.execRoot
}

// advanceExecRoot is the "put" half of the cycle for one delivered tx.
func (app *App) advanceExecRoot(next cid.Cid) {
	if next == cid.Undef {
		return
	}
	*app.execRoot = next
}

// Commit finalizes the executed block: computes the new StateParams/app
// hash, commits them to the Committed Store in one atomic batch (including
// history pruning), resets checkState, and returns a RetainHeight computed
// from the configured stateHistSize.
func (app *App) Commit(ctx context.Context, req *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.execRoot == nil {
		return nil, fmt.Errorf("abci: commit called with no outstanding exec root")
	}

	prev, err := app.committed.GetAppState()
	if err != nil {
		return nil, fmt.Errorf("commit: load app state: %w", err)
	}

	next := store.AppState{
		BlockHeight:       app.execHeight,
		OldestStateHeight: prev.OldestStateHeight,
		StateParams: store.StateParams{
			StateRoot:      *app.execRoot,
			Timestamp:      uint64(app.execTime.Unix()),
			NetworkVersion: prev.StateParams.NetworkVersion,
			BaseFee:        prev.StateParams.BaseFee,
			CircSupply:     prev.StateParams.CircSupply,
			ChainID:        prev.StateParams.ChainID,
			PowerScale:     prev.StateParams.PowerScale,
			AppVersion:     app.appVersion,
		},
	}

	if err := app.committed.CommitAppState(next, app.stateHistSize); err != nil {
		return nil, fmt.Errorf("commit app state: %w", err)
	}

	appHash, err := store.AppHash(next.StateParams)
	if err != nil {
		return nil, fmt.Errorf("compute app hash: %w", err)
	}
	app.execHash = appHash

	if err := app.committed.SaveABCIRecoveryState(store.ABCIRecoveryState{
		LastBlockHeight:  next.BlockHeight,
		LastBlockAppHash: appHash,
	}); err != nil {
		app.logger.Printf("❌ failed to persist ABCI recovery state: %v", err)
	}

	app.checkState = &next
	app.execRoot = nil

	retainHeight := app.retainHeight(next.BlockHeight)
	app.logger.Printf("📦 Committed block %d (hash: %x, retain: %d)", next.BlockHeight, appHash[:min8(len(appHash))], retainHeight)

	if app.snapshots != nil {
		app.snapshots.TakeSnapshot(next.BlockHeight, appHash)
	}
	if app.archive != nil {
		app.archive.ArchiveStateHistory(ctx, next.StateHeight(), next.StateParams, appHash)
	}

	return &abcitypes.ResponseCommit{RetainHeight: retainHeight}, nil
}

// retainHeight computes block_height - state_hist_size, floored at 0; with
// an unbounded history (state_hist_size 0) it returns 0, so CometBFT prunes
// nothing. Snapshot heights are not taken into account.
func (app *App) retainHeight(blockHeight int64) int64 {
	if app.stateHistSize <= 0 {
		return 0
	}
	r := blockHeight - app.stateHistSize
	if r < 0 {
		return 0
	}
	return r
}

func min8(n int) int {
	if n < 8 {
		return n
	}
	return 8
}

// Query resolves height 0 as "latest" and any positive height against
// StateHistory; genesis height 0 with no committed state yet returns
// NotInitialized.
func (app *App) Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	var params store.StateParams
	if req.Height == 0 {
		st, err := app.committed.GetAppState()
		if err != nil {
			return &abcitypes.ResponseQuery{Code: codeFor(err), Log: err.Error()}, nil
		}
		params = st.StateParams
	} else {
		p, err := app.committed.GetStateParamsAtHeight(req.Height)
		if err != nil {
			return &abcitypes.ResponseQuery{Code: codeFor(err), Log: err.Error()}, nil
		}
		params = *p
	}

	switch req.Path {
	case "/state_root":
		return &abcitypes.ResponseQuery{Code: CodeOK, Value: params.StateRoot.Bytes()}, nil
	default:
		return &abcitypes.ResponseQuery{Code: CodeInvalidEncoding, Log: "unknown query path: " + req.Path}, nil
	}
}

// ExtendVote and VerifyVoteExtension are wired by cmd/fendermint to a
// topdown.VoteSigner; the driver itself delegates signing/verification to
// whatever Voter it was constructed with. A nil Voter (e.g. a non-validator
// full node) extends with an empty payload and always accepts.
type Voter interface {
	Sign(ctx context.Context, height int64) ([]byte, error)
	Verify(ctx context.Context, height int64, ext []byte) error
}

// SetVoter late-binds the vote-extension signer/verifier once the node's
// validator key has been loaded; cmd/fendermint calls this after NewApp,
// before the app is handed to the ABCI server.
func (app *App) SetVoter(v Voter) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.voter = v
}

// SetArchive late-binds the long-term history sink; cmd/fendermint calls
// this after NewApp when the operator has configured a database.
func (app *App) SetArchive(a ArchiveSink) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.archive = a
}

func (app *App) ExtendVote(ctx context.Context, req *abcitypes.RequestExtendVote) (*abcitypes.ResponseExtendVote, error) {
	app.mu.RLock()
	voter := app.voter
	app.mu.RUnlock()

	if voter == nil || req.Height == 0 {
		return &abcitypes.ResponseExtendVote{}, nil
	}
	ext, err := voter.Sign(ctx, req.Height)
	if err != nil {
		app.logger.Printf("⚠️ vote extension signing failed at height %d: %v", req.Height, err)
		return &abcitypes.ResponseExtendVote{}, nil
	}
	return &abcitypes.ResponseExtendVote{VoteExtension: ext}, nil
}

func (app *App) VerifyVoteExtension(ctx context.Context, req *abcitypes.RequestVerifyVoteExtension) (*abcitypes.ResponseVerifyVoteExtension, error) {
	app.mu.RLock()
	voter := app.voter
	app.mu.RUnlock()

	if voter == nil {
		return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_ACCEPT}, nil
	}
	if err := voter.Verify(ctx, req.Height, req.VoteExtension); err != nil {
		app.logger.Printf("⚠️ rejecting vote extension at height %d: %v", req.Height, err)
		return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_REJECT}, nil
	}
	return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_ACCEPT}, nil
}

// ListSnapshots, OfferSnapshot, LoadSnapshotChunk and ApplySnapshotChunk
// delegate to the injected Snapshotter; a nil Snapshotter (state sync
// disabled) answers every request with the ABORT/empty defaults.

func (app *App) ListSnapshots(ctx context.Context, req *abcitypes.RequestListSnapshots) (*abcitypes.ResponseListSnapshots, error) {
	if app.snapshots == nil {
		return &abcitypes.ResponseListSnapshots{}, nil
	}
	snaps, err := app.snapshots.List()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]*abcitypes.Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = &abcitypes.Snapshot{Height: s.Height, Format: s.Format, Chunks: s.Chunks, Hash: s.Hash, Metadata: s.Metadata}
	}
	return &abcitypes.ResponseListSnapshots{Snapshots: out}, nil
}

func (app *App) OfferSnapshot(ctx context.Context, req *abcitypes.RequestOfferSnapshot) (*abcitypes.ResponseOfferSnapshot, error) {
	if app.snapshots == nil || req.Snapshot == nil {
		return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_ABORT}, nil
	}
	snap := Snapshot{Height: req.Snapshot.Height, Format: req.Snapshot.Format, Chunks: req.Snapshot.Chunks, Hash: req.Snapshot.Hash, Metadata: req.Snapshot.Metadata}
	if app.snapshots.Offer(snap, req.AppHash) {
		return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_ACCEPT}, nil
	}
	return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_REJECT}, nil
}

func (app *App) LoadSnapshotChunk(ctx context.Context, req *abcitypes.RequestLoadSnapshotChunk) (*abcitypes.ResponseLoadSnapshotChunk, error) {
	if app.snapshots == nil {
		return &abcitypes.ResponseLoadSnapshotChunk{}, nil
	}
	data, err := app.snapshots.LoadChunk(int64(req.Height), req.Format, req.Chunk)
	if err != nil {
		return &abcitypes.ResponseLoadSnapshotChunk{}, nil
	}
	return &abcitypes.ResponseLoadSnapshotChunk{Chunk: data}, nil
}

// ApplySnapshotChunk answers ACCEPT for every chunk the Snapshotter takes,
// including out-of-order chunks it buffers. A chunk the Snapshotter returns
// an error for is answered RETRY with a refetch of that same index; the
// index of a missing earlier chunk is not reported.
func (app *App) ApplySnapshotChunk(ctx context.Context, req *abcitypes.RequestApplySnapshotChunk) (*abcitypes.ResponseApplySnapshotChunk, error) {
	if app.snapshots == nil {
		return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ABORT}, nil
	}
	done, err := app.snapshots.ApplyChunk(req.Index, req.Chunk)
	if err != nil {
		app.logger.Printf("⚠️ snapshot chunk %d rejected: %v", req.Index, err)
		return &abcitypes.ResponseApplySnapshotChunk{
			Result:        abcitypes.ResponseApplySnapshotChunk_RETRY,
			RefetchChunks: []uint32{req.Index},
		}, nil
	}
	if done {
		return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ACCEPT}, nil
	}
	return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ACCEPT}, nil
}
