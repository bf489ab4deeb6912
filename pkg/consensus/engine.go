// Copyright 2025 Certen Protocol
//
// Engine embeds a CometBFT node in-process around the ABCI driver:
// proxy.NewLocalClientCreator wires the App directly into the node rather
// than over a socket/gRPC ABCI server.
package consensus

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtconfig "github.com/cometbft/cometbft/config"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
)

// Engine owns the in-process CometBFT node and the RPC client pointed at
// its own local endpoint.
type Engine struct {
	mu sync.Mutex

	cometCfg  *cmtconfig.Config
	logger    *log.Logger
	node      *node.Node
	rpcClient *cmthttp.HTTP

	validatorID string
	nodeID      string
	started     bool
}

// NewEngine constructs the CometBFT node wired to app, without starting it.
// cometCfg must already have RootDir, P2P, RPC and DBBackend populated
// (typically loaded from cometCfg.RootDir/config/config.toml by the
// caller, same as any CometBFT node's own cmd/init-then-run flow).
func NewEngine(cometCfg *cmtconfig.Config, app abcitypes.Application, logger *log.Logger) (*Engine, error) {
	if cometCfg == nil {
		return nil, fmt.Errorf("comet config must not be nil")
	}
	if app == nil {
		return nil, fmt.Errorf("abci app must not be nil")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Consensus] ", log.LstdFlags)
	}

	dbProvider := cmtconfig.DBProvider(func(ctx *cmtconfig.DBContext) (dbm.DB, error) {
		return dbm.NewDB(ctx.ID, dbm.BackendType(cometCfg.DBBackend), filepath.Join(cometCfg.RootDir, "data"))
	})

	pv := privval.LoadFilePV(cometCfg.PrivValidatorKeyFile(), cometCfg.PrivValidatorStateFile())
	nodeKey, err := p2p.LoadNodeKey(cometCfg.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("load node key: %w", err)
	}

	tmLogger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout)).With("module", "cometbft")

	n, err := node.NewNode(
		cometCfg,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(app),
		node.DefaultGenesisDocProviderFunc(cometCfg),
		dbProvider,
		node.DefaultMetricsProvider(cometCfg.Instrumentation),
		tmLogger,
	)
	if err != nil {
		return nil, fmt.Errorf("create cometbft node: %w", err)
	}

	rpcAddr := cometCfg.RPC.ListenAddress
	if rpcAddr == "" {
		rpcAddr = "tcp://127.0.0.1:26657"
	} else {
		rpcAddr = strings.Replace(rpcAddr, "0.0.0.0", "127.0.0.1", 1)
	}
	rpcClient, err := cmthttp.New(rpcAddr, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("create cometbft rpc client: %w", err)
	}

	pubKey, err := pv.GetPubKey()
	if err != nil {
		return nil, fmt.Errorf("get validator public key: %w", err)
	}

	return &Engine{
		cometCfg:    cometCfg,
		logger:      logger,
		node:        n,
		rpcClient:   rpcClient,
		validatorID: fmt.Sprintf("%X", pubKey.Address()),
		nodeID:      string(nodeKey.ID()),
	}, nil
}

// Start starts the embedded node, then the RPC client against it.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if err := e.node.Start(); err != nil {
		return fmt.Errorf("start cometbft node: %w", err)
	}
	if err := e.rpcClient.Start(); err != nil {
		return fmt.Errorf("start cometbft rpc client: %w", err)
	}
	e.started = true
	e.logger.Printf("✅ consensus engine started: validator=%s node=%s", e.validatorID, e.nodeID)
	return nil
}

// Stop stops the RPC client and the embedded node.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	if err := e.rpcClient.Stop(); err != nil {
		e.logger.Printf("⚠️ rpc client stop error: %v", err)
	}
	if err := e.node.Stop(); err != nil {
		return fmt.Errorf("stop cometbft node: %w", err)
	}
	e.node.Wait()
	e.started = false
	e.logger.Printf("🛑 consensus engine stopped")
	return nil
}

// ValidatorID returns the validator's CometBFT address hex string.
func (e *Engine) ValidatorID() string { return e.validatorID }

// NodeID returns the ID of the node's CometBFT p2p node key.
func (e *Engine) NodeID() string { return e.nodeID }
