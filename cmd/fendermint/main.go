// Copyright 2025 Certen Protocol
//
// fendermint is the node binary: it wires storage, the IPC interpreter
// stack, the ABCI driver, the embedded CometBFT consensus engine, the
// parent-chain finality poller, the IPLD resolver, and the checkpoint
// batch/attestation pipeline together, then runs until SIGINT/SIGTERM.
// Startup is phased; a failed database connection degrades archival and
// attestation persistence without taking consensus down. Shutdown is
// signal-driven with a bounded grace period.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	cmtconfig "github.com/cometbft/cometbft/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	datastore "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/certen/ipc-fendermint/pkg/abci"
	"github.com/certen/ipc-fendermint/pkg/attestation"
	"github.com/certen/ipc-fendermint/pkg/batch"
	"github.com/certen/ipc-fendermint/pkg/config"
	"github.com/certen/ipc-fendermint/pkg/consensus"
	"github.com/certen/ipc-fendermint/pkg/crypto/bls"
	"github.com/certen/ipc-fendermint/pkg/database"
	"github.com/certen/ipc-fendermint/pkg/exec"
	"github.com/certen/ipc-fendermint/pkg/interpreter"
	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/parent"
	"github.com/certen/ipc-fendermint/pkg/ipc/staking"
	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
	"github.com/certen/ipc-fendermint/pkg/kvdb"
	"github.com/certen/ipc-fendermint/pkg/metrics"
	"github.com/certen/ipc-fendermint/pkg/resolver"
	providercache "github.com/certen/ipc-fendermint/pkg/resolver/provider"
	"github.com/certen/ipc-fendermint/pkg/snapshot"
	"github.com/certen/ipc-fendermint/pkg/store"
)

func main() {
	log.Printf("🚀 Starting ipc-fendermint node")

	var (
		home     = flag.String("home", "", "override DATA_DIR env var")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ load config: %v", err)
	}
	if *home != "" {
		cfg.DataDir = *home
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ invalid configuration: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("❌ create data dir %s: %v", cfg.DataDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("🔐 [Phase 1] Loading validator keys...")
	blsKeys := bls.NewKeyManager(cfg.BLSKeyPath)
	if err := blsKeys.LoadOrGenerateKey(); err != nil {
		log.Fatalf("❌ load/generate BLS key: %v", err)
	}
	log.Printf("✅ BLS public key: %s", blsKeys.GetPublicKeyHex())

	p2pPriv, err := loadOrGenerateLibp2pKey(filepath.Join(cfg.DataDir, "libp2p_key.bin"))
	if err != nil {
		log.Fatalf("❌ load/generate libp2p identity: %v", err)
	}

	log.Printf("💾 [Phase 2] Opening state storage...")
	appDB, err := dbm.NewDB("application", dbm.BackendType("goleveldb"), filepath.Join(cfg.DataDir, "application"))
	if err != nil {
		log.Fatalf("❌ open application db: %v", err)
	}
	kv := kvdb.NewKVAdapter(appDB)
	committed := store.NewCommittedStore(kv)
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	blocks := store.NewBlockStore(ds)

	log.Printf("⚙️ [Phase 3] Building the IPC interpreter stack...")
	minCollateral, ok := new(big.Int).SetString(cfg.MinBootstrapCollateral, 10)
	if !ok {
		log.Fatalf("❌ MIN_BOOTSTRAP_COLLATERAL is not a valid decimal integer: %q", cfg.MinBootstrapCollateral)
	}
	stakingMachine := staking.NewMachine(minCollateral, cfg.MinBootstrapValidators, cfg.ActiveValidatorsLimit, cfg.BottomUpCheckPeriod)
	pool := bottomup.NewPool(cfg.BottomUpCheckPeriod)

	quorumThreshold := big.NewInt(int64(cfg.TopDownQuorumThresholdPct))
	tally := topdown.NewTally(map[string]*big.Int{}, quorumThreshold)
	finalityProvider := topdown.NewProvider(cfg.TopDownMaxProposalRange, cfg.TopDownProposalDelay)
	signer := interpreter.NewSecp256k1Signer()
	stack := interpreter.NewStack(signer, exec.Stub{}, pool, tally, finalityProvider, stakingMachine)

	log.Printf("🏗️ [Phase 4] Constructing the ABCI driver...")
	snapMgr := snapshot.NewManager(blocks, snapshot.Config{Interval: 1000, KeepRecent: 2})
	app := abci.NewApp(abci.Config{
		ChainID:       cfg.ChainID,
		HaltHeight:    cfg.HaltHeight,
		StateHistSize: cfg.StateHistSize,
		AppVersion:    cfg.AppVersion,
	}, committed, blocks, stack, snapMgr)

	var repos *database.Repositories
	var dbClient *database.Client
	if cfg.DatabaseURL != "" {
		log.Printf("🗄️ [Phase 5] Connecting to the long-term state history archive...")
		var err error
		dbClient, err = database.NewClient(cfg)
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("❌ database connection required but failed: %v", err)
			}
			log.Printf("⚠️ [Phase 5] Database connection failed - running in DEGRADED mode")
			log.Printf("   Checkpoint archival and attestation persistence DISABLED")
			log.Printf("   Error: %v", err)
		} else {
			if err := dbClient.MigrateUp(ctx); err != nil {
				log.Printf("⚠️ [Phase 5] Database migration failed: %v", err)
			}
			repos = database.NewRepositories(dbClient)
			archiver := database.NewHistoryArchiver(repos.History, parseChainID(cfg.ChainID))
			app.SetArchive(archiver)
			log.Printf("✅ [Phase 5] Connected to state history archive")
		}
	} else {
		log.Printf("⚠️ [Phase 5] DATABASE_URL not set - running without long-term archival")
	}

	log.Printf("🗳️ [Phase 6] Wiring top-down vote extensions...")
	heightTracker := &parentHeightTracker{}
	voteSigner := topdown.NewVoteSigner(blsKeys.GetPrivateKey())
	voterPubKeys, err := loadTopDownVoterPubKeys(blsKeys.GetPublicKeyHex(), blsKeys.GetPublicKey(), cfg.TopDownPeerPubKeys)
	if err != nil {
		log.Fatalf("❌ load top-down peer public keys: %v", err)
	}
	voter := topdown.NewABCIVoter(finalityProvider, tally, voteSigner, blsKeys.GetPublicKeyHex(), heightTracker, voterPubKeys)
	app.SetVoter(voter)
	stack.SetParentHeightSource(heightTracker)

	log.Printf("🌉 [Phase 7] Starting the parent-chain finality poller...")
	if cfg.ParentRPCURL != "" && cfg.ParentGatewayAddr != "" {
		rpc, err := parent.NewEthGatewayRPC(cfg.ParentRPCURL, common.HexToAddress(cfg.ParentGatewayAddr))
		if err != nil {
			log.Printf("⚠️ [Phase 7] Could not construct parent gateway RPC client: %v (top-down finality disabled)", err)
		} else {
			parentClient := parent.NewClient(rpc, parent.DefaultRetryConfig())
			go runParentPoller(ctx, parentClient, finalityProvider, tally, heightTracker, cfg.ParentPollInterval)
		}
	} else {
		log.Printf("⚠️ [Phase 7] PARENT_RPC_URL/PARENT_GATEWAY_ADDR not set - top-down finality disabled")
	}

	log.Printf("🌐 [Phase 8] Starting the libp2p host and resolver service...")
	host, err := libp2p.New(libp2p.Identity(p2pPriv))
	if err != nil {
		log.Fatalf("❌ create libp2p host: %v", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, host)
	if err != nil {
		log.Fatalf("❌ create gossipsub router: %v", err)
	}
	cache := providercache.NewCache(cfg.Resolver.MaxProviderAge)
	membership, err := resolver.NewMembership(host, ps, cache, cfg.NetworkName, cfg.Resolver.MembershipPublishInterval)
	if err != nil {
		log.Fatalf("❌ join membership topic: %v", err)
	}
	streamFetcher := resolver.NewStreamFetcher(host)
	localFirst := resolver.NewLocalFirstFetcher(blocks.View(), streamFetcher)
	resolverDriver := resolver.NewResolver(host, cache, localFirst, cfg.Resolver.MaxPeersPerQuery)
	resolver.RegisterHandler(host, blockSource{blocks})
	resolverSvc := resolver.NewService(membership, resolverDriver, cache, resolver.Config{
		NetworkName:        cfg.NetworkName,
		PublishInterval:    cfg.Resolver.MembershipPublishInterval,
		MaxPeersPerQuery:   cfg.Resolver.MaxPeersPerQuery,
		LookupExpectedN:    cfg.Resolver.ExpectedPeerCount,
		LookupFalsePosRate: cfg.Resolver.LookupFalsePositive,
	})
	go resolverSvc.Run(ctx, func() []string { return []string{cfg.SubnetID} }, cfg.Resolver.MembershipPublishInterval)

	log.Printf("📦 [Phase 9] Starting the checkpoint batch and attestation pipeline...")
	subnetID := bottomup.SubnetID{} // zero SubnetID: nothing fills in the root or route
	collector, err := batch.NewCollector(batch.DefaultCollectorConfig(subnetID), repos)
	if err != nil {
		log.Fatalf("❌ construct checkpoint collector: %v", err)
	}
	attestCfg := attestation.DefaultConfig()
	attestCfg.ValidatorID = blsKeys.GetPublicKeyHex()
	attestCfg.PrivateKey = blsKeys.GetPrivateKey()
	attestCfg.MajorityPct = cfg.AttestationMajorityPct
	attestCfg.PeerEndpoints = cfg.AttestationPeerEndpoints
	attestSvc, err := attestation.NewService(repos, attestCfg)
	if err != nil {
		log.Fatalf("❌ construct attestation service: %v", err)
	}
	go runCheckpointCutter(ctx, collector, stakingMachine, attestSvc, cfg.BottomUpCheckPeriod)

	log.Printf("📊 [Phase 10] Starting metrics and health servers...")
	m := metrics.New()
	metricsSrv := metrics.NewServer(m, cfg.MetricsAddr)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsSrv.Start(ctx); err != nil {
			log.Printf("⚠️ metrics server stopped: %v", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if dbClient != nil {
			if err := dbClient.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "archive unreachable: %v\n", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}
	go func() {
		log.Printf("🌐 health endpoint listening on %s", cfg.HealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ health server error: %v", err)
		}
	}()

	log.Printf("🔗 [Phase 11] Starting the embedded consensus engine...")
	cometCfg := defaultCometConfig(cfg)
	engine, err := consensus.NewEngine(cometCfg, app, log.New(log.Writer(), "[Consensus] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("❌ construct consensus engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("❌ start consensus engine: %v", err)
	}

	log.Printf("✅ ipc-fendermint node ready - validator=%s subnet=%s", engine.ValidatorID(), cfg.SubnetID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("🛑 shutting down ipc-fendermint node...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := engine.Stop(); err != nil {
		log.Printf("⚠️ consensus engine stop error: %v", err)
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ health server shutdown error: %v", err)
	}
	membership.Close()
	wg.Wait()

	log.Printf("✅ ipc-fendermint node stopped")
}

// parentHeightTracker is the ParentHeightSource the ABCIVoter consults when
// proposing a finality candidate in ExtendVote; the parent poller updates it
// on every successful poll.
type parentHeightTracker struct {
	mu     sync.RWMutex
	height uint64
}

func (t *parentHeightTracker) Set(h uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h > t.height {
		t.height = h
	}
}

func (t *parentHeightTracker) LatestParentHeight() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

// runParentPoller polls the parent gateway for its tip and ingests every
// new block into the Finality Provider and Tally until ctx is cancelled.
func runParentPoller(ctx context.Context, client *parent.Client, provider *topdown.Provider, tally *topdown.Tally, tracker *parentHeightTracker, interval time.Duration) {
	logger := log.New(log.Writer(), "[ParentPoller] ", log.LstdFlags)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := provider.LastFinalized() + 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := client.PollLatestBlock(ctx)
			if err != nil {
				logger.Printf("⚠️ poll latest parent block failed: %v", err)
				continue
			}
			tracker.Set(tip)
			for next <= tip {
				block, err := client.FetchParentBlock(ctx, next)
				if err != nil {
					logger.Printf("⚠️ fetch parent block %d failed: %v", next, err)
					break
				}
				provider.Ingest(block)
				tally.SetObserved(block.Height, block.BlockHash)
				next++
			}
		}
	}
}

// runCheckpointCutter periodically cuts a bottom-up checkpoint once the
// collector's window is due, confirms the staking Machine's pending updates
// against it, and hands it to the attestation service for quorum signing.
func runCheckpointCutter(ctx context.Context, collector *batch.Collector, stakingMachine *staking.Machine, attestSvc *attestation.Service, checkPeriod int64) {
	logger := log.New(log.Writer(), "[CheckpointCutter] ", log.LstdFlags)
	if checkPeriod <= 0 {
		checkPeriod = 100
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastHeight uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if collector.PendingCount() == 0 {
				continue
			}
			lastHeight++
			nextConfig := stakingMachine.Next.ConfigurationNumber
			result, err := collector.Cut(ctx, lastHeight, [32]byte{}, nextConfig)
			if err != nil {
				logger.Printf("⚠️ cut checkpoint at height %d failed: %v", lastHeight, err)
				continue
			}
			if err := stakingMachine.ApplyCheckpoint(int64(lastHeight), nextConfig); err != nil {
				logger.Printf("⚠️ confirm staking updates for checkpoint at height %d failed: %v", lastHeight, err)
			}
			for i := range result.Checkpoint.Msgs {
				receipt, err := result.MessageReceipt(i)
				if err != nil {
					logger.Printf("⚠️ build message receipt %d for checkpoint at height %d failed: %v", i, lastHeight, err)
					continue
				}
				if err := receipt.Validate(); err != nil {
					logger.Printf("⚠️ message receipt %d for checkpoint at height %d failed self-check: %v", i, lastHeight, err)
				}
			}
			active, _ := stakingMachine.Current.Rank(stakingMachine.ActiveValidatorsLimit)
			if _, err := attestSvc.RequestSignatures(ctx, result.Checkpoint, uuid.New(), active); err != nil {
				logger.Printf("⚠️ request checkpoint signatures failed: %v", err)
			}
		}
	}
}

// blockSource adapts a *store.BlockStore to resolver.BlockSource for the
// WANT protocol's server side.
type blockSource struct {
	blocks *store.BlockStore
}

func (b blockSource) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return b.blocks.Get(ctx, c)
}

func parseChainID(chainID string) uint64 {
	var id uint64
	fmt.Sscanf(chainID, "%d", &id)
	return id
}

// loadTopDownVoterPubKeys builds the validator-ID -> BLS public key map
// the ABCI voter checks vote-extension signatures against: this node's
// own key plus every "validatorID=hex-pubkey" entry in peerEntries.
// Every peer key is subgroup-validated before admission — a malformed
// or rogue-subgroup key must never reach VerifyVoteTuple.
func loadTopDownVoterPubKeys(selfID string, selfPub *bls.PublicKey, peerEntries []string) (map[string]*bls.PublicKey, error) {
	pubkeys := map[string]*bls.PublicKey{selfID: selfPub}
	for _, entry := range peerEntries {
		id, hexKey, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed TOPDOWN_PEER_PUBKEYS entry %q, expected validatorID=hexpubkey", entry)
		}
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: decode public key hex: %w", id, err)
		}
		if err := bls.ValidatePublicKeyBytes(keyBytes); err != nil {
			return nil, fmt.Errorf("peer %s: public key failed subgroup validation: %w", id, err)
		}
		pub, err := bls.PublicKeyFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: parse public key: %w", id, err)
		}
		pubkeys[id] = pub
	}
	return pubkeys, nil
}

// loadOrGenerateLibp2pKey persists this node's libp2p identity key under
// keyPath, generating one on first run.
func loadOrGenerateLibp2pKey(keyPath string) (p2pcrypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := p2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal libp2p key from %s: %w", keyPath, err)
		}
		log.Printf("🔑 loaded existing libp2p identity from %s", keyPath)
		return priv, nil
	}

	log.Printf("🔑 generating new libp2p identity...")
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate libp2p key: %w", err)
	}
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal libp2p key: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("save libp2p key to %s: %w", keyPath, err)
	}
	log.Printf("✅ generated and saved new libp2p identity: %s", keyPath)
	return priv, nil
}

// defaultCometConfig builds the embedded CometBFT config rooted under the
// node's data directory, matching the file layout node.NewNode expects
// (config/{genesis,node_key,priv_validator_key}.json under RootDir, same
// as any standalone `cometbft init` output).
func defaultCometConfig(cfg *config.Config) *cmtconfig.Config {
	cometCfg := cmtconfig.DefaultConfig()
	cometCfg.SetRoot(filepath.Join(cfg.DataDir, "cometbft"))
	cometCfg.Moniker = cfg.ChainID
	cometCfg.ProxyApp = "" // in-process app, no socket address needed
	cometCfg.RPC.ListenAddress = "tcp://0.0.0.0:26657"
	cometCfg.P2P.ListenAddress = "tcp://0.0.0.0:26656"
	cometCfg.DBBackend = "goleveldb"
	return cometCfg
}
