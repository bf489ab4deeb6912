// Copyright 2025 Certen Protocol
//
// Checkpoint Quorum Service - Multi-Validator Signature Collection
//
// This service:
// - Broadcasts checkpoint-signing requests to peer validators
// - Collects BLS signatures over a checkpoint hash from the network
// - Tracks collected weight against the active power table's quorum
//   threshold via pkg/ipc/staking's ranking
// - Archives collected signatures via the database checkpoint repository
// - Provides the HTTP handler peers call to request our own signature

package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/ipc-fendermint/pkg/crypto/bls"
	"github.com/certen/ipc-fendermint/pkg/database"
	"github.com/certen/ipc-fendermint/pkg/ipc/bottomup"
	"github.com/certen/ipc-fendermint/pkg/ipc/staking"
)

// Service manages multi-validator checkpoint signature collection.
type Service struct {
	mu sync.RWMutex

	// Dependencies
	repos *database.Repositories
	priv  *bls.PrivateKey
	pub   *bls.PublicKey

	// Configuration
	validatorID   string
	peerEndpoints []string // URLs of peer validators (e.g., "http://validator-2:26658")
	majorityPct   int      // required percentage of active weight, e.g. 67
	timeout       time.Duration

	// Pending quorum-certificate bundles, keyed by checkpoint ID
	bundles map[uuid.UUID]*Bundle

	httpClient *http.Client
	logger     *log.Logger
}

// Bundle tracks the in-progress signature set for one checkpoint.
type Bundle struct {
	CheckpointID    uuid.UUID
	CheckpointHash  [32]byte
	RequiredWeight  *big.Int
	CollectedWeight *big.Int
	Signatures      map[string]*bls.Signature // validator address -> signature
	CreatedAt       time.Time
}

// IsSufficient reports whether the bundle's collected weight meets the
// required threshold.
func (b *Bundle) IsSufficient() bool {
	return b.CollectedWeight.Cmp(b.RequiredWeight) >= 0
}

// Config holds service configuration.
type Config struct {
	ValidatorID   string
	PrivateKey    *bls.PrivateKey
	PeerEndpoints []string
	MajorityPct   int // percentage of active weight required for quorum, e.g. 67
	Timeout       time.Duration
	Logger        *log.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MajorityPct: 67,
		Timeout:     30 * time.Second,
		Logger:      log.New(log.Writer(), "[CheckpointQuorum] ", log.LstdFlags),
	}
}

// NewService creates a new checkpoint quorum service.
func NewService(repos *database.Repositories, cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[CheckpointQuorum] ", log.LstdFlags)
	}
	majorityPct := cfg.MajorityPct
	if majorityPct <= 0 || majorityPct > 100 {
		majorityPct = 67
	}

	return &Service{
		repos:         repos,
		priv:          cfg.PrivateKey,
		pub:           cfg.PrivateKey.PublicKey(),
		validatorID:   cfg.ValidatorID,
		peerEndpoints: cfg.PeerEndpoints,
		majorityPct:   majorityPct,
		timeout:       cfg.Timeout,
		bundles:       make(map[uuid.UUID]*Bundle),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger,
	}, nil
}

// =============================================================================
// Signature Request/Response Types
// =============================================================================

// SignRequest is sent to peer validators requesting a signature over a
// checkpoint hash.
type SignRequest struct {
	RequestID      uuid.UUID `json:"request_id"`
	CheckpointID   uuid.UUID `json:"checkpoint_id"`
	CheckpointHash []byte    `json:"checkpoint_hash"` // 32 bytes, keccak256(abi_encode((checkpoint,)))
	BlockHeight    uint64    `json:"block_height"`

	RequestingValidator string    `json:"requesting_validator"`
	RequestedAt         time.Time `json:"requested_at"`
}

// SignResponse is the response from a peer validator.
type SignResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`

	Validator string `json:"validator,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// QuorumStatus reports the collection status for a checkpoint.
type QuorumStatus struct {
	CheckpointID    uuid.UUID `json:"checkpoint_id"`
	RequiredWeight  string    `json:"required_weight"`
	CollectedWeight string    `json:"collected_weight"`
	IsSufficient    bool      `json:"is_sufficient"`
	Signatories     []string  `json:"signatories"`
	StartedAt       time.Time `json:"started_at"`
}

// =============================================================================
// Quorum Collection
// =============================================================================

// RequestSignatures broadcasts checkpoint-signing requests to all peer
// validators and collects their responses, weighting them against the
// active power table ranked by active. This is called once a checkpoint
// has been cut locally.
func (s *Service) RequestSignatures(ctx context.Context, cp bottomup.BottomUpCheckpoint, checkpointID uuid.UUID, active []staking.RankedValidator) (*QuorumStatus, error) {
	hash, err := cp.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash checkpoint: %w", err)
	}

	required := requiredWeight(active, s.majorityPct)

	s.mu.Lock()
	bundle, exists := s.bundles[checkpointID]
	if !exists {
		bundle = &Bundle{
			CheckpointID:    checkpointID,
			CheckpointHash:  hash,
			RequiredWeight:  required,
			CollectedWeight: big.NewInt(0),
			Signatures:      make(map[string]*bls.Signature),
			CreatedAt:       time.Now(),
		}
		s.bundles[checkpointID] = bundle
	}
	s.mu.Unlock()

	s.logger.Printf("📋 requesting checkpoint signatures from %d peers for %s", len(s.peerEndpoints), checkpointID)

	ownSig := s.priv.Sign(hash[:])
	s.addSignature(ctx, bundle, s.validatorID, ownSig, active)

	var wg sync.WaitGroup
	responses := make(chan *SignResponse, len(s.peerEndpoints))

	req := &SignRequest{
		RequestID:           uuid.New(),
		CheckpointID:        checkpointID,
		CheckpointHash:      hash[:],
		BlockHeight:         cp.BlockHeight,
		RequestingValidator: s.validatorID,
		RequestedAt:         time.Now(),
	}

	for _, peer := range s.peerEndpoints {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			resp, err := s.requestFromPeer(ctx, peerURL, req)
			if err != nil {
				s.logger.Printf("⚠️ failed to get signature from %s: %v", peerURL, err)
				return
			}
			responses <- resp
		}(peer)
	}

	go func() {
		wg.Wait()
		close(responses)
	}()

	for resp := range responses {
		if !resp.Success || len(resp.Signature) == 0 {
			continue
		}
		sig, err := bls.SignatureFromBytes(resp.Signature)
		if err != nil {
			s.logger.Printf("⚠️ invalid signature from %s: %v", resp.Validator, err)
			continue
		}
		s.addSignature(ctx, bundle, resp.Validator, sig, active)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked(bundle), nil
}

func requiredWeight(active []staking.RankedValidator, majorityPct int) *big.Int {
	total := big.NewInt(0)
	for _, v := range active {
		total.Add(total, v.Weight)
	}
	required := new(big.Int).Mul(total, big.NewInt(int64(majorityPct)))
	required.Div(required, big.NewInt(100))
	return required
}

func (s *Service) addSignature(ctx context.Context, bundle *Bundle, validator string, sig *bls.Signature, active []staking.RankedValidator) {
	var weight *big.Int
	for _, v := range active {
		if v.Validator == validator {
			weight = v.Weight
			break
		}
	}
	if weight == nil {
		s.logger.Printf("⚠️ rejecting signature from %s: not in active set", validator)
		return
	}

	s.mu.Lock()
	if _, already := bundle.Signatures[validator]; already {
		s.mu.Unlock()
		return
	}
	bundle.Signatures[validator] = sig
	bundle.CollectedWeight.Add(bundle.CollectedWeight, weight)
	s.mu.Unlock()

	if s.repos != nil && s.repos.Checkpoints != nil {
		err := s.repos.Checkpoints.AddSignature(ctx, database.NewCheckpointSignature{
			CheckpointID: bundle.CheckpointID,
			Validator:    validator,
			Weight:       weight.String(),
			Signature:    sig.Bytes(),
			SignedAt:     time.Now(),
		})
		if err != nil {
			s.logger.Printf("⚠️ failed to archive signature from %s: %v", validator, err)
		}
	}

	s.logger.Printf("✅ collected signature from %s (%s/%s weight)", validator, bundle.CollectedWeight, bundle.RequiredWeight)
}

// requestFromPeer sends a checkpoint-signing request to a single peer.
func (s *Service) requestFromPeer(ctx context.Context, peerURL string, req *SignRequest) (*SignResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/checkpoints/sign", peerURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Validator-ID", s.validatorID)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, string(body))
	}

	var signResp SignResponse
	if err := json.Unmarshal(body, &signResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &signResp, nil
}

// =============================================================================
// Signature Handling (receiving requests from peers)
// =============================================================================

// HandleSignRequest processes a signing request from a peer validator,
// signing the checkpoint hash with our own BLS key.
func (s *Service) HandleSignRequest(req *SignRequest) *SignResponse {
	if len(req.CheckpointHash) != 32 {
		return &SignResponse{RequestID: req.RequestID, Success: false, Error: "checkpoint hash must be 32 bytes"}
	}

	var hash [32]byte
	copy(hash[:], req.CheckpointHash)
	sig := s.priv.Sign(hash[:])

	return &SignResponse{
		RequestID: req.RequestID,
		Success:   true,
		Validator: s.validatorID,
		Signature: sig.Bytes(),
	}
}

// =============================================================================
// Status and Bundle Management
// =============================================================================

// GetQuorumStatus returns the current collection status for a checkpoint.
func (s *Service) GetQuorumStatus(checkpointID uuid.UUID) *QuorumStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle, exists := s.bundles[checkpointID]
	if !exists {
		return nil
	}
	return s.statusLocked(bundle)
}

func (s *Service) statusLocked(bundle *Bundle) *QuorumStatus {
	signatories := make([]string, 0, len(bundle.Signatures))
	for v := range bundle.Signatures {
		signatories = append(signatories, v)
	}
	return &QuorumStatus{
		CheckpointID:    bundle.CheckpointID,
		RequiredWeight:  bundle.RequiredWeight.String(),
		CollectedWeight: bundle.CollectedWeight.String(),
		IsSufficient:    bundle.IsSufficient(),
		Signatories:     signatories,
		StartedAt:       bundle.CreatedAt,
	}
}

// SignatureBundle returns the sorted-signatory-list/concatenated-signature
// pair the relayer needs to submit a checkpoint's quorum certificate, once
// the bundle is sufficient.
func (s *Service) SignatureBundle(checkpointID uuid.UUID) (signatories []string, signatures [][]byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle, exists := s.bundles[checkpointID]
	if !exists || !bundle.IsSufficient() {
		return nil, nil, false
	}

	for v := range bundle.Signatures {
		signatories = append(signatories, v)
	}
	sortStrings(signatories)
	for _, v := range signatories {
		signatures = append(signatures, bundle.Signatures[v].Bytes())
	}
	return signatories, signatures, true
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// CleanupOldBundles removes bundles older than maxAge.
func (s *Service) CleanupOldBundles(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	count := 0
	for id, bundle := range s.bundles {
		if bundle.CreatedAt.Before(cutoff) {
			delete(s.bundles, id)
			count++
		}
	}
	if count > 0 {
		s.logger.Printf("🧹 cleaned up %d old checkpoint bundles", count)
	}
	return count
}

// =============================================================================
// Peer Management
// =============================================================================

// UpdatePeers updates the list of peer endpoints.
func (s *Service) UpdatePeers(peers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerEndpoints = peers
	s.logger.Printf("updated peer list: %v", peers)
}

// GetPeers returns the current peer endpoints.
func (s *Service) GetPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerEndpoints
}

// GetValidatorID returns this validator's ID.
func (s *Service) GetValidatorID() string {
	return s.validatorID
}

// GetPublicKey returns this validator's BLS public key.
func (s *Service) GetPublicKey() *bls.PublicKey {
	return s.pub
}
