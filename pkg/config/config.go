// Copyright 2025 Certen Protocol

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a fendermint node.
type Config struct {
	// Identity
	ChainID     string // CometBFT chain ID, e.g. "ipc-fendermint-1"
	NetworkName string // gossip topic namespace, e.g. "mainnet"
	SubnetID    string // "<root-chain-id>/<gateway-addr>/<gateway-addr>/..."

	// Server
	ListenAddr  string // CometBFT ABCI socket address
	MetricsAddr string
	HealthAddr  string

	// Database (state history archival; the Committed Store itself lives in
	// the CometBFT application.db, this is the separate long-term Postgres
	// archive)
	DatabaseURL       string
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DatabaseRequired  bool

	// Data / key storage
	DataDir    string
	BLSKeyPath string

	// ABCI driver
	HaltHeight    int64
	StateHistSize int64
	AppVersion    uint64

	// IPC
	BottomUpCheckPeriod int64  // blocks between bottom-up checkpoint cuts
	ParentRPCURL        string // parent subnet's JSON-RPC endpoint
	ParentGatewayAddr   string
	ParentPollInterval  time.Duration

	// Staking / top-down tuning, mirroring the gateway contract's own
	// construction-time constants.
	MinBootstrapCollateral    string // decimal wei string; parsed with big.Int.SetString
	MinBootstrapValidators    int
	ActiveValidatorsLimit     int
	TopDownMaxProposalRange   uint64
	TopDownProposalDelay      uint64
	TopDownQuorumThresholdPct int // percentage of power required for a top-down vote quorum
	AttestationMajorityPct    int // percentage of active weight required for a checkpoint quorum
	AttestationPeerEndpoints  []string
	// TopDownPeerPubKeys lists other validators' BLS public keys the ABCI
	// voter must also accept vote-extension signatures from, as
	// "validatorID=hex-encoded-pubkey" pairs. This node's own key is added
	// automatically; entries here are the rest of the active set.
	TopDownPeerPubKeys []string

	// Resolver tuning, loaded from a separate YAML file since these are
	// operator-tunable knobs rather than secrets/environment-scoped values.
	ResolverConfigPath string
	Resolver           ResolverTuning

	LogLevel string
}

// ResolverTuning bounds the IPLD resolver's gossip/query behavior. Loaded
// from YAML (operators hand-edit this file, unlike the env-var-only
// secrets) with LoadResolverTuning.
type ResolverTuning struct {
	MaxPeersPerQuery          int           `yaml:"max_peers_per_query"`
	MaxProviderAge            time.Duration `yaml:"max_provider_age"`
	ExpectedPeerCount         uint          `yaml:"expected_peer_count"`
	LookupFalsePositive       float64       `yaml:"lookup_false_positive_rate"`
	UploadRateBytesPerSec     float64       `yaml:"upload_rate_bytes_per_sec"`
	UploadBurstBytes          float64       `yaml:"upload_burst_bytes"`
	MembershipPublishInterval time.Duration `yaml:"membership_publish_interval"`
}

// DefaultResolverTuning returns conservative defaults for the resolver.
func DefaultResolverTuning() ResolverTuning {
	return ResolverTuning{
		MaxPeersPerQuery:          8,
		MaxProviderAge:            10 * time.Minute,
		ExpectedPeerCount:         10_000,
		LookupFalsePositive:       0.1,
		UploadRateBytesPerSec:     1 << 20, // 1 MiB/s
		UploadBurstBytes:          8 << 20, // 8 MiB
		MembershipPublishInterval: 5 * time.Minute,
	}
}

// LoadResolverTuning reads a YAML tuning file, falling back to defaults for
// anything unset and for a missing file entirely (operators aren't required
// to hand-tune the resolver before a node can run).
func LoadResolverTuning(path string) (ResolverTuning, error) {
	tuning := DefaultResolverTuning()
	if path == "" {
		return tuning, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tuning, nil
	}
	if err != nil {
		return tuning, fmt.Errorf("read resolver tuning file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &tuning); err != nil {
		return tuning, fmt.Errorf("parse resolver tuning file %s: %w", path, err)
	}
	return tuning, nil
}

// Load reads configuration from environment variables, then layers the
// resolver YAML file on top.
func Load() (*Config, error) {
	cfg := &Config{
		ChainID:     getEnv("CHAIN_ID", ""),
		NetworkName: getEnv("NETWORK_NAME", "devnet"),
		SubnetID:    getEnv("SUBNET_ID", ""),

		ListenAddr:  getEnv("LISTEN_ADDR", "tcp://0.0.0.0:26658"),
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),
		HealthAddr:  getEnv("HEALTH_ADDR", "0.0.0.0:8081"),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "fendermint"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "fendermint"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		DatabaseRequired:  getEnvBool("DATABASE_REQUIRED", false),

		DataDir:    getEnv("DATA_DIR", "./data"),
		BLSKeyPath: getEnv("BLS_KEY_PATH", ""),

		HaltHeight:    int64(getEnvInt("HALT_HEIGHT", 0)),
		StateHistSize: int64(getEnvInt("STATE_HIST_SIZE", 10_000)),
		AppVersion:    uint64(getEnvInt("APP_VERSION", 1)),

		BottomUpCheckPeriod: int64(getEnvInt("BOTTOM_UP_CHECK_PERIOD", 100)),
		ParentRPCURL:        getEnv("PARENT_RPC_URL", ""),
		ParentGatewayAddr:   getEnv("PARENT_GATEWAY_ADDR", ""),
		ParentPollInterval:  getEnvDuration("PARENT_POLL_INTERVAL", 15*time.Second),

		MinBootstrapCollateral:    getEnv("MIN_BOOTSTRAP_COLLATERAL", "1000000000000000000"),
		MinBootstrapValidators:    getEnvInt("MIN_BOOTSTRAP_VALIDATORS", 1),
		ActiveValidatorsLimit:     getEnvInt("ACTIVE_VALIDATORS_LIMIT", 100),
		TopDownMaxProposalRange:   uint64(getEnvInt("TOPDOWN_MAX_PROPOSAL_RANGE", 100)),
		TopDownProposalDelay:      uint64(getEnvInt("TOPDOWN_PROPOSAL_DELAY", 2)),
		TopDownQuorumThresholdPct: getEnvInt("TOPDOWN_QUORUM_THRESHOLD_PCT", 67),
		AttestationMajorityPct:    getEnvInt("ATTESTATION_MAJORITY_PCT", 67),
		AttestationPeerEndpoints:  splitNonEmpty(getEnv("ATTESTATION_PEER_ENDPOINTS", "")),
		TopDownPeerPubKeys:        splitNonEmpty(getEnv("TOPDOWN_PEER_PUBKEYS", "")),

		ResolverConfigPath: getEnv("RESOLVER_CONFIG_PATH", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	tuning, err := LoadResolverTuning(cfg.ResolverConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Resolver = tuning

	return cfg, nil
}

// Validate checks that all required configuration is present, accumulating
// every problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.ChainID == "" {
		errs = append(errs, "CHAIN_ID is required but not set")
	}
	if c.SubnetID == "" {
		errs = append(errs, "SUBNET_ID is required but not set")
	}
	if c.ParentRPCURL == "" {
		errs = append(errs, "PARENT_RPC_URL is required but not set")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required when DATABASE_REQUIRED=true")
	}
	if c.BottomUpCheckPeriod <= 0 {
		errs = append(errs, "BOTTOM_UP_CHECK_PERIOD must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// splitNonEmpty splits a comma-separated list, dropping empty entries so an
// unset env var yields nil rather than a single "" element.
func splitNonEmpty(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
