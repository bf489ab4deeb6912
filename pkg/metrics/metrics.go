// Copyright 2025 Certen Protocol
//
// Metrics: process-wide Prometheus collectors for block processing,
// checkpointing, vote tally and resolver activity, exposed over HTTP via
// promhttp. Collectors register against a private Registry so two node
// instances in one process never share counts.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the node registers.
type Metrics struct {
	registry *prometheus.Registry

	BlocksCommitted      prometheus.Counter
	BlockAppHashMismatch prometheus.Counter
	LastCommittedHeight  prometheus.Gauge

	CheckpointsSubmitted prometheus.Counter
	CheckpointsResolved  prometheus.Counter
	CheckpointPoolSize   prometheus.Gauge

	VoteTallyQuorumEvents  prometheus.Counter
	TopDownFinalizedHeight prometheus.Gauge

	ResolverSuccess   prometheus.Counter
	ResolverFailure   prometheus.Counter
	ProviderCacheSize prometheus.Gauge
}

// New constructs and registers every collector under a private registry
// (never the global default, so multiple Apps in the same test binary
// don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BlocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "abci", Name: "blocks_committed_total",
			Help: "Number of blocks committed by this node.",
		}),
		BlockAppHashMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "abci", Name: "app_hash_mismatch_total",
			Help: "Number of times this node's computed app hash diverged from consensus.",
		}),
		LastCommittedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fendermint", Subsystem: "abci", Name: "last_committed_height",
			Help: "Height of the most recently committed block.",
		}),
		CheckpointsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "bottomup", Name: "checkpoints_submitted_total",
			Help: "Number of bottom-up checkpoints submitted to the parent gateway.",
		}),
		CheckpointsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "bottomup", Name: "checkpoints_resolved_total",
			Help: "Number of checkpoint cross-messages fully resolved.",
		}),
		CheckpointPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fendermint", Subsystem: "bottomup", Name: "checkpoint_pool_size",
			Help: "Number of checkpoint envelopes currently pending in the pool.",
		}),
		VoteTallyQuorumEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "topdown", Name: "vote_quorum_events_total",
			Help: "Number of times a top-down vote tally reached quorum for a new height.",
		}),
		TopDownFinalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fendermint", Subsystem: "topdown", Name: "finalized_height",
			Help: "Highest parent-chain height this node has committed finality for.",
		}),
		ResolverSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "resolver", Name: "resolve_success_total",
			Help: "Number of successful content resolutions.",
		}),
		ResolverFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fendermint", Subsystem: "resolver", Name: "resolve_failure_total",
			Help: "Number of content resolutions that exhausted every candidate batch.",
		}),
		ProviderCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fendermint", Subsystem: "resolver", Name: "provider_cache_size",
			Help: "Number of peers currently tracked in the provider cache.",
		}),
	}

	reg.MustRegister(
		m.BlocksCommitted, m.BlockAppHashMismatch, m.LastCommittedHeight,
		m.CheckpointsSubmitted, m.CheckpointsResolved, m.CheckpointPoolSize,
		m.VoteTallyQuorumEvents, m.TopDownFinalizedHeight,
		m.ResolverSuccess, m.ResolverFailure, m.ProviderCacheSize,
	)
	return m
}

// Server exposes the registry's collectors over /metrics.
type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer binds a metrics HTTP server to addr; call Start to run it.
func NewServer(m *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		logger:     log.New(log.Writer(), "[Metrics] ", log.LstdFlags),
	}
}

// Start runs the metrics server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 metrics server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Printf("🛑 shutting down metrics server")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
