// Copyright 2025 Certen Protocol
//
// Parent-chain client: polls the parent gateway contract for finality data,
// validator changes, and top-down messages over JSON-RPC with retry and
// exponential backoff. The RPC seam keeps the concrete transport
// swappable so the retry/backoff contract is testable without a live
// parent node.

package parent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/certen/ipc-fendermint/pkg/ipc/topdown"
)

// ErrAllAttemptsFailed is returned once RetryConfig.MaxRetries is exhausted.
var ErrAllAttemptsFailed = errors.New("parent: all retry attempts failed")

// RetryConfig bounds the retry/backoff behavior of every RPC call.
type RetryConfig struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the original's conservative default: a few
// seconds per call, doubling backoff capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 5,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// RPC is the subset of an Ethereum JSON-RPC transport the client needs.
// Production wiring binds this to go-ethereum's ethclient; tests bind a
// fake.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GatewayTopDownMsgs(ctx context.Context, height uint64) ([]topdown.CrossMessage, error)
	GatewayValidatorChanges(ctx context.Context, height uint64) ([]topdown.ValidatorChange, error)
	BlockHash(ctx context.Context, height uint64) ([32]byte, error)
}

// Client polls a parent subnet's gateway contract.
type Client struct {
	rpc    RPC
	retry  RetryConfig
	logger *log.Logger

	// fetchGroup dedups concurrent FetchParentBlock calls for the same
	// height: the topdown poller and an on-demand catch-up fetch can both
	// ask for the same height at once, and only one should hit the RPC.
	fetchGroup singleflight.Group
}

// NewClient constructs a parent-chain client over rpc.
func NewClient(rpc RPC, retry RetryConfig) *Client {
	return &Client{
		rpc:    rpc,
		retry:  retry,
		logger: log.New(log.Writer(), "[ParentClient] ", log.LstdFlags),
	}
}

// withRetry runs fn with a per-call timeout, retrying on error with
// exponential backoff up to MaxRetries before giving up.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == c.retry.MaxRetries {
			break
		}
		delay := time.Duration(float64(c.retry.BaseDelay) * math.Pow(2, float64(attempt)))
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
		c.logger.Printf("⚠️ %s attempt %d/%d failed: %v, retrying in %s", op, attempt+1, c.retry.MaxRetries+1, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrAllAttemptsFailed, lastErr)
}

// PollLatestBlock fetches the parent chain's tip height.
func (c *Client) PollLatestBlock(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.withRetry(ctx, "poll latest block", func(ctx context.Context) error {
		h, err := c.rpc.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// FetchParentBlock fetches one parent block's finality payload (hash,
// validator changes, top-down messages) for ingestion into the Finality
// Provider.
func (c *Client) FetchParentBlock(ctx context.Context, height uint64) (topdown.ParentBlock, error) {
	key := fmt.Sprintf("%d", height)
	v, err, _ := c.fetchGroup.Do(key, func() (interface{}, error) {
		var block topdown.ParentBlock
		err := c.withRetry(ctx, fmt.Sprintf("fetch parent block %d", height), func(ctx context.Context) error {
			hash, err := c.rpc.BlockHash(ctx, height)
			if err != nil {
				return err
			}
			changes, err := c.rpc.GatewayValidatorChanges(ctx, height)
			if err != nil {
				return err
			}
			msgs, err := c.rpc.GatewayTopDownMsgs(ctx, height)
			if err != nil {
				return err
			}
			block = topdown.ParentBlock{Height: height, BlockHash: hash, Changes: changes, Messages: msgs}
			return nil
		})
		if err != nil {
			return topdown.ParentBlock{}, err
		}
		return block, nil
	})
	if err != nil {
		return topdown.ParentBlock{}, err
	}
	return v.(topdown.ParentBlock), nil
}
