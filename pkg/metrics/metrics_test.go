// Copyright 2025 Certen Protocol

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersEveryCollectorOnAPrivateRegistry(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.BlocksCommitted.Inc()
	if got := testutil.ToFloat64(m1.BlocksCommitted); got != 1 {
		t.Fatalf("expected m1's counter to read 1, got %v", got)
	}
	if got := testutil.ToFloat64(m2.BlocksCommitted); got != 0 {
		t.Fatalf("expected m2's counter on its own registry to remain 0, got %v", got)
	}
}

func TestLastCommittedHeightGaugeTracksSet(t *testing.T) {
	m := New()
	m.LastCommittedHeight.Set(42)
	if got := testutil.ToFloat64(m.LastCommittedHeight); got != 42 {
		t.Fatalf("expected gauge value 42, got %v", got)
	}
}

func TestServerExposesMetricsEndpoint(t *testing.T) {
	m := New()
	m.BlocksCommitted.Inc()

	mux := http.NewServeMux()
	srv := NewServer(m, "127.0.0.1:0")
	mux.Handle("/metrics", srv.httpServer.Handler)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	buf := make([]byte, 64<<10)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "fendermint_abci_blocks_committed_total") {
		t.Fatalf("expected the blocks-committed counter in the exposition output, got:\n%s", body)
	}
}

func TestServerStartStopsOnContextCancel(t *testing.T) {
	m := New()
	srv := NewServer(m, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Start to return promptly after context cancellation")
	}
}
