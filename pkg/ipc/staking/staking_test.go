// Copyright 2025 Certen Protocol

package staking

import (
	"math/big"
	"testing"
)

func newTestMachine() *Machine {
	return NewMachine(big.NewInt(1000), 2, 10, 100)
}

func TestApplyPreBootstrapAppliesImmediately(t *testing.T) {
	m := newTestMachine()

	if err := m.Apply("val-a", Join, big.NewInt(600)); err != nil {
		t.Fatalf("apply join: %v", err)
	}
	if got := m.Current.Collaterals["val-a"]; got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected Current collateral 600, got %s", got)
	}
	if m.Activated {
		t.Fatalf("machine should not be activated with only 1 validator below threshold")
	}

	if err := m.Apply("val-b", Join, big.NewInt(500)); err != nil {
		t.Fatalf("apply join: %v", err)
	}
	if !m.Activated {
		t.Fatalf("expected machine to activate once 2 validators meet the collateral threshold")
	}
	if m.Next.ConfigurationNumber != 1 {
		t.Fatalf("expected Next configuration number seeded to 1 on activation, got %d", m.Next.ConfigurationNumber)
	}
}

func TestApplyPostBootstrapQueuesPendingUpdate(t *testing.T) {
	m := newTestMachine()
	mustApply(t, m, "val-a", Join, big.NewInt(600))
	mustApply(t, m, "val-b", Join, big.NewInt(500))
	if !m.Activated {
		t.Fatalf("expected activation")
	}

	if err := m.Apply("val-c", Join, big.NewInt(200)); err != nil {
		t.Fatalf("apply join after activation: %v", err)
	}

	if _, ok := m.Current.Collaterals["val-c"]; ok {
		t.Fatalf("post-bootstrap update must not apply to Current immediately")
	}
	pending := m.PendingUpdates()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending update, got %d", len(pending))
	}
	if pending[0].Validator != "val-c" || pending[0].ConfigurationNumber != 2 {
		t.Fatalf("unexpected pending update: %+v", pending[0])
	}
}

func TestApplyCheckpointConfirmsUpToConfigurationNumber(t *testing.T) {
	m := newTestMachine()
	mustApply(t, m, "val-a", Join, big.NewInt(600))
	mustApply(t, m, "val-b", Join, big.NewInt(500))
	mustApply(t, m, "val-c", Join, big.NewInt(200)) // configuration number 2

	if err := m.ApplyCheckpoint(10, 2); err != nil {
		t.Fatalf("apply checkpoint: %v", err)
	}
	if got := m.Current.Collaterals["val-c"]; got == nil || got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected val-c confirmed into Current with 200, got %v", got)
	}
	if len(m.PendingUpdates()) != 0 {
		t.Fatalf("expected no pending updates left after confirming configuration 2")
	}
	if m.LastCheckpointHeight != 10 {
		t.Fatalf("expected LastCheckpointHeight 10, got %d", m.LastCheckpointHeight)
	}
}

func TestApplyCheckpointLeavesLaterUpdatesPending(t *testing.T) {
	m := newTestMachine()
	mustApply(t, m, "val-a", Join, big.NewInt(600))
	mustApply(t, m, "val-b", Join, big.NewInt(500))
	mustApply(t, m, "val-c", Join, big.NewInt(200)) // configuration number 2
	mustApply(t, m, "val-d", Join, big.NewInt(100)) // configuration number 3

	if err := m.ApplyCheckpoint(10, 2); err != nil {
		t.Fatalf("apply checkpoint: %v", err)
	}
	if _, ok := m.Current.Collaterals["val-d"]; ok {
		t.Fatalf("val-d at configuration 3 must stay pending when confirming only up to 2")
	}
	if len(m.PendingUpdates()) != 1 {
		t.Fatalf("expected 1 update still pending, got %d", len(m.PendingUpdates()))
	}
}

func TestApplyUnstakeInsufficientBalance(t *testing.T) {
	m := newTestMachine()
	mustApply(t, m, "val-a", Join, big.NewInt(100))

	if err := m.Apply("val-a", Unstake, big.NewInt(200)); err == nil {
		t.Fatalf("expected insufficient-balance error unstaking more than joined")
	}
}

func TestApplyZeroAmountRejected(t *testing.T) {
	m := newTestMachine()
	if err := m.Apply("val-a", Stake, big.NewInt(0)); err != ErrZeroAmount {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestRankOrdersByWeightDescendingStableOnTies(t *testing.T) {
	cfg := NewConfiguration()
	cfg.Set("val-a", big.NewInt(100))
	cfg.Set("val-b", big.NewInt(300))
	cfg.Set("val-c", big.NewInt(300))
	cfg.Set("val-d", big.NewInt(50))

	active, waiting := cfg.Rank(3)
	if len(active) != 3 || len(waiting) != 1 {
		t.Fatalf("expected 3 active / 1 waiting, got %d/%d", len(active), len(waiting))
	}
	if active[0].Validator != "val-b" || active[1].Validator != "val-c" {
		t.Fatalf("expected val-b then val-c (insertion order tiebreak) at top, got %+v", active[:2])
	}
	if waiting[0].Validator != "val-d" {
		t.Fatalf("expected val-d in the waiting set, got %+v", waiting)
	}
}

func TestRankSkipsNonPositiveWeights(t *testing.T) {
	cfg := NewConfiguration()
	cfg.Set("val-a", big.NewInt(100))
	cfg.Set("val-b", big.NewInt(0))

	active, _ := cfg.Rank(10)
	if len(active) != 1 || active[0].Validator != "val-a" {
		t.Fatalf("expected only val-a ranked, got %+v", active)
	}
}

func mustApply(t *testing.T, m *Machine, validator string, kind UpdateKind, amount *big.Int) {
	t.Helper()
	if err := m.Apply(validator, kind, amount); err != nil {
		t.Fatalf("apply %v for %s: %v", kind, validator, err)
	}
}
