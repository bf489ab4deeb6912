// Copyright 2025 Certen Protocol
//
// Staking configuration: the current/next collateral tables, the active-set
// ranking, and the bootstrap-to-activated latch that gates when checkpoint
// confirmation (rather than immediate application) governs staking updates.

package staking

import (
	"errors"
	"math/big"
	"sort"
)

// Sentinel errors.
var (
	ErrZeroAmount   = errors.New("staking: zero-amount update is a no-op")
	ErrInsufficient = errors.New("staking: insufficient current balance")
)

// UpdateKind distinguishes the four staking operations the checkpoint
// protocol tracks.
type UpdateKind int

const (
	Join UpdateKind = iota
	Stake
	Unstake
	Leave
)

// Update is one pending staking operation, tagged with the configuration
// number it becomes eligible to apply under.
type Update struct {
	ConfigurationNumber uint64
	Kind                UpdateKind
	Validator           string
	Amount              *big.Int
}

// Account tracks one validator's collateral lifecycle. Invariant:
// CurrentBalance <= InitialBalance, ClaimBalance >= 0, and balance changes
// always conserve InitialBalance == CurrentBalance + ClaimBalance.
type Account struct {
	InitialBalance *big.Int
	CurrentBalance *big.Int
	ClaimBalance   *big.Int
}

// RankedValidator is one entry in the active-set ranking.
type RankedValidator struct {
	Validator string
	Weight    *big.Int
}

// Configuration is one snapshot of the collateral table (either "current" or
// "next"). Ranking is recomputed lazily by Rank.
type Configuration struct {
	ConfigurationNumber uint64
	Collaterals         map[string]*big.Int
	// insertionOrder records first-seen order so Rank's stable sort breaks
	// ties deterministically the same way on every honest node.
	insertionOrder []string
}

// NewConfiguration returns an empty configuration at configuration number 0.
func NewConfiguration() *Configuration {
	return &Configuration{Collaterals: make(map[string]*big.Int)}
}

// Set installs or updates a validator's collateral, recording insertion
// order on first sight.
func (c *Configuration) Set(validator string, amount *big.Int) {
	if _, ok := c.Collaterals[validator]; !ok {
		c.insertionOrder = append(c.insertionOrder, validator)
	}
	c.Collaterals[validator] = new(big.Int).Set(amount)
}

// Clone deep-copies the configuration, including insertion order, so
// "current" and "next" never alias the same maps.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{
		ConfigurationNumber: c.ConfigurationNumber,
		Collaterals:         make(map[string]*big.Int, len(c.Collaterals)),
		insertionOrder:      append([]string{}, c.insertionOrder...),
	}
	for k, v := range c.Collaterals {
		out.Collaterals[k] = new(big.Int).Set(v)
	}
	return out
}

// Rank returns the top N validators by collateral, descending, ties broken
// by insertion order (stable sort over the insertion-ordered slice) so every
// honest node computes the identical active set and quorum weight.
func (c *Configuration) Rank(activeLimit int) (active []RankedValidator, waiting []RankedValidator) {
	all := make([]RankedValidator, 0, len(c.insertionOrder))
	for _, v := range c.insertionOrder {
		w, ok := c.Collaterals[v]
		if !ok || w.Sign() <= 0 {
			continue
		}
		all = append(all, RankedValidator{Validator: v, Weight: w})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Weight.Cmp(all[j].Weight) > 0
	})
	if activeLimit <= 0 || activeLimit >= len(all) {
		return all, nil
	}
	return all[:activeLimit], all[activeLimit:]
}

// Machine coordinates the current/next configurations, the pending-update
// FIFO, and the bootstrap-to-activated transition for one subnet.
type Machine struct {
	Current *Configuration
	Next    *Configuration

	pending []Update

	// Activated is a one-way latch: once true it never flips back, even if
	// collateral later drops below the bootstrap threshold.
	Activated bool

	MinBootstrapCollateral *big.Int
	MinBootstrapValidators int
	ActiveValidatorsLimit  int

	LastCheckpointHeight int64
	BottomUpCheckPeriod  int64

	Accounts map[string]*Account
}

// NewMachine constructs a staking Machine pre-bootstrap.
func NewMachine(minCollateral *big.Int, minValidators, activeLimit int, checkPeriod int64) *Machine {
	return &Machine{
		Current:                NewConfiguration(),
		Next:                   NewConfiguration(),
		MinBootstrapCollateral: minCollateral,
		MinBootstrapValidators: minValidators,
		ActiveValidatorsLimit:  activeLimit,
		BottomUpCheckPeriod:    checkPeriod,
		Accounts:               make(map[string]*Account),
	}
}

// totalCollateral sums Next's collaterals (the live table before
// activation).
func (m *Machine) totalCollateral() (*big.Int, int) {
	total := big.NewInt(0)
	count := 0
	for _, w := range m.Next.Collaterals {
		if w.Sign() > 0 {
			total.Add(total, w)
			count++
		}
	}
	return total, count
}

// maybeActivate flips the bootstrap latch once the thresholds are met,
// seeding Next's configuration number at 1 so checkpoint-driven
// confirmation begins from a known baseline.
func (m *Machine) maybeActivate() {
	if m.Activated {
		return
	}
	total, count := m.totalCollateral()
	if count >= m.MinBootstrapValidators && total.Cmp(m.MinBootstrapCollateral) >= 0 {
		m.Activated = true
		m.Next.ConfigurationNumber = 1
	}
}

// Apply processes a join/stake/unstake/leave update. Before bootstrap it is
// applied to Current immediately and the configuration number does not
// advance; after bootstrap it is queued and only takes effect once a
// checkpoint confirms it via ApplyCheckpoint.
func (m *Machine) Apply(validator string, kind UpdateKind, amount *big.Int) error {
	if amount.Sign() == 0 {
		return ErrZeroAmount
	}

	if !m.Activated {
		if err := m.applyToConfiguration(m.Current, validator, kind, amount); err != nil {
			return err
		}
		if err := m.applyToConfiguration(m.Next, validator, kind, amount); err != nil {
			return err
		}
		m.maybeActivate()
		return nil
	}

	m.Next.ConfigurationNumber++
	if err := m.applyToConfiguration(m.Next, validator, kind, amount); err != nil {
		return err
	}
	m.pending = append(m.pending, Update{
		ConfigurationNumber: m.Next.ConfigurationNumber,
		Kind:                kind,
		Validator:           validator,
		Amount:              new(big.Int).Set(amount),
	})
	return nil
}

func (m *Machine) applyToConfiguration(cfg *Configuration, validator string, kind UpdateKind, amount *big.Int) error {
	cur, ok := cfg.Collaterals[validator]
	if !ok {
		cur = big.NewInt(0)
	}
	switch kind {
	case Join, Stake:
		cfg.Set(validator, new(big.Int).Add(cur, amount))
	case Unstake, Leave:
		if cur.Cmp(amount) < 0 {
			return ErrInsufficient
		}
		cfg.Set(validator, new(big.Int).Sub(cur, amount))
	}
	return nil
}

// ApplyCheckpoint pops pending updates with configuration number <=
// nextConfigurationNumber from the FIFO, crediting withdrawals to
// ClaimBalance and applying each to Current, then records the checkpoint
// height.
func (m *Machine) ApplyCheckpoint(blockHeight int64, nextConfigurationNumber uint64) error {
	i := 0
	for ; i < len(m.pending); i++ {
		u := m.pending[i]
		if u.ConfigurationNumber > nextConfigurationNumber {
			break
		}
		if u.Kind == Unstake || u.Kind == Leave {
			acct, ok := m.Accounts[u.Validator]
			if ok {
				acct.ClaimBalance.Add(acct.ClaimBalance, u.Amount)
				acct.CurrentBalance.Sub(acct.CurrentBalance, u.Amount)
			}
		}
		if err := m.applyToConfiguration(m.Current, u.Validator, u.Kind, u.Amount); err != nil {
			return err
		}
	}
	m.pending = m.pending[i:]
	m.Current.ConfigurationNumber = nextConfigurationNumber
	m.LastCheckpointHeight = blockHeight
	return nil
}

// PendingUpdates returns the updates still queued with configuration number
// in (current, next].
func (m *Machine) PendingUpdates() []Update {
	return append([]Update{}, m.pending...)
}
