package pool

import (
	"errors"
	"sort"
)

// Status represents the settlement state of the pooled escrow.
type Status string

const (
	StatusAccepting Status = "accepting"
	StatusAtCap     Status = "at_cap"
	StatusSettled   Status = "settled"
	StatusStuck     Status = "stuck"
)

// DefaultCap is the protocol threshold, in base units, used when the
// configuration does not override it.
const DefaultCap uint64 = 1000

var (
	ErrCapExceeded        = errors.New("pool: payment would exceed cap")
	ErrFinalizationFailed = errors.New("pool: finalization failed")
	ErrSettlementPending  = errors.New("pool: settlement pending; retry or roll back")
	ErrNothingToSettle    = errors.New("pool: no settlement pending")
	ErrInvalidParty       = errors.New("pool: party required")
	ErrInvalidAmount      = errors.New("pool: amount must be positive")

	errNilSettler         = errors.New("pool: settler not configured")
	errMissingDestination = errors.New("pool: settlement destination required")
	errTokenOverflow      = errors.New("pool: token credit overflow")
)

// Settler moves pooled value to the settlement destination. Funds and
// tokens are separate legs; the engine only resets its totals once both
// legs have succeeded.
type Settler interface {
	SettleFunds(destination string, amount uint64) error
	SettleTokens(destination string, amount uint64) error
}

// Config captures the immutable protocol parameters of a pool.
type Config struct {
	Cap         uint64
	Destination string
}

// Contribution is a party's cumulative contribution.
type Contribution struct {
	Party  string `json:"party"`
	Amount uint64 `json:"amount"`
}

// Pending is the payment that reached the cap and is reserved until the
// settlement completes or is rolled back.
type Pending struct {
	Party  string `json:"party"`
	Amount uint64 `json:"amount"`
}

// Snapshot is a read-only copy of the pool totals.
type Snapshot struct {
	Status        Status         `json:"status"`
	Cap           uint64         `json:"cap"`
	Destination   string         `json:"destination"`
	CurrentAmount uint64         `json:"current_amount"`
	TempTokens    uint64         `json:"temp_tokens"`
	Contributions []Contribution `json:"contributions"`
	Pending       *Pending       `json:"pending,omitempty"`
	FundsSettled  bool           `json:"funds_settled"`
}

// RollbackReport lists what a rollback cleared so an operator can refund
// the parties manually. FundsSettled is set when the funds leg had already
// reached the destination before the rollback.
type RollbackReport struct {
	Cleared       []Contribution `json:"cleared"`
	ClearedAmount uint64         `json:"cleared_amount"`
	TempTokens    uint64         `json:"temp_tokens"`
	FundsSettled  bool           `json:"funds_settled"`
}

func sortedContributions(src map[string]uint64) []Contribution {
	out := make([]Contribution, 0, len(src))
	for party, amount := range src {
		out = append(out, Contribution{Party: party, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Party < out[j].Party })
	return out
}
