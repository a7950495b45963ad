package pool

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"crowdescrow/core/events"
)

// Engine is a pooled escrow with a fixed cap. A payment that lands exactly
// on the cap is reserved as pending and triggers settlement; committed totals
// are only reset once both settlement legs succeed. A failed settlement
// leaves the pool stuck until RetrySettlement or Rollback.
type Engine struct {
	mu sync.Mutex

	cap         uint64
	destination string
	settler     Settler
	emitter     events.Emitter
	logger      *slog.Logger

	status        Status
	currentAmount uint64
	tempTokens    uint64
	contributions map[string]uint64
	pending       *Pending
	fundsSettled  bool
}

// New creates an empty pool. A zero cap falls back to DefaultCap.
func New(cfg Config, settler Settler) (*Engine, error) {
	if settler == nil {
		return nil, errNilSettler
	}
	destination := strings.TrimSpace(cfg.Destination)
	if destination == "" {
		return nil, errMissingDestination
	}
	capValue := cfg.Cap
	if capValue == 0 {
		capValue = DefaultCap
	}
	return &Engine{
		cap:           capValue,
		destination:   destination,
		settler:       settler,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default().With(slog.String("component", "pool")),
		status:        StatusAccepting,
		contributions: make(map[string]uint64),
	}, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil restores
// slog.Default().
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("component", "pool"))
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Cap returns the settlement threshold.
func (e *Engine) Cap() uint64 { return e.cap }

// Status returns the current settlement state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Pending returns the reserved payment awaiting settlement, if any.
func (e *Engine) Pending() (Pending, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return Pending{}, false
	}
	return *e.pending, true
}

// Snapshot returns a copy of the pool totals.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Status:        e.status,
		Cap:           e.cap,
		Destination:   e.destination,
		CurrentAmount: e.currentAmount,
		TempTokens:    e.tempTokens,
		Contributions: sortedContributions(e.contributions),
		FundsSettled:  e.fundsSettled,
	}
	if e.pending != nil {
		pending := *e.pending
		snap.Pending = &pending
	}
	return snap
}

// ReceivePayment records a contribution from party. Payments that would push
// the pool over its cap are rejected without mutation. A payment that fills
// the pool exactly is reserved and settled; if settlement fails the error
// wraps ErrFinalizationFailed and the payment stays visible via Pending.
func (e *Engine) ReceivePayment(party string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusStuck || e.pending != nil {
		return ErrSettlementPending
	}
	if strings.TrimSpace(party) == "" {
		return ErrInvalidParty
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	total := new(uint256.Int).Add(uint256.NewInt(e.currentAmount), uint256.NewInt(amount))
	capValue := uint256.NewInt(e.cap)
	if total.Gt(capValue) {
		return fmt.Errorf("%w: cap=%d current=%d attempted=%d", ErrCapExceeded, e.cap, e.currentAmount, amount)
	}

	if total.Lt(capValue) {
		e.contributions[party] += amount
		e.currentAmount = total.Uint64()
		e.tempTokens += amount
		e.status = StatusAccepting
		e.emit(events.PoolPaymentReceived{Party: party, Amount: amount, CurrentAmount: e.currentAmount, Cap: e.cap})
		return nil
	}

	e.pending = &Pending{Party: party, Amount: amount}
	e.status = StatusAtCap
	e.emit(events.PoolPaymentReceived{Party: party, Amount: amount, CurrentAmount: e.cap, Cap: e.cap})
	if err := e.finalizeTransfer(); err != nil {
		return fmt.Errorf("%w: %w", ErrFinalizationFailed, err)
	}
	return nil
}

// RetrySettlement re-attempts a stuck settlement. Legs that already
// succeeded are not repeated.
func (e *Engine) RetrySettlement() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusStuck || e.pending == nil {
		return ErrNothingToSettle
	}
	e.status = StatusAtCap
	if err := e.finalizeTransfer(); err != nil {
		return fmt.Errorf("%w: %w", ErrFinalizationFailed, err)
	}
	return nil
}

// finalizeTransfer moves the pooled funds and then the token credits to the
// destination. Totals are reset only when both legs succeed. Callers hold
// e.mu and have set e.pending.
func (e *Engine) finalizeTransfer() error {
	pending := e.pending
	funds := e.currentAmount + pending.Amount
	tokens := new(uint256.Int).Add(uint256.NewInt(e.tempTokens), uint256.NewInt(pending.Amount))
	if !tokens.IsUint64() {
		e.markStuck("tokens", errTokenOverflow)
		return errTokenOverflow
	}

	if !e.fundsSettled {
		if err := e.settler.SettleFunds(e.destination, funds); err != nil {
			e.markStuck("funds", err)
			return fmt.Errorf("settle funds: %w", err)
		}
		e.fundsSettled = true
	}
	if err := e.settler.SettleTokens(e.destination, tokens.Uint64()); err != nil {
		e.markStuck("tokens", err)
		return fmt.Errorf("settle tokens: %w", err)
	}

	parties := len(e.contributions)
	if _, ok := e.contributions[pending.Party]; !ok {
		parties++
	}
	e.currentAmount = 0
	e.tempTokens = 0
	e.contributions = make(map[string]uint64)
	e.pending = nil
	e.fundsSettled = false
	e.status = StatusSettled

	e.logger.Info("pool settled",
		slog.Uint64("funds", funds),
		slog.Uint64("tokens", tokens.Uint64()),
		slog.Int("parties", parties))
	e.emit(events.PoolSettled{Destination: e.destination, Funds: funds, Tokens: tokens.Uint64(), Parties: parties})
	return nil
}

func (e *Engine) markStuck(leg string, err error) {
	e.status = StatusStuck
	e.logger.Warn("pool settlement failed",
		slog.String("leg", leg),
		slog.String("error", err.Error()))
	e.emit(events.PoolSettlementFailed{Destination: e.destination, Leg: leg, Error: err.Error()})
}

// Rollback is the operator recovery action: it clears the committed
// contributions, the current amount and any pending reservation while
// leaving the temporary token credits untouched. The engine never calls it
// on its own.
func (e *Engine) Rollback() RollbackReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	cleared := make(map[string]uint64, len(e.contributions)+1)
	for party, amount := range e.contributions {
		cleared[party] = amount
	}
	clearedAmount := e.currentAmount
	if e.pending != nil {
		cleared[e.pending.Party] += e.pending.Amount
		clearedAmount += e.pending.Amount
	}
	report := RollbackReport{
		Cleared:       sortedContributions(cleared),
		ClearedAmount: clearedAmount,
		TempTokens:    e.tempTokens,
		FundsSettled:  e.fundsSettled,
	}

	e.currentAmount = 0
	e.contributions = make(map[string]uint64)
	e.pending = nil
	e.fundsSettled = false
	e.status = StatusAccepting

	e.logger.Warn("pool rolled back",
		slog.Uint64("clearedAmount", clearedAmount),
		slog.Int("parties", len(report.Cleared)),
		slog.Uint64("tempTokens", e.tempTokens),
		slog.Bool("fundsSettled", report.FundsSettled))
	e.emit(events.PoolRolledBack{ClearedAmount: clearedAmount, ClearedParties: len(report.Cleared), TempTokens: e.tempTokens})
	return report
}
