package escrowd

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crowdescrow/native/pool"
)

// Settlement legs written by OutboxSettler.
const (
	LegFunds  = "pool_funds"
	LegTokens = "pool_tokens"
)

// OutboxSettler satisfies pool.Settler by queueing each settlement leg in the
// sqlite outbox. The ledger submission worker drains the outbox.
type OutboxSettler struct {
	store   *SQLiteStore
	timeout time.Duration
	logger  *slog.Logger
	nowFn   func() time.Time
}

var _ pool.Settler = (*OutboxSettler)(nil)

func NewOutboxSettler(store *SQLiteStore, timeout time.Duration, logger *slog.Logger) *OutboxSettler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxSettler{store: store, timeout: timeout, logger: logger, nowFn: time.Now}
}

func (o *OutboxSettler) SettleFunds(destination string, amount uint64) error {
	return o.enqueue(LegFunds, destination, amount)
}

func (o *OutboxSettler) SettleTokens(destination string, amount uint64) error {
	return o.enqueue(LegTokens, destination, amount)
}

func (o *OutboxSettler) enqueue(leg, destination string, amount uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	entry := OutboxEntry{
		ID:          uuid.NewString(),
		Source:      "pool",
		Kind:        leg,
		Destination: destination,
		Amount:      amount,
		Status:      OutboxPending,
		CreatedAt:   o.nowFn().UTC(),
	}
	if err := o.store.EnqueueOutbox(ctx, entry); err != nil {
		return err
	}
	o.logger.Info("pool settlement queued",
		slog.String("leg", leg),
		slog.String("id", entry.ID),
		slog.Uint64("amount", amount))
	return nil
}
