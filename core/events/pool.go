package events

import (
	"strconv"

	"crowdescrow/core/types"
)

const (
	TypePoolPaymentReceived  = "pool.payment.received"
	TypePoolSettled          = "pool.settled"
	TypePoolSettlementFailed = "pool.settlement.failed"
	TypePoolRolledBack       = "pool.rolled_back"
)

type PoolPaymentReceived struct {
	Party         string
	Amount        uint64
	CurrentAmount uint64
	Cap           uint64
}

func (PoolPaymentReceived) EventType() string { return TypePoolPaymentReceived }

func (e PoolPaymentReceived) Event() *types.Event {
	return &types.Event{
		Type: TypePoolPaymentReceived,
		Attributes: map[string]string{
			"party":         e.Party,
			"amount":        formatUint(e.Amount),
			"currentAmount": formatUint(e.CurrentAmount),
			"cap":           formatUint(e.Cap),
		},
	}
}

type PoolSettled struct {
	Destination string
	Funds       uint64
	Tokens      uint64
	Parties     int
}

func (PoolSettled) EventType() string { return TypePoolSettled }

func (e PoolSettled) Event() *types.Event {
	return &types.Event{
		Type: TypePoolSettled,
		Attributes: map[string]string{
			"destination": e.Destination,
			"funds":       formatUint(e.Funds),
			"tokens":      formatUint(e.Tokens),
			"parties":     strconv.Itoa(e.Parties),
		},
	}
}

// PoolSettlementFailed records which settlement leg failed ("funds" or
// "tokens") so operators can decide between retry and rollback.
type PoolSettlementFailed struct {
	Destination string
	Leg         string
	Error       string
}

func (PoolSettlementFailed) EventType() string { return TypePoolSettlementFailed }

func (e PoolSettlementFailed) Event() *types.Event {
	return &types.Event{
		Type: TypePoolSettlementFailed,
		Attributes: map[string]string{
			"destination": e.Destination,
			"leg":         e.Leg,
			"error":       e.Error,
		},
	}
}

type PoolRolledBack struct {
	ClearedAmount  uint64
	ClearedParties int
	TempTokens     uint64
}

func (PoolRolledBack) EventType() string { return TypePoolRolledBack }

func (e PoolRolledBack) Event() *types.Event {
	return &types.Event{
		Type: TypePoolRolledBack,
		Attributes: map[string]string{
			"clearedAmount":  formatUint(e.ClearedAmount),
			"clearedParties": strconv.Itoa(e.ClearedParties),
			"tempTokens":     formatUint(e.TempTokens),
		},
	}
}
