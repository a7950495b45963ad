package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrRefundExceedsInvestment = errors.New("refund: cumulative refunds exceed invested amount")
	ErrRefundInvestmentChanged = errors.New("refund: invested amount differs from recorded origin")

	errLedgerUnavailable = errors.New("refund: ledger unavailable")
)

var refundLedgerPrefix = "refund/campaign/"

// RefundLedger tracks refunds paid per campaign investor so a refund is never
// paid twice.
type RefundLedger struct {
	manager *Manager
}

// RefundRecord captures the refund history of a single investor.
type RefundRecord struct {
	CampaignID string
	Investor   string
	Invested   uint64
	Refunded   uint64
	Refunds    []uint64
}

// Outstanding returns the invested amount not yet refunded.
func (r *RefundRecord) Outstanding() uint64 {
	if r == nil || r.Refunded >= r.Invested {
		return 0
	}
	return r.Invested - r.Refunded
}

type storedRefundRecord struct {
	Invested uint64
	Refunded uint64
	Refunds  []uint64
}

// RefundLedger returns a refund ledger helper bound to the manager.
func (m *Manager) RefundLedger() *RefundLedger {
	if m == nil {
		return nil
	}
	return &RefundLedger{manager: m}
}

// RecordRefund appends a refund of amount to the investor's history. The
// first refund fixes the invested amount; later refunds must quote the same
// figure and the cumulative total can never exceed it.
func (l *RefundLedger) RecordRefund(campaignID, investor string, amount, invested uint64) (*RefundRecord, error) {
	if l == nil || l.manager == nil {
		return nil, errLedgerUnavailable
	}
	campaignID = strings.TrimSpace(campaignID)
	investor = strings.TrimSpace(investor)
	if campaignID == "" || investor == "" {
		return nil, fmt.Errorf("refund: campaign and investor required")
	}
	if amount == 0 {
		return nil, fmt.Errorf("refund: refund amount must be positive")
	}
	key := refundLedgerKey(campaignID, investor)
	unlock := l.manager.lock(string(key))
	defer unlock()

	var stored storedRefundRecord
	ok, err := l.manager.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		stored = storedRefundRecord{Invested: invested}
	} else if stored.Invested != invested {
		return nil, fmt.Errorf("%w: recorded=%d quoted=%d", ErrRefundInvestmentChanged, stored.Invested, invested)
	}
	next := stored.Refunded + amount
	if next < stored.Refunded || next > stored.Invested {
		return nil, fmt.Errorf("%w: refunded=%d attempted=%d invested=%d", ErrRefundExceedsInvestment, stored.Refunded, amount, stored.Invested)
	}
	stored.Refunded = next
	stored.Refunds = append(stored.Refunds, amount)
	if err := l.manager.KVPut(key, &stored); err != nil {
		return nil, err
	}
	return refundRecordFromStored(campaignID, investor, &stored), nil
}

// Record returns the refund history for the investor, if any.
func (l *RefundLedger) Record(campaignID, investor string) (*RefundRecord, bool, error) {
	if l == nil || l.manager == nil {
		return nil, false, errLedgerUnavailable
	}
	campaignID = strings.TrimSpace(campaignID)
	investor = strings.TrimSpace(investor)
	var stored storedRefundRecord
	ok, err := l.manager.KVGet(refundLedgerKey(campaignID, investor), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return refundRecordFromStored(campaignID, investor, &stored), true, nil
}

// Records returns every refund history booked for the campaign, ordered by
// investor.
func (l *RefundLedger) Records(campaignID string) ([]*RefundRecord, error) {
	if l == nil || l.manager == nil {
		return nil, errLedgerUnavailable
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, fmt.Errorf("refund: campaign required")
	}
	prefix := refundCampaignPrefix(campaignID)
	records := make([]*RefundRecord, 0)
	err := l.manager.db.Iterate([]byte(prefix), func(key, value []byte) error {
		var stored storedRefundRecord
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("refund: decode %s: %w", key, err)
		}
		investor := strings.TrimPrefix(string(key), prefix)
		records = append(records, refundRecordFromStored(campaignID, investor, &stored))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// refundCampaignPrefix hex-encodes the campaign id so no id can be a key
// prefix of another campaign's records.
func refundCampaignPrefix(campaignID string) string {
	return refundLedgerPrefix + common.Bytes2Hex([]byte(campaignID)) + "/"
}

func refundLedgerKey(campaignID, investor string) []byte {
	return []byte(refundCampaignPrefix(campaignID) + investor)
}

func refundRecordFromStored(campaignID, investor string, stored *storedRefundRecord) *RefundRecord {
	refunds := make([]uint64, len(stored.Refunds))
	copy(refunds, stored.Refunds)
	return &RefundRecord{
		CampaignID: campaignID,
		Investor:   investor,
		Invested:   stored.Invested,
		Refunded:   stored.Refunded,
		Refunds:    refunds,
	}
}
