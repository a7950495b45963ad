package payout

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"crowdescrow/native/campaign"
)

// Kind identifies what a ledger instruction does.
type Kind string

const (
	KindTokenIssue       Kind = "token_issue"
	KindTreasuryTransfer Kind = "treasury_transfer"
	KindRefund           Kind = "refund"
	KindCoupon           Kind = "coupon"
)

// instructionNamespace scopes the deterministic instruction identifiers.
var instructionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("crowdescrow/payout/instruction"))

var (
	// ErrCouponNotPayable reports a coupon against a campaign that has not
	// been finalized with its objective reached.
	ErrCouponNotPayable = errors.New("payout: coupon requires a finalized, funded campaign")
	// ErrInvalidCoupon reports a coupon without a positive amount.
	ErrInvalidCoupon = errors.New("payout: coupon amount must be positive")

	errNilState      = errors.New("payout: campaign state required")
	errNotAccepted   = errors.New("payout: investment was not accepted")
	errNotFinalized  = errors.New("payout: finalization did not succeed")
	errMissingTarget = errors.New("payout: destination required")
)

// Instruction is a single transfer handed to the transaction encoding and
// signing collaborator. ID is stable across retries so that submission can
// be made idempotent.
type Instruction struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	Kind        Kind   `json:"kind"`
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Currency    string `json:"currency"`
	Issuer      string `json:"issuer"`
	Memo        string `json:"memo"`
}

// EncodeMemo returns the upper-case hex encoding of the campaign identifier
// carried in the ledger memo field.
func EncodeMemo(campaignID string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(campaignID)))
}

// DecodeMemo reverses EncodeMemo.
func DecodeMemo(memo string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(memo))
	if err != nil {
		return "", fmt.Errorf("payout: decode memo: %w", err)
	}
	return string(raw), nil
}

// Builder converts engine decisions into ledger instructions.
type Builder struct {
	namespace uuid.UUID
}

func NewBuilder() *Builder {
	return &Builder{namespace: instructionNamespace}
}

func (b *Builder) instruction(state *campaign.State, kind Kind, destination string, amount uint64, currency, issuer string, seq uint64) (Instruction, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Instruction{}, fmt.Errorf("%w: %s", errMissingTarget, kind)
	}
	name := fmt.Sprintf("%s|%s|%s|%d|%d", state.CampaignID, kind, destination, amount, seq)
	return Instruction{
		ID:          uuid.NewSHA1(b.namespace, []byte(name)).String(),
		CampaignID:  state.CampaignID,
		Kind:        kind,
		Destination: destination,
		Amount:      amount,
		Currency:    currency,
		Issuer:      issuer,
		Memo:        EncodeMemo(state.CampaignID),
	}, nil
}

// ForInvestment builds the instructions for an accepted investment: the
// token issue to the investor and, when the cap was reached, the transfer of
// the raised total to the treasury.
func (b *Builder) ForInvestment(investor string, res campaign.InvestmentResult) ([]Instruction, error) {
	if !res.Accepted {
		return nil, errNotAccepted
	}
	state := res.UpdatedState
	if state == nil {
		return nil, errNilState
	}
	out := make([]Instruction, 0, 2)
	if res.TokenAmount > 0 {
		// The investor's cumulative total strictly increases with every
		// accepted investment, which keeps repeat investments distinct.
		ins, err := b.instruction(state, KindTokenIssue, investor, res.TokenAmount, state.TokenCurrency, state.TokenIssuer, state.Investments[investor])
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	if res.SendToTreasury && state.CurrentRaised > 0 {
		ins, err := b.instruction(state, KindTreasuryTransfer, state.TreasuryAddress, state.CurrentRaised, state.InvestmentCurrency, state.InvestmentIssuer, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// ForFinalize builds the treasury payout or the refunds of a successful
// finalization. Refund instructions keep the refund order of the result.
func (b *Builder) ForFinalize(state *campaign.State, res campaign.FinalizeResult) ([]Instruction, error) {
	if state == nil {
		return nil, errNilState
	}
	if !res.Success {
		return nil, errNotFinalized
	}
	if res.ObjectiveReached {
		if res.TreasuryAmount == 0 {
			return []Instruction{}, nil
		}
		ins, err := b.instruction(state, KindTreasuryTransfer, state.TreasuryAddress, res.TreasuryAmount, state.InvestmentCurrency, state.InvestmentIssuer, 0)
		if err != nil {
			return nil, err
		}
		return []Instruction{ins}, nil
	}
	out := make([]Instruction, 0, len(res.Refunds))
	for i, refund := range res.Refunds {
		if refund.Amount == 0 {
			continue
		}
		ins, err := b.instruction(state, KindRefund, refund.Address, refund.Amount, state.InvestmentCurrency, state.InvestmentIssuer, uint64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// Coupon is one periodic distribution to the holders of a funded campaign's
// tokens. Sequence numbers the distribution; an empty currency or issuer
// falls back to the campaign's investment currency.
type Coupon struct {
	Sequence uint64 `json:"sequence"`
	Amount   uint64 `json:"amount"`
	Currency string `json:"currency,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
}

// ForCoupon splits coupon.Amount across the token holders in proportion to
// their holdings, rounding each share down. Holders are visited in ascending
// address order, zero shares are skipped and the undistributed remainder is
// returned alongside the instructions.
func (b *Builder) ForCoupon(state *campaign.State, coupon Coupon) ([]Instruction, uint64, error) {
	if state == nil {
		return nil, 0, errNilState
	}
	if coupon.Amount == 0 {
		return nil, 0, ErrInvalidCoupon
	}
	if !state.Finalized() || state.CurrentRaised < state.MaxValue {
		return nil, 0, fmt.Errorf("%w: %s", ErrCouponNotPayable, state.CampaignID)
	}
	currency, issuer := coupon.Currency, coupon.Issuer
	if strings.TrimSpace(currency) == "" {
		currency, issuer = state.InvestmentCurrency, state.InvestmentIssuer
	}

	var total uint64
	for _, balance := range state.Investments {
		total += balance
	}
	if total == 0 {
		return []Instruction{}, coupon.Amount, nil
	}
	amount := uint256.NewInt(coupon.Amount)
	divisor := uint256.NewInt(total)
	out := make([]Instruction, 0, len(state.Investments))
	var paid uint64
	for _, holder := range state.Investors() {
		share := new(uint256.Int).Mul(amount, uint256.NewInt(state.Investments[holder]))
		share.Div(share, divisor)
		if share.IsZero() {
			continue
		}
		ins, err := b.instruction(state, KindCoupon, holder, share.Uint64(), currency, issuer, coupon.Sequence)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ins)
		paid += ins.Amount
	}
	return out, coupon.Amount - paid, nil
}
