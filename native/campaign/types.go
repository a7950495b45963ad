package campaign

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// Status represents the lifecycle state of a campaign snapshot.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFinalized Status = "finalized"
)

// Valid reports whether the status value is supported. The empty status is
// accepted and treated as open so snapshots written before the flag existed
// keep working.
func (s Status) Valid() bool {
	switch s {
	case "", StatusOpen, StatusFinalized:
		return true
	default:
		return false
	}
}

// Normalize maps the legacy empty status onto StatusOpen.
func (s Status) Normalize() Status {
	if s == "" {
		return StatusOpen
	}
	return s
}

// State is the serialized campaign snapshot held by the caller and
// round-tripped through the engine. Descriptive fields are copied through
// unchanged.
type State struct {
	CampaignID         string            `json:"campaign_id"`
	MaxValue           uint64            `json:"max_value"`
	CurrentRaised      uint64            `json:"current_raised"`
	DeadlineUnix       uint64            `json:"deadline_unix"`
	TreasuryAddress    string            `json:"treasury_address"`
	Investments        map[string]uint64 `json:"investments"`
	InvestmentCurrency string            `json:"investment_currency"`
	InvestmentIssuer   string            `json:"investment_issuer"`
	TokenCurrency      string            `json:"token_currency"`
	TokenIssuer        string            `json:"token_issuer"`
	Status             Status            `json:"status,omitempty"`
}

// Clone returns a deep copy of the state so callers can safely mutate the
// copy without affecting the original snapshot.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Investments = make(map[string]uint64, len(s.Investments))
	for addr, amount := range s.Investments {
		clone.Investments[addr] = amount
	}
	return &clone
}

// Finalized reports whether the campaign has already been consumed by a
// successful finalization.
func (s *State) Finalized() bool {
	return s != nil && s.Status.Normalize() == StatusFinalized
}

// Investors returns the investor addresses in ascending byte-wise order.
func (s *State) Investors() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Investments))
	for addr := range s.Investments {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

var (
	errNilState         = errors.New("campaign: nil state")
	errMissingID        = errors.New("campaign: campaign id required")
	errZeroMaxValue     = errors.New("campaign: max value must be positive")
	errRaisedAboveMax   = errors.New("campaign: current raised exceeds max value")
	errLedgerMismatch   = errors.New("campaign: current raised does not match investments")
	errEmptyInvestor    = errors.New("campaign: empty investor address")
	errUnsupportedState = errors.New("campaign: unsupported status")
)

// Validate checks the structural invariants of a snapshot:
// current_raised == sum(investments) and current_raised <= max_value.
// Sums are computed in 256-bit arithmetic so a crafted snapshot cannot wrap.
func Validate(s *State) error {
	if s == nil {
		return errNilState
	}
	if strings.TrimSpace(s.CampaignID) == "" {
		return errMissingID
	}
	if s.MaxValue == 0 {
		return errZeroMaxValue
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %q", errUnsupportedState, s.Status)
	}
	if s.CurrentRaised > s.MaxValue {
		return fmt.Errorf("%w: raised=%d max=%d", errRaisedAboveMax, s.CurrentRaised, s.MaxValue)
	}
	total := new(uint256.Int)
	for addr, amount := range s.Investments {
		if strings.TrimSpace(addr) == "" {
			return errEmptyInvestor
		}
		total.Add(total, uint256.NewInt(amount))
	}
	if !total.Eq(uint256.NewInt(s.CurrentRaised)) {
		return fmt.Errorf("%w: raised=%d investments=%s", errLedgerMismatch, s.CurrentRaised, total.Dec())
	}
	return nil
}

// Code classifies the outcome of an engine call.
type Code string

const (
	CodeInvalidState       Code = "InvalidState"
	CodeInvalidSender      Code = "InvalidSender"
	CodeInvalidAmount      Code = "InvalidAmount"
	CodeCampaignFinalized  Code = "CampaignFinalized"
	CodeDeadlinePassed     Code = "DeadlinePassed"
	CodeCapExceeded        Code = "CapExceeded"
	CodeDeadlineNotReached Code = "DeadlineNotReached"
	CodeAlreadyFinalized   Code = "AlreadyFinalized"
)

// Error classes for the rejection taxonomy.
const (
	ClassInputError    = "InputError"
	ClassRuleViolation = "RuleViolation"
)

// Class returns the taxonomy bucket of the code, or the empty string for
// unknown codes.
func (c Code) Class() string {
	switch c {
	case CodeInvalidState, CodeInvalidSender, CodeInvalidAmount:
		return ClassInputError
	case CodeCampaignFinalized, CodeDeadlinePassed, CodeCapExceeded, CodeDeadlineNotReached, CodeAlreadyFinalized:
		return ClassRuleViolation
	default:
		return ""
	}
}

// InvestmentResult is the decision returned by ProcessInvestment.
type InvestmentResult struct {
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason"`
	Code           Code   `json:"code,omitempty"`
	TokenAmount    uint64 `json:"token_amount"`
	UpdatedState   *State `json:"updated_state,omitempty"`
	SendToTreasury bool   `json:"send_to_treasury"`
}

// Refund is a single (address, amount) pair owed to an investor.
type Refund struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// FinalizeResult is the decision returned by Finalize.
type FinalizeResult struct {
	Success          bool     `json:"success"`
	ObjectiveReached bool     `json:"objective_reached"`
	Reason           string   `json:"reason,omitempty"`
	Code             Code     `json:"code,omitempty"`
	Refunds          []Refund `json:"refunds"`
	TreasuryAmount   uint64   `json:"treasury_amount"`
	UpdatedState     *State   `json:"updated_state,omitempty"`
}

// RefundTotal sums the refund amounts. Refunds originate from a validated
// snapshot so the total fits in a uint64.
func (r FinalizeResult) RefundTotal() uint64 {
	var total uint64
	for _, refund := range r.Refunds {
		total += refund.Amount
	}
	return total
}
