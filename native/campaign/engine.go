package campaign

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/holiman/uint256"

	"crowdescrow/core/events"
)

const (
	reasonAccepted         = "investment accepted"
	reasonObjectiveReached = "objective reached; funds will be sent to treasury"
	reasonFinalizedSuccess = "campaign finalized; objective reached"
	reasonFinalizedRefund  = "campaign finalized; objective not reached, refunds issued"
)

// Create builds the initial snapshot of a campaign with nothing raised and
// no investments.
func Create(campaignID string, maxValue, deadlineUnix uint64, treasuryAddress, investmentCurrency, investmentIssuer, tokenCurrency, tokenIssuer string) (*State, error) {
	if strings.TrimSpace(campaignID) == "" {
		return nil, errMissingID
	}
	if maxValue == 0 {
		return nil, errZeroMaxValue
	}
	return &State{
		CampaignID:         campaignID,
		MaxValue:           maxValue,
		CurrentRaised:      0,
		DeadlineUnix:       deadlineUnix,
		TreasuryAddress:    treasuryAddress,
		Investments:        make(map[string]uint64),
		InvestmentCurrency: investmentCurrency,
		InvestmentIssuer:   investmentIssuer,
		TokenCurrency:      tokenCurrency,
		TokenIssuer:        tokenIssuer,
		Status:             StatusOpen,
	}, nil
}

func rejectInvestment(code Code, reason string) InvestmentResult {
	return InvestmentResult{Accepted: false, Reason: reason, Code: code}
}

// ProcessInvestment decides whether sender may invest amount at time now.
// The supplied state is never mutated; an accepted investment returns an
// updated copy. Tokens are issued 1:1 with the invested amount.
func ProcessInvestment(state *State, sender string, amount, now uint64) InvestmentResult {
	if err := Validate(state); err != nil {
		return rejectInvestment(CodeInvalidState, fmt.Sprintf("invalid campaign state: %v", err))
	}
	if state.Finalized() {
		return rejectInvestment(CodeCampaignFinalized, "campaign already finalized")
	}
	if now > state.DeadlineUnix {
		return rejectInvestment(CodeDeadlinePassed, "campaign deadline has passed")
	}
	if strings.TrimSpace(sender) == "" {
		return rejectInvestment(CodeInvalidSender, "sender address required")
	}
	if amount == 0 {
		return rejectInvestment(CodeInvalidAmount, "investment amount must be positive")
	}
	newTotal := new(uint256.Int).Add(uint256.NewInt(state.CurrentRaised), uint256.NewInt(amount))
	if newTotal.Gt(uint256.NewInt(state.MaxValue)) {
		return rejectInvestment(CodeCapExceeded, fmt.Sprintf(
			"investment would exceed cap: max=%d current=%d attempted=%d",
			state.MaxValue, state.CurrentRaised, amount))
	}

	updated := state.Clone()
	updated.CurrentRaised = newTotal.Uint64()
	updated.Investments[sender] += amount

	sendToTreasury := updated.CurrentRaised == updated.MaxValue
	reason := reasonAccepted
	if sendToTreasury {
		reason = reasonObjectiveReached
	}
	return InvestmentResult{
		Accepted:       true,
		Reason:         reason,
		TokenAmount:    amount,
		UpdatedState:   updated,
		SendToTreasury: sendToTreasury,
	}
}

func failFinalize(code Code, reason string) FinalizeResult {
	return FinalizeResult{Success: false, Reason: reason, Code: code, Refunds: []Refund{}}
}

// Finalize settles a campaign once its deadline has passed. Before the
// deadline the result is a "not applicable yet" failure, distinct from an
// invalid snapshot. Refunds are ordered by ascending investor address.
func Finalize(state *State, now uint64) FinalizeResult {
	if err := Validate(state); err != nil {
		return failFinalize(CodeInvalidState, fmt.Sprintf("invalid campaign state: %v", err))
	}
	if state.Finalized() {
		return failFinalize(CodeAlreadyFinalized, "campaign already finalized")
	}
	if now <= state.DeadlineUnix {
		return failFinalize(CodeDeadlineNotReached, "campaign deadline not reached")
	}

	updated := state.Clone()
	updated.Status = StatusFinalized

	if state.CurrentRaised >= state.MaxValue {
		return FinalizeResult{
			Success:          true,
			ObjectiveReached: true,
			Reason:           reasonFinalizedSuccess,
			Refunds:          []Refund{},
			TreasuryAmount:   state.CurrentRaised,
			UpdatedState:     updated,
		}
	}

	investors := state.Investors()
	refunds := make([]Refund, 0, len(investors))
	for _, addr := range investors {
		refunds = append(refunds, Refund{Address: addr, Amount: state.Investments[addr]})
	}
	return FinalizeResult{
		Success:          true,
		ObjectiveReached: false,
		Reason:           reasonFinalizedRefund,
		Refunds:          refunds,
		TreasuryAmount:   0,
		UpdatedState:     updated,
	}
}

// Engine wraps the pure transition functions with event emission and
// logging. It holds no campaign state and is safe for concurrent use across
// campaigns; callers serialise access per campaign.
type Engine struct {
	emitter events.Emitter
	logger  *slog.Logger
}

// NewEngine creates a campaign engine with a no-op emitter and the default
// logger.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default().With(slog.String("component", "campaign")),
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil restores
// slog.Default().
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("component", "campaign"))
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// Create builds a new campaign snapshot and emits campaign.created.
func (e *Engine) Create(campaignID string, maxValue, deadlineUnix uint64, treasuryAddress, investmentCurrency, investmentIssuer, tokenCurrency, tokenIssuer string) (*State, error) {
	state, err := Create(campaignID, maxValue, deadlineUnix, treasuryAddress, investmentCurrency, investmentIssuer, tokenCurrency, tokenIssuer)
	if err != nil {
		return nil, err
	}
	e.emit(events.CampaignCreated{
		CampaignID:         state.CampaignID,
		MaxValue:           state.MaxValue,
		Deadline:           state.DeadlineUnix,
		InvestmentCurrency: state.InvestmentCurrency,
		TokenCurrency:      state.TokenCurrency,
	})
	return state, nil
}

// ProcessInvestment runs ProcessInvestment and emits the matching event.
func (e *Engine) ProcessInvestment(state *State, sender string, amount, now uint64) InvestmentResult {
	result := ProcessInvestment(state, sender, amount, now)
	campaignID := ""
	if state != nil {
		campaignID = state.CampaignID
	}
	if !result.Accepted {
		e.log().Info("investment rejected",
			slog.String("campaign", campaignID),
			slog.String("code", string(result.Code)),
			slog.String("reason", result.Reason))
		e.emit(events.CampaignInvestmentRejected{
			CampaignID: campaignID,
			Investor:   sender,
			Amount:     amount,
			Code:       string(result.Code),
			Reason:     result.Reason,
		})
		return result
	}
	updated := result.UpdatedState
	e.log().Info("investment accepted",
		slog.String("campaign", campaignID),
		slog.Uint64("amount", amount),
		slog.Uint64("raised", updated.CurrentRaised),
		slog.Bool("sendToTreasury", result.SendToTreasury))
	e.emit(events.CampaignInvestmentAccepted{
		CampaignID:     campaignID,
		Investor:       sender,
		Amount:         amount,
		TokenAmount:    result.TokenAmount,
		CurrentRaised:  updated.CurrentRaised,
		SendToTreasury: result.SendToTreasury,
	})
	if result.SendToTreasury {
		e.emit(events.CampaignObjectiveReached{
			CampaignID:      campaignID,
			TreasuryAddress: updated.TreasuryAddress,
			Amount:          updated.CurrentRaised,
		})
	}
	return result
}

// Finalize runs Finalize and emits campaign.finalized on success.
func (e *Engine) Finalize(state *State, now uint64) FinalizeResult {
	result := Finalize(state, now)
	campaignID := ""
	if state != nil {
		campaignID = state.CampaignID
	}
	if !result.Success {
		e.log().Info("finalize not applied",
			slog.String("campaign", campaignID),
			slog.String("code", string(result.Code)),
			slog.String("reason", result.Reason))
		return result
	}
	e.log().Info("campaign finalized",
		slog.String("campaign", campaignID),
		slog.Bool("objectiveReached", result.ObjectiveReached),
		slog.Uint64("treasuryAmount", result.TreasuryAmount),
		slog.Int("refunds", len(result.Refunds)))
	e.emit(events.CampaignFinalized{
		CampaignID:       campaignID,
		ObjectiveReached: result.ObjectiveReached,
		TreasuryAmount:   result.TreasuryAmount,
		RefundCount:      len(result.Refunds),
		RefundTotal:      result.RefundTotal(),
	})
	return result
}
