package events

import (
	"strconv"

	"crowdescrow/core/types"
)

const (
	TypeCampaignCreated            = "campaign.created"
	TypeCampaignInvestmentAccepted = "campaign.investment.accepted"
	TypeCampaignInvestmentRejected = "campaign.investment.rejected"
	TypeCampaignObjectiveReached   = "campaign.objective_reached"
	TypeCampaignFinalized          = "campaign.finalized"
)

type CampaignCreated struct {
	CampaignID         string
	MaxValue           uint64
	Deadline           uint64
	InvestmentCurrency string
	TokenCurrency      string
}

func (CampaignCreated) EventType() string { return TypeCampaignCreated }

func (e CampaignCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeCampaignCreated,
		Attributes: map[string]string{
			"campaignId":         e.CampaignID,
			"maxValue":           formatUint(e.MaxValue),
			"deadline":           formatUint(e.Deadline),
			"investmentCurrency": normalizeAsset(e.InvestmentCurrency),
			"tokenCurrency":      normalizeAsset(e.TokenCurrency),
		},
	}
}

type CampaignInvestmentAccepted struct {
	CampaignID     string
	Investor       string
	Amount         uint64
	TokenAmount    uint64
	CurrentRaised  uint64
	SendToTreasury bool
}

func (CampaignInvestmentAccepted) EventType() string { return TypeCampaignInvestmentAccepted }

func (e CampaignInvestmentAccepted) Event() *types.Event {
	return &types.Event{
		Type: TypeCampaignInvestmentAccepted,
		Attributes: map[string]string{
			"campaignId":     e.CampaignID,
			"investor":       e.Investor,
			"amount":         formatUint(e.Amount),
			"tokenAmount":    formatUint(e.TokenAmount),
			"currentRaised":  formatUint(e.CurrentRaised),
			"sendToTreasury": strconv.FormatBool(e.SendToTreasury),
		},
	}
}

type CampaignInvestmentRejected struct {
	CampaignID string
	Investor   string
	Amount     uint64
	Code       string
	Reason     string
}

func (CampaignInvestmentRejected) EventType() string { return TypeCampaignInvestmentRejected }

func (e CampaignInvestmentRejected) Event() *types.Event {
	return &types.Event{
		Type: TypeCampaignInvestmentRejected,
		Attributes: map[string]string{
			"campaignId": e.CampaignID,
			"investor":   e.Investor,
			"amount":     formatUint(e.Amount),
			"code":       e.Code,
			"reason":     e.Reason,
		},
	}
}

// CampaignObjectiveReached is emitted when an accepted investment fills the
// campaign exactly to its maximum raise.
type CampaignObjectiveReached struct {
	CampaignID      string
	TreasuryAddress string
	Amount          uint64
}

func (CampaignObjectiveReached) EventType() string { return TypeCampaignObjectiveReached }

func (e CampaignObjectiveReached) Event() *types.Event {
	return &types.Event{
		Type: TypeCampaignObjectiveReached,
		Attributes: map[string]string{
			"campaignId": e.CampaignID,
			"treasury":   e.TreasuryAddress,
			"amount":     formatUint(e.Amount),
		},
	}
}

type CampaignFinalized struct {
	CampaignID       string
	ObjectiveReached bool
	TreasuryAmount   uint64
	RefundCount      int
	RefundTotal      uint64
}

func (CampaignFinalized) EventType() string { return TypeCampaignFinalized }

func (e CampaignFinalized) Event() *types.Event {
	return &types.Event{
		Type: TypeCampaignFinalized,
		Attributes: map[string]string{
			"campaignId":       e.CampaignID,
			"objectiveReached": strconv.FormatBool(e.ObjectiveReached),
			"treasuryAmount":   formatUint(e.TreasuryAmount),
			"refunds":          strconv.Itoa(e.RefundCount),
			"refundTotal":      formatUint(e.RefundTotal),
		},
	}
}
