package campaign_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"crowdescrow/native/campaign"
)

const legacySnapshot = `{
  "campaign_id": "CAMP-1700000000",
  "max_value": 10000000,
  "current_raised": 5000000,
  "deadline_unix": 1000,
  "treasury_address": "rTreasury",
  "investments": {"rInvestor2Address": 3000000, "rInvestor1Address": 2000000},
  "investment_currency": "RLUSD",
  "investment_issuer": "rRLUSDIssuer",
  "token_currency": "BOND",
  "token_issuer": "rTokenIssuer"
}`

func TestDecodeLegacySnapshotWithoutStatus(t *testing.T) {
	state, err := campaign.Decode([]byte(legacySnapshot))
	require.NoError(t, err)
	require.NoError(t, campaign.Validate(state))
	require.False(t, state.Finalized())
	require.Equal(t, campaign.StatusOpen, state.Status.Normalize())

	fin := campaign.FinalizeJSON([]byte(legacySnapshot), 1001)
	require.True(t, fin.Success)
	require.False(t, fin.ObjectiveReached)
	require.Equal(t, []campaign.Refund{
		{Address: "rInvestor1Address", Amount: 2_000_000},
		{Address: "rInvestor2Address", Amount: 3_000_000},
	}, fin.Refunds)
	require.Equal(t, campaign.StatusFinalized, fin.UpdatedState.Status)
}

func TestMalformedSnapshotsYieldWellFormedFailures(t *testing.T) {
	inputs := []string{
		"",
		"null",
		"{not json",
		`{"campaign_id": "C", "max_value": -1}`,
		`{"campaign_id": "C", "max_value": 18446744073709551616}`,
		`{"campaign_id": "", "max_value": 10, "investments": {}}`,
		`{"campaign_id": "C", "max_value": 10, "current_raised": 11, "investments": {"a": 11}}`,
		`{"campaign_id": "C", "max_value": 10, "current_raised": 5, "investments": {"a": 4}}`,
		`{"campaign_id": "C", "max_value": 10, "status": "paused"}`,
		`[1,2,3]`,
	}
	for _, input := range inputs {
		invest := campaign.ProcessInvestmentJSON([]byte(input), "alice", 1, 0)
		require.False(t, invest.Accepted, input)
		require.Equal(t, campaign.CodeInvalidState, invest.Code, input)
		require.Nil(t, invest.UpdatedState, input)
		require.NotEmpty(t, invest.Reason, input)

		fin := campaign.FinalizeJSON([]byte(input), 1<<40)
		require.False(t, fin.Success, input)
		require.Equal(t, campaign.CodeInvalidState, fin.Code, input)
		require.NotNil(t, fin.Refunds, input)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	state, err := campaign.Decode([]byte(legacySnapshot))
	require.NoError(t, err)
	first, err := campaign.Encode(state)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := campaign.Encode(state.Clone())
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	_, err = campaign.Encode(nil)
	require.Error(t, err)
}

func TestInvestmentResultWireFormat(t *testing.T) {
	state, err := campaign.Create("CAMP", 10, 100, "rT", "USDC", "rI", "BOND", "rB")
	require.NoError(t, err)
	raw, err := campaign.Encode(state)
	require.NoError(t, err)

	res := campaign.ProcessInvestmentJSON(raw, "alice", 10, 1)
	require.True(t, res.Accepted)
	payload, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	for _, key := range []string{"accepted", "reason", "token_amount", "updated_state", "send_to_treasury"} {
		require.Contains(t, decoded, key)
	}
	require.NotContains(t, decoded, "code")
	require.Equal(t, true, decoded["send_to_treasury"])

	rejected := campaign.ProcessInvestmentJSON(raw, "alice", 11, 1)
	payload, err = json.Marshal(rejected)
	require.NoError(t, err)
	decoded = map[string]any{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.NotContains(t, decoded, "updated_state")
	require.Equal(t, string(campaign.CodeCapExceeded), decoded["code"])
}

func TestCodeClasses(t *testing.T) {
	require.Equal(t, campaign.ClassInputError, campaign.CodeInvalidState.Class())
	require.Equal(t, campaign.ClassInputError, campaign.CodeInvalidAmount.Class())
	require.Equal(t, campaign.ClassRuleViolation, campaign.CodeDeadlinePassed.Class())
	require.Equal(t, campaign.ClassRuleViolation, campaign.CodeCapExceeded.Class())
	require.Equal(t, "", campaign.Code("Bogus").Class())
}
