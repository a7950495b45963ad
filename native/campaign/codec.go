package campaign

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errEmptySnapshot = errors.New("campaign: empty snapshot")

// Decode parses a JSON snapshot. Unknown fields are ignored so that callers
// may store bookkeeping next to the engine fields.
func Decode(raw []byte) (*State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errEmptySnapshot
	}
	var state State
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return nil, fmt.Errorf("campaign: decode snapshot: %w", err)
	}
	if state.Investments == nil {
		state.Investments = make(map[string]uint64)
	}
	return &state, nil
}

// Encode serialises a snapshot. encoding/json writes map keys in sorted
// order, so equal states always encode to identical bytes.
func Encode(state *State) ([]byte, error) {
	if state == nil {
		return nil, errNilState
	}
	return json.Marshal(state)
}

// ProcessInvestmentJSON is the serialized boundary of ProcessInvestment: a
// snapshot that fails to parse yields an InvalidState rejection rather than
// an error.
func ProcessInvestmentJSON(raw []byte, sender string, amount, now uint64) InvestmentResult {
	state, err := Decode(raw)
	if err != nil {
		return rejectInvestment(CodeInvalidState, fmt.Sprintf("invalid campaign state: %v", err))
	}
	return ProcessInvestment(state, sender, amount, now)
}

// FinalizeJSON is the serialized boundary of Finalize.
func FinalizeJSON(raw []byte, now uint64) FinalizeResult {
	state, err := Decode(raw)
	if err != nil {
		return failFinalize(CodeInvalidState, fmt.Sprintf("invalid campaign state: %v", err))
	}
	return Finalize(state, now)
}
