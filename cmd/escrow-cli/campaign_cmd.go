package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"crowdescrow/core/events"
	"crowdescrow/core/types"
	"crowdescrow/native/campaign"
	"crowdescrow/native/payout"
	"crowdescrow/observability/logging"
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitRejected = 2
)

var campaignNow = time.Now

type decisionOutput struct {
	Result       interface{}          `json:"result"`
	Instructions []payout.Instruction `json:"instructions,omitempty"`
	Events       []*types.Event       `json:"events,omitempty"`
}

func runCampaignCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, campaignUsage())
		return exitUsage
	}

	switch args[0] {
	case "create":
		return runCampaignCreate(args[1:], stdout, stderr)
	case "invest":
		return runCampaignInvest(args[1:], stdout, stderr)
	case "finalize":
		return runCampaignFinalize(args[1:], stdout, stderr)
	case "instructions":
		return runCampaignInstructions(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown campaign subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, campaignUsage())
		return exitUsage
	}
}

func runCampaignCreate(args []string, stdout, stderr io.Writer) int {
	fs := newCampaignFlagSet("campaign create", stderr)
	var (
		id, deadline, treasury, out           string
		investCurrency, investIssuer          string
		tokenCurrency, tokenIssuer, maxString string
	)
	fs.StringVar(&id, "id", "", "campaign identifier")
	fs.StringVar(&maxString, "max", "", "fundraising cap in base units")
	fs.StringVar(&deadline, "deadline", "", "deadline as +duration, RFC3339 timestamp or unix seconds")
	fs.StringVar(&treasury, "treasury", "", "treasury address receiving the raised funds")
	fs.StringVar(&investCurrency, "investment-currency", "", "stablecoin currency code")
	fs.StringVar(&investIssuer, "investment-issuer", "", "stablecoin issuer address")
	fs.StringVar(&tokenCurrency, "token-currency", "", "campaign token currency code")
	fs.StringVar(&tokenIssuer, "token-issuer", "", "campaign token issuer address")
	fs.StringVar(&out, "out", "", "write the snapshot to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 0 {
		return printCampaignError(stderr, "unexpected positional arguments")
	}
	if id == "" {
		return printCampaignError(stderr, "--id is required")
	}
	maxValue, err := parseAmount("--max", maxString)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	deadlineUnix, err := parseDeadline(deadline, campaignNow())
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	if treasury == "" {
		return printCampaignError(stderr, "--treasury is required")
	}

	created, err := campaign.Create(id, maxValue, deadlineUnix, treasury, investCurrency, investIssuer, tokenCurrency, tokenIssuer)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	if out != "" {
		if err := writeSnapshot(out, created); err != nil {
			return printCampaignError(stderr, err.Error())
		}
		return exitOK
	}
	return printJSON(stdout, stderr, created, exitOK)
}

func runCampaignInvest(args []string, stdout, stderr io.Writer) int {
	fs := newCampaignFlagSet("campaign invest", stderr)
	var (
		statePath, sender, amountString, nowString string
		write, verbose                             bool
	)
	fs.StringVar(&statePath, "state", "", "path to the campaign snapshot JSON")
	fs.StringVar(&sender, "sender", "", "investor address")
	fs.StringVar(&amountString, "amount", "", "investment amount in base units")
	fs.StringVar(&nowString, "now", "", "evaluation time in unix seconds (defaults to the current time)")
	fs.BoolVar(&write, "write", false, "write the updated snapshot back to --state when accepted")
	fs.BoolVar(&verbose, "verbose", false, "log engine decisions to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if statePath == "" {
		return printCampaignError(stderr, "--state is required")
	}
	amount, err := parseAmount("--amount", amountString)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	now, err := parseNow(nowString)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	raw, err := os.ReadFile(statePath)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}

	engine, recorder := newCLIEngine(stderr, verbose)
	var result campaign.InvestmentResult
	if state, decodeErr := campaign.Decode(raw); decodeErr != nil {
		result = campaign.ProcessInvestmentJSON(raw, sender, amount, now)
	} else {
		result = engine.ProcessInvestment(state, sender, amount, now)
	}

	output := decisionOutput{Result: result, Events: eventsOf(recorder)}
	if !result.Accepted {
		return printJSON(stdout, stderr, output, exitRejected)
	}
	output.Instructions, err = payout.NewBuilder().ForInvestment(sender, result)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	if write {
		if err := writeSnapshot(statePath, result.UpdatedState); err != nil {
			return printCampaignError(stderr, err.Error())
		}
	}
	return printJSON(stdout, stderr, output, exitOK)
}

func runCampaignFinalize(args []string, stdout, stderr io.Writer) int {
	fs := newCampaignFlagSet("campaign finalize", stderr)
	var (
		statePath, nowString string
		write, verbose       bool
	)
	fs.StringVar(&statePath, "state", "", "path to the campaign snapshot JSON")
	fs.StringVar(&nowString, "now", "", "evaluation time in unix seconds (defaults to the current time)")
	fs.BoolVar(&write, "write", false, "write the finalized snapshot back to --state on success")
	fs.BoolVar(&verbose, "verbose", false, "log engine decisions to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if statePath == "" {
		return printCampaignError(stderr, "--state is required")
	}
	now, err := parseNow(nowString)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	raw, err := os.ReadFile(statePath)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}

	engine, recorder := newCLIEngine(stderr, verbose)
	state, decodeErr := campaign.Decode(raw)
	var result campaign.FinalizeResult
	if decodeErr != nil {
		result = campaign.FinalizeJSON(raw, now)
	} else {
		result = engine.Finalize(state, now)
	}

	output := decisionOutput{Result: result, Events: eventsOf(recorder)}
	if !result.Success {
		return printJSON(stdout, stderr, output, exitRejected)
	}
	output.Instructions, err = payout.NewBuilder().ForFinalize(state, result)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	if write {
		if err := writeSnapshot(statePath, result.UpdatedState); err != nil {
			return printCampaignError(stderr, err.Error())
		}
	}
	return printJSON(stdout, stderr, output, exitOK)
}

// runCampaignInstructions previews the payout instructions finalize would
// produce without modifying the snapshot.
func runCampaignInstructions(args []string, stdout, stderr io.Writer) int {
	fs := newCampaignFlagSet("campaign instructions", stderr)
	var statePath, nowString string
	fs.StringVar(&statePath, "state", "", "path to the campaign snapshot JSON")
	fs.StringVar(&nowString, "now", "", "evaluation time in unix seconds (defaults to the current time)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if statePath == "" {
		return printCampaignError(stderr, "--state is required")
	}
	now, err := parseNow(nowString)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	raw, err := os.ReadFile(statePath)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	state, err := campaign.Decode(raw)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	result := campaign.Finalize(state, now)
	if !result.Success {
		return printJSON(stdout, stderr, decisionOutput{Result: result}, exitRejected)
	}
	instructions, err := payout.NewBuilder().ForFinalize(state, result)
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, instructions, exitOK)
}

func newCLIEngine(stderr io.Writer, verbose bool) (*campaign.Engine, *events.Recorder) {
	engine := campaign.NewEngine()
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)
	if verbose {
		engine.SetLogger(logging.New(stderr, "escrow-cli", ""))
	} else {
		engine.SetLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	}
	return engine, recorder
}

func eventsOf(recorder *events.Recorder) []*types.Event {
	recorded := recorder.Events()
	out := make([]*types.Event, 0, len(recorded))
	for _, evt := range recorded {
		typed, ok := evt.(interface{ Event() *types.Event })
		if !ok {
			continue
		}
		if e := typed.Event(); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func newCampaignFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, campaignUsage())
	}
	return fs
}

func printCampaignError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return exitUsage
}

func printJSON(stdout, stderr io.Writer, v interface{}, code int) int {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return printCampaignError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, string(payload))
	return code
}

func writeSnapshot(path string, state *campaign.State) error {
	encoded, err := campaign.Encode(state)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parseAmount(flagName, value string) (uint64, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return 0, fmt.Errorf("%s is required", flagName)
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer in base units", flagName)
	}
	return amount, nil
}

func parseNow(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uint64(campaignNow().Unix()), nil
	}
	now, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--now must be unix seconds")
	}
	return now, nil
}

func parseDeadline(value string, now time.Time) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := time.ParseDuration(strings.TrimSpace(trimmed[1:]))
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return uint64(now.Add(dur).Unix()), nil
	}
	if unix, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline: use +duration, RFC3339 or unix seconds")
	}
	if ts.Unix() < 0 {
		return 0, fmt.Errorf("deadline before the unix epoch")
	}
	return uint64(ts.Unix()), nil
}

func campaignUsage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli campaign <command> [flags]

Commands:
  create        Build a new campaign snapshot
  invest        Apply an investment to a snapshot file
  finalize      Finalize a snapshot after its deadline
  instructions  Preview the payout instructions finalize would produce

Exit codes: 0 accepted, 1 usage error, 2 rejected decision.
`)
}
