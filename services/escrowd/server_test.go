package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"crowdescrow/core/state"
	"crowdescrow/native/campaign"
	"crowdescrow/native/payout"
	"crowdescrow/native/pool"
	"crowdescrow/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type switchableSettler struct {
	mu      sync.Mutex
	failing bool
	legs    []string
}

func (s *switchableSettler) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *switchableSettler) record(leg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("ledger unavailable")
	}
	s.legs = append(s.legs, leg)
	return nil
}

func (s *switchableSettler) SettleFunds(string, uint64) error  { return s.record("funds") }
func (s *switchableSettler) SettleTokens(string, uint64) error { return s.record("tokens") }

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     *SQLiteStore
	campaigns *state.Manager
	pool      *pool.Engine
}

func newTestEnv(t *testing.T, settler pool.Settler, limiter *RateLimiter) *testEnv {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "escrowd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if settler == nil {
		settler = NewOutboxSettler(store, time.Second, nil)
	}
	engine, err := pool.New(pool.Config{Cap: 1000, Destination: "rVault"}, settler)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)
	server, err := NewServer(Options{
		Campaigns:     manager,
		Pool:          engine,
		Store:         store,
		Authenticator: NewAuthenticator(testSecret, "crowdescrow", "escrowd", nil),
		RateLimiter:   limiter,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.nowFn = func() time.Time { return time.Unix(500, 0) }
	return &testEnv{server: server, handler: server.Handler(), store: store, campaigns: manager, pool: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func operatorToken(t *testing.T, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops@example",
		"iss":   "crowdescrow",
		"aud":   "escrowd",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func createTestCampaign(t *testing.T, env *testEnv) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/campaigns", createCampaignRequest{
		CampaignID:         "CAMP-1",
		MaxValue:           1000,
		DeadlineUnix:       1000,
		TreasuryAddress:    "rTreasury",
		InvestmentCurrency: "RLUSD",
		InvestmentIssuer:   "rRLUSD",
		TokenCurrency:      "BOND",
		TokenIssuer:        "rBond",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestEngineEndpointsAreStateless(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	snapshot, err := campaign.Create("CAMP-S", 100, 50, "rT", "USD", "rI", "TOK", "rB")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := campaign.Encode(snapshot)
	now := uint64(10)

	rec := env.do(t, http.MethodPost, "/v1/engine/invest", engineInvestRequest{State: raw, Sender: "rAlice", Amount: 100, Now: &now}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("engine invest: %d %s", rec.Code, rec.Body.String())
	}
	var result campaign.InvestmentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Accepted || !result.SendToTreasury || result.UpdatedState.CurrentRaised != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec = env.do(t, http.MethodPost, "/v1/engine/invest", map[string]interface{}{"state": "garbage", "sender": "rAlice", "amount": 1}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("engine invest with bad state: %d", rec.Code)
	}
	result = campaign.InvestmentResult{}
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Accepted || result.Code != campaign.CodeInvalidState {
		t.Fatalf("expected InvalidState, got %+v", result)
	}

	late := uint64(51)
	rec = env.do(t, http.MethodPost, "/v1/engine/finalize", engineFinalizeRequest{State: raw, Now: &late}, nil)
	var fin campaign.FinalizeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &fin); err != nil {
		t.Fatalf("decode finalize: %v", err)
	}
	if !fin.Success || fin.ObjectiveReached || len(fin.Refunds) != 0 {
		t.Fatalf("unexpected finalize result: %+v", fin)
	}
	if _, ok, _ := env.campaigns.CampaignGet("CAMP-S"); ok {
		t.Fatalf("stateless endpoint persisted a campaign")
	}
}

func TestCampaignLifecycleWithRefunds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createTestCampaign(t, env)

	rec := env.do(t, http.MethodPost, "/v1/campaigns", createCampaignRequest{CampaignID: "CAMP-1", MaxValue: 5}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for duplicate campaign, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rAlice", Amount: 300}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing idempotency key to fail, got %d", rec.Code)
	}

	headers := map[string]string{headerIdempotencyKey: "inv-1"}
	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rAlice", Amount: 300}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("invest: %d %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.String()
	var invested investResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &invested); err != nil {
		t.Fatalf("decode invest: %v", err)
	}
	if !invested.Result.Accepted || len(invested.Instructions) != 1 || invested.Instructions[0].Kind != payout.KindTokenIssue {
		t.Fatalf("unexpected invest response: %+v", invested)
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rAlice", Amount: 300}, headers)
	if rec.Code != http.StatusOK || rec.Body.String() != first {
		t.Fatalf("replay did not return cached response: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rAlice", Amount: 301}, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected idempotency mismatch, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rBob", Amount: 800}, map[string]string{headerIdempotencyKey: "inv-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected cap rejection, got %d", rec.Code)
	}
	var rejected investResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &rejected)
	if rejected.Result.Code != campaign.CodeCapExceeded || len(rejected.Instructions) != 0 {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rBob", Amount: 200}, map[string]string{headerIdempotencyKey: "inv-3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second investor: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/campaigns/CAMP-1", nil, nil)
	var loaded campaignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	if loaded.State.CurrentRaised != 500 || rec.Header().Get("ETag") == "" {
		t.Fatalf("unexpected campaign: %+v etag=%q", loaded.State, rec.Header().Get("ETag"))
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected deadline not reached, got %d %s", rec.Code, rec.Body.String())
	}

	late := uint64(1001)
	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", finalizeRequest{Now: &late}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", rec.Code, rec.Body.String())
	}
	var fin finalizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fin); err != nil {
		t.Fatalf("decode finalize: %v", err)
	}
	if fin.Result.ObjectiveReached || len(fin.Result.Refunds) != 2 || len(fin.Instructions) != 2 {
		t.Fatalf("unexpected finalize: %+v", fin)
	}
	if fin.Instructions[0].Destination != "rAlice" || fin.Instructions[0].Kind != payout.KindRefund {
		t.Fatalf("unexpected refund order: %+v", fin.Instructions)
	}

	record, ok, err := env.campaigns.RefundLedger().Record("CAMP-1", "rBob")
	if err != nil || !ok || record.Refunded != 200 {
		t.Fatalf("refund not booked: %+v ok=%v err=%v", record, ok, err)
	}

	rec = env.do(t, http.MethodGet, "/v1/campaigns/CAMP-1/refunds", nil, nil)
	var refunds refundsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refunds); err != nil {
		t.Fatalf("decode refunds: %v", err)
	}
	if rec.Code != http.StatusOK || len(refunds.Refunds) != 2 || refunds.Refunds[0].Investor != "rAlice" || refunds.Refunds[0].Outstanding != 0 {
		t.Fatalf("unexpected refunds view: %d %+v", rec.Code, refunds)
	}

	rec = env.do(t, http.MethodGet, "/v1/campaigns", nil, nil)
	var listed campaignListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Campaigns) != 1 || listed.Campaigns[0] != "CAMP-1" {
		t.Fatalf("unexpected campaign list: %+v", listed)
	}

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", finalizeRequest{Now: &late}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected second finalize to be rejected, got %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &fin)
	if fin.Result.Code != campaign.CodeAlreadyFinalized {
		t.Fatalf("expected AlreadyFinalized, got %s", fin.Result.Code)
	}

	pending, err := env.store.ListOutbox(context.Background(), OutboxPending)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	kinds := map[string]int{}
	for _, entry := range pending {
		kinds[entry.Kind]++
	}
	if kinds[string(payout.KindTokenIssue)] != 2 || kinds[string(payout.KindRefund)] != 2 {
		t.Fatalf("unexpected outbox contents: %v", kinds)
	}

	count, err := env.store.CountAuditLog(context.Background(), "/v1/campaigns/CAMP-1/finalize")
	if err != nil || count != 3 {
		t.Fatalf("expected 3 audit rows for finalize, got %d err=%v", count, err)
	}
}

func TestCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if rec := env.do(t, http.MethodGet, "/v1/campaigns/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/campaigns/nope/refunds", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for refunds, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/campaigns/nope/investments", investRequest{Sender: "rA", Amount: 1}, map[string]string{headerIdempotencyKey: "k"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInvestWithStaleETag(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createTestCampaign(t, env)
	etag := env.do(t, http.MethodGet, "/v1/campaigns/CAMP-1", nil, nil).Header().Get("ETag")

	rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rAlice", Amount: 10},
		map[string]string{headerIdempotencyKey: "a", "If-Match": etag})
	if rec.Code != http.StatusOK {
		t.Fatalf("optimistic invest: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") == etag {
		t.Fatalf("expected a new ETag after the update")
	}
	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rBob", Amount: 10},
		map[string]string{headerIdempotencyKey: "b", "If-Match": etag})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for stale ETag, got %d", rec.Code)
	}
	loaded, _, _ := env.campaigns.CampaignGet("CAMP-1")
	if loaded.CurrentRaised != 10 {
		t.Fatalf("stale write applied: %d", loaded.CurrentRaised)
	}
}

// takeOutboxOffline renames the outbox table so every outbox write fails
// until the returned func restores it.
func (e *testEnv) takeOutboxOffline(t *testing.T) func() {
	t.Helper()
	if _, err := e.store.db.Exec(`ALTER TABLE outbox RENAME TO outbox_offline`); err != nil {
		t.Fatalf("take outbox offline: %v", err)
	}
	return func() {
		if _, err := e.store.db.Exec(`ALTER TABLE outbox_offline RENAME TO outbox`); err != nil {
			t.Fatalf("restore outbox: %v", err)
		}
	}
}

func TestInvestRetryAfterOutboxFailureCreditsOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createTestCampaign(t, env)
	headers := map[string]string{headerIdempotencyKey: "k1"}
	req := investRequest{Sender: "rX", Amount: 100}

	restore := env.takeOutboxOffline(t)
	rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", req, headers)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected outbox failure to surface, got %d %s", rec.Code, rec.Body.String())
	}
	loaded, _, _ := env.campaigns.CampaignGet("CAMP-1")
	if loaded.CurrentRaised != 0 || len(loaded.Investments) != 0 {
		t.Fatalf("investment stored without its outbox rows: %+v", loaded)
	}
	cached, err := env.store.LookupIdempotency(context.Background(), "campaign/CAMP-1", "k1",
		hashRequest(http.MethodPost, "/v1/campaigns/CAMP-1/investments", mustJSON(t, req)))
	if err != nil || cached != nil {
		t.Fatalf("failed attempt left a cached response: %+v err=%v", cached, err)
	}
	restore()

	for i := 0; i < 2; i++ {
		rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", req, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("retry %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	loaded, _, _ = env.campaigns.CampaignGet("CAMP-1")
	if loaded.CurrentRaised != 100 || loaded.Investments["rX"] != 100 {
		t.Fatalf("retry credited the investment more than once: %+v", loaded)
	}
	pending, err := env.store.ListOutbox(context.Background(), OutboxPending)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != string(payout.KindTokenIssue) || pending[0].Destination != "rX" {
		t.Fatalf("unexpected outbox: %+v", pending)
	}
}

func TestFinalizeRetryAfterOutboxFailureQueuesRefunds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createTestCampaign(t, env)
	rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", investRequest{Sender: "rX", Amount: 300},
		map[string]string{headerIdempotencyKey: "k1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("invest: %d %s", rec.Code, rec.Body.String())
	}

	late := uint64(1001)
	restore := env.takeOutboxOffline(t)
	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", finalizeRequest{Now: &late}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected outbox failure to surface, got %d %s", rec.Code, rec.Body.String())
	}
	loaded, _, _ := env.campaigns.CampaignGet("CAMP-1")
	if loaded.Finalized() {
		t.Fatalf("campaign finalized without queued refunds")
	}
	if _, ok, _ := env.campaigns.RefundLedger().Record("CAMP-1", "rX"); ok {
		t.Fatalf("refund booked without queued instruction")
	}
	restore()

	rec = env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", finalizeRequest{Now: &late}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize retry: %d %s", rec.Code, rec.Body.String())
	}
	var fin finalizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fin); err != nil {
		t.Fatalf("decode finalize: %v", err)
	}
	if len(fin.Instructions) != 1 || fin.Instructions[0].Kind != payout.KindRefund {
		t.Fatalf("unexpected instructions: %+v", fin.Instructions)
	}
	pending, err := env.store.ListOutbox(context.Background(), OutboxPending)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	refunds := 0
	for _, entry := range pending {
		if entry.Kind == string(payout.KindRefund) && entry.Destination == "rX" && entry.Amount == 300 {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected one queued refund, got %d in %+v", refunds, pending)
	}
}

func TestCampaignCouponRequiresOperatorAndFundedCampaign(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createTestCampaign(t, env)
	for i, inv := range []investRequest{{Sender: "rAlice", Amount: 600}, {Sender: "rBob", Amount: 400}} {
		rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/investments", inv,
			map[string]string{headerIdempotencyKey: fmt.Sprintf("inv-%d", i)})
		if rec.Code != http.StatusOK {
			t.Fatalf("invest: %d %s", rec.Code, rec.Body.String())
		}
	}
	coupon := payout.Coupon{Sequence: 1, Amount: 25}
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/coupons", coupon, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	auth := map[string]string{"Authorization": operatorToken(t, ScopeOperator)}
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/coupons", coupon, auth); rec.Code != http.StatusConflict {
		t.Fatalf("expected coupon before finalize to be refused, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/nope/coupons", coupon, auth); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	late := uint64(1001)
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/finalize", finalizeRequest{Now: &late}, nil); rec.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/coupons", payout.Coupon{Sequence: 1}, auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected zero coupon to be rejected, got %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/campaigns/CAMP-1/coupons", coupon, auth)
		if rec.Code != http.StatusOK {
			t.Fatalf("coupon: %d %s", rec.Code, rec.Body.String())
		}
		var resp couponResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode coupon: %v", err)
		}
		if len(resp.Instructions) != 2 || resp.Instructions[0].Amount != 15 || resp.Instructions[1].Amount != 10 || resp.Remainder != 0 {
			t.Fatalf("unexpected coupon split: %+v", resp)
		}
	}
	pending, err := env.store.ListOutbox(context.Background(), OutboxPending)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	coupons := 0
	for _, entry := range pending {
		if entry.Kind == string(payout.KindCoupon) {
			coupons++
		}
	}
	if coupons != 2 {
		t.Fatalf("expected resubmitted coupon to queue nothing new, got %d rows", coupons)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func TestPoolSettlementQueuesOutboxRows(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, p := range []poolPaymentRequest{{"alice", 600}, {"bob", 400}} {
		rec := env.do(t, http.MethodPost, "/v1/pool/payments", p, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("payment: %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := env.do(t, http.MethodGet, "/v1/pool", nil, nil)
	var snap pool.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != pool.StatusSettled || snap.CurrentAmount != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	pending, err := env.store.ListOutbox(context.Background(), OutboxPending)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(pending) != 2 || pending[0].Kind != LegFunds || pending[1].Kind != LegTokens || pending[0].Amount != 1000 {
		t.Fatalf("unexpected outbox: %+v", pending)
	}
	if err := env.store.MarkOutboxSubmitted(context.Background(), pending[0].ID); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := env.store.MarkOutboxSubmitted(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown outbox id")
	}

	rec = env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"carol", 1001}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected cap rejection, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"", 1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid party, got %d", rec.Code)
	}
}

func TestPoolRecoveryRequiresOperator(t *testing.T) {
	settler := &switchableSettler{failing: true}
	env := newTestEnv(t, settler, nil)

	env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"alice", 700}, nil)
	rec := env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"bob", 300}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected settlement failure, got %d %s", rec.Code, rec.Body.String())
	}
	var resp poolPaymentResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Pool.Status != pool.StatusStuck || resp.Pool.Pending == nil || resp.Pool.Pending.Party != "bob" {
		t.Fatalf("expected stuck pool with pending bob, got %+v", resp.Pool)
	}
	if rec := env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"carol", 1}, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected payments to be refused while stuck, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/v1/pool/retry", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/pool/retry", nil, map[string]string{"Authorization": operatorToken(t, "escrow:read")}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without operator scope, got %d", rec.Code)
	}

	auth := map[string]string{"Authorization": operatorToken(t, ScopeOperator)}
	if rec := env.do(t, http.MethodPost, "/v1/pool/retry", nil, auth); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected retry to fail while ledger is down, got %d", rec.Code)
	}
	settler.setFailing(false)
	rec = env.do(t, http.MethodPost, "/v1/pool/retry", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	if env.pool.Status() != pool.StatusSettled {
		t.Fatalf("expected settled pool, got %s", env.pool.Status())
	}
	if rec := env.do(t, http.MethodPost, "/v1/pool/retry", nil, auth); rec.Code != http.StatusNotFound {
		t.Fatalf("expected nothing to settle, got %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/v1/pool/payments", poolPaymentRequest{"dave", 50}, nil)
	rec = env.do(t, http.MethodPost, "/v1/pool/rollback", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rec.Code, rec.Body.String())
	}
	var report pool.RollbackReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ClearedAmount != 50 || report.TempTokens != 50 {
		t.Fatalf("unexpected rollback report: %+v", report)
	}
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	env := newTestEnv(t, nil, NewRateLimiter(0.001, 2, false))
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodGet, "/v1/pool", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/pool", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not be rate limited, got %d", rec.Code)
	}
}

func TestRateLimiterIgnoresSpoofedProxyHeaders(t *testing.T) {
	env := newTestEnv(t, nil, NewRateLimiter(0.001, 1, false))
	spoof := func(i int) map[string]string {
		return map[string]string{
			"X-Real-IP":       fmt.Sprintf("10.0.0.%d", i),
			"X-Forwarded-For": fmt.Sprintf("10.0.1.%d, 192.0.2.1", i),
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/pool", nil, spoof(1)); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/pool", nil, spoof(2)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rotating proxy headers bypassed the limit: %d", rec.Code)
	}
}

func TestRateLimiterTrustsProxyHeadersWhenConfigured(t *testing.T) {
	env := newTestEnv(t, nil, NewRateLimiter(0.001, 1, true))
	for i, headers := range []map[string]string{
		{"X-Real-IP": "10.0.0.1"},
		{"X-Forwarded-For": "10.0.0.2, 192.0.2.1"},
		{"X-Real-IP": "not-an-ip", "X-Forwarded-For": "10.0.0.3"},
	} {
		if rec := env.do(t, http.MethodGet, "/v1/pool", nil, headers); rec.Code != http.StatusOK {
			t.Fatalf("client %d limited as a shared peer: %d", i, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/pool", nil, map[string]string{"X-Real-IP": "10.0.0.1"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected repeat client to be limited, got %d", rec.Code)
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}
