package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"crowdescrow/core/state"
	"crowdescrow/native/campaign"
	"crowdescrow/native/payout"
	"crowdescrow/observability/logging"
)

type engineInvestRequest struct {
	State  json.RawMessage `json:"state"`
	Sender string          `json:"sender"`
	Amount uint64          `json:"amount"`
	Now    *uint64         `json:"now,omitempty"`
}

type engineFinalizeRequest struct {
	State json.RawMessage `json:"state"`
	Now   *uint64         `json:"now,omitempty"`
}

type createCampaignRequest struct {
	CampaignID         string `json:"campaign_id"`
	MaxValue           uint64 `json:"max_value"`
	DeadlineUnix       uint64 `json:"deadline_unix"`
	TreasuryAddress    string `json:"treasury_address"`
	InvestmentCurrency string `json:"investment_currency"`
	InvestmentIssuer   string `json:"investment_issuer"`
	TokenCurrency      string `json:"token_currency"`
	TokenIssuer        string `json:"token_issuer"`
}

type investRequest struct {
	Sender string  `json:"sender"`
	Amount uint64  `json:"amount"`
	Now    *uint64 `json:"now,omitempty"`
}

type finalizeRequest struct {
	Now *uint64 `json:"now,omitempty"`
}

type campaignResponse struct {
	State *campaign.State `json:"state"`
	ETag  string          `json:"etag"`
}

type investResponse struct {
	Result       campaign.InvestmentResult `json:"result"`
	Instructions []payout.Instruction      `json:"instructions"`
}

type finalizeResponse struct {
	Result       campaign.FinalizeResult `json:"result"`
	Instructions []payout.Instruction    `json:"instructions"`
}

type couponResponse struct {
	Coupon       payout.Coupon        `json:"coupon"`
	Instructions []payout.Instruction `json:"instructions"`
	Remainder    uint64               `json:"remainder"`
}

type campaignListResponse struct {
	Campaigns []string `json:"campaigns"`
}

type refundView struct {
	Investor    string   `json:"investor"`
	Invested    uint64   `json:"invested"`
	Refunded    uint64   `json:"refunded"`
	Outstanding uint64   `json:"outstanding"`
	Refunds     []uint64 `json:"refunds"`
}

type refundsResponse struct {
	CampaignID string       `json:"campaign_id"`
	Refunds    []refundView `json:"refunds"`
}

func (s *Server) clock(override *uint64) uint64 {
	if override != nil {
		return *override
	}
	return s.now()
}

// handleEngineInvest is the stateless boundary: the caller owns the snapshot.
func (s *Server) handleEngineInvest(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req engineInvestRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := campaign.ProcessInvestmentJSON(req.State, req.Sender, req.Amount, s.clock(req.Now))
	payload, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEngineFinalize(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req engineFinalizeRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := campaign.FinalizeJSON(req.State, s.clock(req.Now))
	payload, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, nil, http.StatusBadRequest, err)
		return
	}
	var req createCampaignRequest
	if err := decodeBody(body, &req); err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	created, err := s.engine.Create(req.CampaignID, req.MaxValue, req.DeadlineUnix, req.TreasuryAddress,
		req.InvestmentCurrency, req.InvestmentIssuer, req.TokenCurrency, req.TokenIssuer)
	if err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	if err := s.campaigns.CampaignInsert(created); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, state.ErrCampaignExists) {
			status = http.StatusConflict
		}
		s.respondError(w, r, body, status, err)
		return
	}
	digest, err := state.CampaignDigest(created)
	if err != nil {
		s.respondError(w, r, body, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("ETag", quoteETag(digest))
	s.respondValue(w, r, body, http.StatusCreated, campaignResponse{State: created, ETag: digest.Hex()})
}

func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.campaigns.CampaignIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload, err := json.Marshal(campaignListResponse{Campaigns: ids})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleCampaignRefunds reports the refunds booked for a finalized campaign.
func (s *Server) handleCampaignRefunds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok, err := s.campaigns.CampaignGet(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", state.ErrCampaignNotFound, id))
		return
	}
	records, err := s.refunds.Records(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := refundsResponse{CampaignID: id, Refunds: make([]refundView, 0, len(records))}
	for _, rec := range records {
		resp.Refunds = append(resp.Refunds, refundView{
			Investor:    rec.Investor,
			Invested:    rec.Invested,
			Refunded:    rec.Refunded,
			Outstanding: rec.Outstanding(),
			Refunds:     rec.Refunds,
		})
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	loaded, ok, err := s.campaigns.CampaignGet(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", state.ErrCampaignNotFound, id))
		return
	}
	digest, err := state.CampaignDigest(loaded)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload, err := json.Marshal(campaignResponse{State: loaded, ETag: digest.Hex()})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("ETag", quoteETag(digest))
	writeJSON(w, http.StatusOK, payload)
}

// handleCampaignInvest applies an investment to a stored campaign. Requests
// carrying If-Match are applied optimistically against that version; all
// others are serialised per campaign.
func (s *Server) handleCampaignInvest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, nil, http.StatusBadRequest, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.respondError(w, r, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	scope := "campaign/" + id
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	ctx, cancel := s.storeContext(r.Context())
	cached, cacheErr := s.store.LookupIdempotency(ctx, scope, key, requestHash)
	cancel()
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.respondError(w, r, body, status, cacheErr)
		return
	}
	if cached != nil {
		s.respond(w, r, body, cached.Status, cached.Body)
		return
	}

	var req investRequest
	if err := decodeBody(body, &req); err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	now := s.clock(req.Now)

	record := &IdempotencyRecord{Scope: scope, Key: key, RequestHash: requestHash}
	var (
		result       campaign.InvestmentResult
		instructions []payout.Instruction
		replay       *StoredResponse
	)
	mutation := state.CampaignMutation{
		Apply: func(current *campaign.State) (*campaign.State, error) {
			// A request with the same key may have committed while this one
			// waited for the campaign lock.
			ctx, cancel := s.storeContext(r.Context())
			cached, err := s.store.LookupIdempotency(ctx, scope, key, requestHash)
			cancel()
			if err != nil {
				return nil, err
			}
			if cached != nil {
				replay = cached
				return nil, nil
			}
			result = s.engine.ProcessInvestment(current, req.Sender, req.Amount, now)
			instructions = []payout.Instruction{}
			if result.Accepted {
				if instructions, err = s.payouts.ForInvestment(req.Sender, result); err != nil {
					return nil, err
				}
			}
			record.Status = decisionStatus(result.Code)
			if record.Body, err = json.Marshal(investResponse{Result: result, Instructions: instructions}); err != nil {
				return nil, err
			}
			ctx, cancel = s.storeContext(r.Context())
			err = s.store.CommitDecision(ctx, instructions, record)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("commit decision: %w", err)
			}
			if !result.Accepted {
				return nil, nil
			}
			return result.UpdatedState, nil
		},
		Abort: func(cause error) {
			s.discardDecision(r, id, instructions, record, cause)
		},
	}
	if match := strings.TrimSpace(r.Header.Get("If-Match")); match != "" {
		expected := common.HexToHash(strings.Trim(match, `"`))
		mutation.Expected = &expected
	}
	_, err = s.campaigns.CampaignMutate(id, mutation)
	switch {
	case errors.Is(err, state.ErrCampaignNotFound):
		s.respondError(w, r, body, http.StatusNotFound, err)
		return
	case errors.Is(err, state.ErrStaleCampaign):
		s.respondError(w, r, body, http.StatusPreconditionFailed, err)
		return
	case errors.Is(err, ErrIdempotencyMismatch):
		s.respondError(w, r, body, http.StatusConflict, err)
		return
	case err != nil:
		s.respondError(w, r, body, http.StatusInternalServerError, err)
		return
	}
	if replay != nil {
		s.respond(w, r, body, replay.Status, replay.Body)
		return
	}

	if result.Accepted {
		s.metrics.RecordRaised(result.UpdatedState.InvestmentCurrency, req.Amount)
		s.logger.Info("investment accepted",
			slog.String("campaign", id),
			logging.MaskField("investor", req.Sender),
			slog.Uint64("amount", req.Amount),
			slog.Bool("sendToTreasury", result.SendToTreasury))
		if digest, err := state.CampaignDigest(result.UpdatedState); err == nil {
			w.Header().Set("ETag", quoteETag(digest))
		}
	}
	s.respond(w, r, body, record.Status, record.Body)
}

func (s *Server) handleCampaignFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, nil, http.StatusBadRequest, err)
		return
	}
	var req finalizeRequest
	if err := decodeBody(body, &req); err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	now := s.clock(req.Now)

	var (
		result       campaign.FinalizeResult
		instructions = []payout.Instruction{}
	)
	_, err = s.campaigns.CampaignMutate(id, state.CampaignMutation{
		Apply: func(current *campaign.State) (*campaign.State, error) {
			result = s.engine.Finalize(current, now)
			if !result.Success {
				return nil, nil
			}
			var err error
			if instructions, err = s.payouts.ForFinalize(current, result); err != nil {
				return nil, err
			}
			ctx, cancel := s.storeContext(r.Context())
			err = s.store.CommitDecision(ctx, instructions, nil)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("commit decision: %w", err)
			}
			if err := s.recordRefunds(id, result.Refunds); err != nil {
				s.discardDecision(r, id, instructions, nil, err)
				return nil, err
			}
			return result.UpdatedState, nil
		},
		Abort: func(cause error) {
			s.discardDecision(r, id, instructions, nil, cause)
		},
	})
	switch {
	case errors.Is(err, state.ErrCampaignNotFound):
		s.respondError(w, r, body, http.StatusNotFound, err)
		return
	case errors.Is(err, state.ErrRefundExceedsInvestment):
		s.respondError(w, r, body, http.StatusConflict, err)
		return
	case err != nil:
		s.respondError(w, r, body, http.StatusInternalServerError, err)
		return
	}
	s.respondValue(w, r, body, decisionStatus(result.Code), finalizeResponse{Result: result, Instructions: instructions})
}

// discardDecision withdraws the outbox rows and idempotency entry of a
// decision whose campaign snapshot was never stored.
func (s *Server) discardDecision(r *http.Request, campaignID string, instructions []payout.Instruction, record *IdempotencyRecord, cause error) {
	ctx, cancel := s.storeContext(context.WithoutCancel(r.Context()))
	defer cancel()
	if err := s.store.DiscardDecision(ctx, instructions, record); err != nil {
		s.logger.Error("discard decision failed",
			slog.String("campaign", campaignID),
			slog.String("cause", cause.Error()),
			slog.Any("error", err))
	}
}

// handleCampaignCoupon queues a coupon distribution to the holders of a
// funded campaign. Instruction ids derive from the coupon sequence, so
// resubmitting a sequence queues nothing new.
func (s *Server) handleCampaignCoupon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, nil, http.StatusBadRequest, err)
		return
	}
	var coupon payout.Coupon
	if err := decodeBody(body, &coupon); err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	loaded, ok, err := s.campaigns.CampaignGet(id)
	if err != nil {
		s.respondError(w, r, body, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.respondError(w, r, body, http.StatusNotFound, fmt.Errorf("%w: %s", state.ErrCampaignNotFound, id))
		return
	}
	instructions, remainder, err := s.payouts.ForCoupon(loaded, coupon)
	switch {
	case errors.Is(err, payout.ErrInvalidCoupon):
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	case errors.Is(err, payout.ErrCouponNotPayable):
		s.respondError(w, r, body, http.StatusConflict, err)
		return
	case err != nil:
		s.respondError(w, r, body, http.StatusInternalServerError, err)
		return
	}
	ctx, cancel := s.storeContext(r.Context())
	err = s.store.EnqueueInstructions(ctx, instructions)
	cancel()
	if err != nil {
		s.respondError(w, r, body, http.StatusInternalServerError, fmt.Errorf("queue instructions: %w", err))
		return
	}
	s.logger.Info("coupon queued",
		slog.String("campaign", id),
		slog.Uint64("sequence", coupon.Sequence),
		slog.Uint64("amount", coupon.Amount),
		slog.Int("holders", len(instructions)),
		slog.Uint64("remainder", remainder))
	s.respondValue(w, r, body, http.StatusOK, couponResponse{Coupon: coupon, Instructions: instructions, Remainder: remainder})
}

// recordRefunds books each refund in the ledger. Entries already booked by
// an earlier attempt that failed before the snapshot was stored are skipped.
func (s *Server) recordRefunds(campaignID string, refunds []campaign.Refund) error {
	for _, refund := range refunds {
		if refund.Amount == 0 {
			continue
		}
		existing, ok, err := s.refunds.Record(campaignID, refund.Address)
		if err != nil {
			return err
		}
		if ok && existing.Invested == refund.Amount && existing.Refunded == refund.Amount {
			continue
		}
		if _, err := s.refunds.RecordRefund(campaignID, refund.Address, refund.Amount, refund.Amount); err != nil {
			return fmt.Errorf("record refund for %s: %w", refund.Address, err)
		}
	}
	return nil
}

func quoteETag(digest common.Hash) string {
	return `"` + digest.Hex() + `"`
}
