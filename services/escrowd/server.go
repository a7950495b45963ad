package escrowd

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crowdescrow/core/events"
	"crowdescrow/core/state"
	"crowdescrow/native/campaign"
	"crowdescrow/native/payout"
	"crowdescrow/native/pool"
	"crowdescrow/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	defaultMaxBody       = 1 << 20 // 1 MiB
)

// Options wires the collaborators of the escrow daemon.
type Options struct {
	Campaigns     *state.Manager
	Pool          *pool.Engine
	Store         *SQLiteStore
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	Logger        *slog.Logger
	// Emitter receives engine events in addition to the escrow metrics.
	Emitter      events.Emitter
	StoreTimeout time.Duration
	MaxBodyBytes int64
}

// Server is the HTTP front-end for the campaign and pooled escrow engines.
type Server struct {
	campaigns    *state.Manager
	refunds      *state.RefundLedger
	engine       *campaign.Engine
	pool         *pool.Engine
	store        *SQLiteStore
	payouts      *payout.Builder
	auth         *Authenticator
	limiter      *RateLimiter
	logger       *slog.Logger
	metrics      *observability.EscrowMetrics
	storeTimeout time.Duration
	maxBody      int64
	nowFn        func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.Campaigns == nil {
		return nil, errors.New("escrowd: campaign state manager required")
	}
	if opts.Pool == nil {
		return nil, errors.New("escrowd: pool engine required")
	}
	if opts.Store == nil {
		return nil, errors.New("escrowd: sqlite store required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("escrowd: authenticator required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}

	metrics := observability.Escrow()
	emitter := events.Fanout{metrics}
	if opts.Emitter != nil {
		emitter = append(emitter, opts.Emitter)
	}
	engine := campaign.NewEngine()
	engine.SetEmitter(emitter)
	engine.SetLogger(logger)
	opts.Pool.SetEmitter(emitter)
	opts.Pool.SetLogger(logger)

	return &Server{
		campaigns:    opts.Campaigns,
		refunds:      opts.Campaigns.RefundLedger(),
		engine:       engine,
		pool:         opts.Pool,
		store:        opts.Store,
		payouts:      payout.NewBuilder(),
		auth:         opts.Authenticator,
		limiter:      opts.RateLimiter,
		logger:       logger.With(slog.String("component", "escrowd")),
		metrics:      metrics,
		storeTimeout: opts.StoreTimeout,
		maxBody:      opts.MaxBodyBytes,
		nowFn:        time.Now,
	}, nil
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if s.limiter != nil {
			v1.Use(s.limiter.Middleware)
		}
		v1.Post("/engine/invest", s.handleEngineInvest)
		v1.Post("/engine/finalize", s.handleEngineFinalize)

		v1.Post("/campaigns", s.handleCampaignCreate)
		v1.Get("/campaigns", s.handleCampaignList)
		v1.Get("/campaigns/{id}", s.handleCampaignGet)
		v1.Get("/campaigns/{id}/refunds", s.handleCampaignRefunds)
		v1.Post("/campaigns/{id}/investments", s.handleCampaignInvest)
		v1.Post("/campaigns/{id}/finalize", s.handleCampaignFinalize)

		v1.Post("/pool/payments", s.handlePoolPayment)
		v1.Get("/pool", s.handlePoolGet)
		v1.Group(func(op chi.Router) {
			op.Use(s.auth.Middleware(ScopeOperator))
			op.Post("/pool/retry", s.handlePoolRetry)
			op.Post("/pool/rollback", s.handlePoolRollback)
			op.Post("/campaigns/{id}/coupons", s.handleCampaignCoupon)
		})
	})
	return otelhttp.NewHandler(r, "escrowd")
}

func (s *Server) now() uint64 {
	return uint64(s.nowFn().Unix())
}

func (s *Server) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.storeTimeout)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, s.maxBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", s.maxBody)
	}
	return data, nil
}

// decodeBody parses a JSON body. An empty body leaves out untouched.
func decodeBody(body []byte, out interface{}) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func errorPayload(err error) []byte {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return payload
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorPayload(err))
}

// respond writes payload and records the exchange in the audit log.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, payload []byte) {
	writeJSON(w, status, payload)
	s.audit(r, requestBody, status, payload)
}

// respondValue marshals v and responds with it.
func (s *Server) respondValue(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.respondError(w, r, requestBody, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, r, requestBody, status, payload)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	s.respond(w, r, requestBody, status, errorPayload(err))
}

func (s *Server) audit(r *http.Request, requestBody []byte, status int, responseBody []byte) {
	ctx, cancel := s.storeContext(context.WithoutCancel(r.Context()))
	defer cancel()
	entry := AuditEntry{
		Subject:        subjectFromContext(r.Context()),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit log write failed", slog.String("error", err.Error()))
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

// decisionStatus maps an engine result code to the HTTP status of the
// response carrying the decision.
func decisionStatus(code campaign.Code) int {
	switch code.Class() {
	case campaign.ClassInputError:
		return http.StatusBadRequest
	case campaign.ClassRuleViolation:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}
