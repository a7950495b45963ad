package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"crowdescrow/observability"
)

// ScopeOperator grants access to pool recovery actions.
const ScopeOperator = "escrow:operator"

// RateLimiter applies a token bucket per client address. Clients are keyed
// by the TCP peer unless proxy headers are trusted.
type RateLimiter struct {
	perSecond  float64
	burst      int
	idleTTL    time.Duration
	trustProxy bool

	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perSecond float64, burst int, trustProxy bool) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond:  perSecond,
		burst:      burst,
		idleTTL:    5 * time.Minute,
		trustProxy: trustProxy,
		visitors:   make(map[string]*visitor),
		clockNow:   time.Now,
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientID(req, r.trustProxy)) {
			observability.HTTP().RecordThrottle(routePattern(req))
			writeError(w, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.perSecond), r.burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type contextKey string

const contextKeySubject contextKey = "escrowd.subject"

// Authenticator validates HMAC-signed bearer tokens on operator routes.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	logger    *slog.Logger
}

func NewAuthenticator(secret, issuer, audience string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		issuer:    strings.TrimSpace(issuer),
		audience:  strings.TrimSpace(audience),
		clockSkew: 2 * time.Minute,
		logger:    logger,
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed", slog.String("error", err.Error()))
				writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
			if !hasScopes(extractScopes(claims), requiredScopes) {
				writeError(w, http.StatusForbidden, errors.New("insufficient scope"))
				return
			}
			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), contextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func subjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe records request metrics keyed by the matched chi route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		observability.HTTP().Observe(routePattern(r), r.Method, recorder.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
