package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/ratelimit"
	"tenantauth.dev/internal/rbac"
)

const (
	serviceName  = "authd"
	maxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database and, when configured, Redis.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Services are the domain collaborators behind the HTTP surface.
type Services struct {
	Engine   *auth.Engine
	Audit    audit.Store
	Resolver *rbac.Resolver
	Tenants  policy.TenantStore
	Guard    *ratelimit.Guard
	// Sink receives entries for changes made through the API.
	Sink audit.Sink
}

// API is the HTTP layer.
type API struct {
	router    *mux.Router
	readiness readinessChecker
	version   string

	engine   *auth.Engine
	audit    audit.Store
	resolver *rbac.Resolver
	tenants  policy.TenantStore
	guard    *ratelimit.Guard
	sink     audit.Sink
	now      func() time.Time

	rateBurst      int
	ratePerSec     int
	allowedOrigins []string
	trustedProxies []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithAllowedOrigins adds CORS origins beyond localhost.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) {
		a.allowedOrigins = append(a.allowedOrigins, origins...)
	}
}

// WithTrustedProxies lists the proxies whose X-Forwarded-For is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = append(a.trustedProxies, prefixes...)
	}
}

// WithClock overrides the time source used for Retry-After.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		router:     mux.NewRouter(),
		readiness:  rp,
		version:    version,
		engine:     svc.Engine,
		audit:      svc.Audit,
		resolver:   svc.Resolver,
		tenants:    svc.Tenants,
		guard:      svc.Guard,
		sink:       svc.Sink,
		now:        time.Now,
		rateBurst:  20,
		ratePerSec: 10,
	}
	if a.sink == nil {
		a.sink = audit.Discard{}
	}
	for _, opt := range opts {
		opt(a)
	}

	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	oauth := a.router.PathPrefix("/oauth").Subrouter()
	oauth.Use(a.withAPIGuard)
	oauth.HandleFunc("/token", a.handleToken).Methods(http.MethodPost)
	oauth.HandleFunc("/revoke", a.handleRevoke).Methods(http.MethodPost)
	oauth.HandleFunc("/introspect", a.handleIntrospect).Methods(http.MethodPost)
	oauth.HandleFunc("/password-reset", a.handleRequestReset).Methods(http.MethodPost)
	oauth.HandleFunc("/password-reset/confirm", a.handleConfirmReset).Methods(http.MethodPost)

	v1 := a.router.PathPrefix("/v1").Subrouter()
	v1.Use(a.withAuth, a.withAPIGuard)
	v1.HandleFunc("/oauth/code", a.handleIssueCode).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/audit-history", a.handleAuditHistory).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/change-password", a.handleChangePassword).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/deactivate", a.handleDeactivate).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/sessions", a.handleRevokeSessions).Methods(http.MethodDelete)
	v1.HandleFunc("/tenants/{id}/roles/{name}", a.handlePutRole).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{id}/policy", a.handleGetPolicy).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/policy", a.handlePutPolicy).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{id}/policy/enforce-2fa", a.handleEnforce2FA).Methods(http.MethodPost)
	v1.HandleFunc("/clients/{id}/secret", a.handleRotateClientSecret).Methods(http.MethodPost)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return a
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.allowedOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.trustedProxies...)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps engine errors for non-OAuth endpoints.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	setRetryAfter(w, err, a.now())
	status := auth.HTTPStatus(err)
	msg := auth.OAuthCode(err)
	if status == http.StatusBadRequest || status == http.StatusForbidden {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
	}
	writeError(w, r, status, msg)
}

func setRetryAfter(w http.ResponseWriter, err error, now time.Time) {
	if d, ok := auth.RetryAfter(err, now); ok {
		writeRetryAfter(w, d)
	}
}

func writeRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
