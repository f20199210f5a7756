package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
	"fiscalpos/backend/internal/ledger"
	"fiscalpos/backend/internal/qr"
	"fiscalpos/backend/internal/queue"
	"fiscalpos/backend/internal/scheduler"
	"fiscalpos/backend/internal/service"
	"fiscalpos/backend/internal/store"
	"fiscalpos/backend/internal/tax"
)

// ClockReporter exposes the authority clock offset.
type ClockReporter interface {
	Status() domain.ClockStatus
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	metrics       http.Handler
	clock         ClockReporter
	log           zerolog.Logger
}

type Option func(*API)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) { a.metrics = h }
}

func WithClock(c ClockReporter) Option {
	return func(a *API) { a.clock = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(a *API) { a.log = log.With().Str("component", "httpapi").Logger() }
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleTerminal, domain.RoleOperator, domain.RoleAdmin))
			r.Post("/invoices", a.handleIssueInvoice)
			r.Get("/devices/{deviceID}/invoices/{sequence}", a.handleGetInvoice)
			r.Get("/devices/{deviceID}/queue", a.handleQueueStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleOperator, domain.RoleAdmin))
			r.Get("/devices", a.handleDevices)
			r.Get("/devices/{deviceID}/verify", a.handleVerifyChain)
			r.Post("/devices/{deviceID}/resume", a.handleResumeDevice)
			r.Post("/devices/{deviceID}/ledger/clear-halt", a.handleClearHalt)
			r.Post("/sync/run", a.handleRunSync)
			r.Get("/alerts", a.handleAlerts)
			r.Get("/clock", a.handleClock)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, errInvalidCredentials), errors.Is(err, errInactiveAccount):
		writeError(w, http.StatusUnauthorized, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.IssueInvoice(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil || sequence < 1 {
		writeError(w, http.StatusBadRequest, errors.New("sequence must be a positive integer"))
		return
	}
	detail, err := a.service.GetInvoice(r.Context(), chi.URLParam(r, "deviceID"), sequence)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.QueueStatus(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	states, err := a.service.Devices(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": states})
}

func (a *API) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	from, err := parseOptionalSequence(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseOptionalSequence(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.service.VerifyChain(r.Context(), chi.URLParam(r, "deviceID"), from, to)
	if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
		a.writeServiceError(w, err)
		return
	}
	// a broken chain is a verification result, not a failed request
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleResumeDevice(w http.ResponseWriter, r *http.Request) {
	if !a.approveWithPIN(w, r) {
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	if err := a.service.ResumeDevice(r.Context(), deviceID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "resumed": true})
}

func (a *API) handleClearHalt(w http.ResponseWriter, r *http.Request) {
	if !a.approveWithPIN(w, r) {
		return
	}
	report, err := a.service.ClearLedgerHalt(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		if errors.Is(err, ledger.ErrChainBroken) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "report": report})
			return
		}
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// approveWithPIN checks the manager PIN in the request body.
func (a *API) approveWithPIN(w http.ResponseWriter, r *http.Request) bool {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many approval attempts"))
		return false
	}
	var req domain.ManagerApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, errors.New("reason is required"))
		return false
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	actor, _ := service.ActorFromContext(r.Context())
	a.log.Info().
		Str("actor", actor.Username).
		Str("path", r.URL.Path).
		Str("reason", req.Reason).
		Msg("manager approval granted")
	return true
}

func (a *API) handleRunSync(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.RunSync(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": a.service.Alerts(limit)})
}

func (a *API) handleClock(w http.ResponseWriter, r *http.Request) {
	if a.clock == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("clock not configured"))
		return
	}
	writeJSON(w, http.StatusOK, a.clock.Status())
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, tax.ErrInvalidLine),
		errors.Is(err, jurisdiction.ErrUnknownJurisdiction),
		errors.Is(err, ledger.ErrInvalidDevice),
		errors.Is(err, ledger.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, scheduler.ErrCycleRunning):
		return http.StatusConflict
	case errors.Is(err, qr.ErrValueTooLong):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDeviceHalted),
		errors.Is(err, ledger.ErrChainBroken),
		errors.Is(err, queue.ErrDeviceHeld):
		return http.StatusLocked
	case errors.Is(err, service.ErrSyncDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(startedAt)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parseOptionalSequence(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("sequence bounds must be non-negative integers")
	}
	return v, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = err.Error()
		}
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
