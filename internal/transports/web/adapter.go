package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pybridge/internal/core"
	"pybridge/internal/storage"
	"pybridge/internal/transports/common"
)

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr               string
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	ShutdownTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxRequestBody           int64
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
	CORSAllowedOrigins       []string
	CORSAllowedMethods       []string
	CORSAllowedHeaders       []string
}

// Adapter - HTTP-вход в метод-канал поверх net/http.
type Adapter struct {
	logger  *slog.Logger
	service *common.Service
	store   storage.Store
	cfg     Config

	tokens tokenTable
	cors   corsPolicy

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAdapter создает web transport. Вызовы канала проходят через service,
// служебные эндпоинты авторизуются тем же authorizer.
func NewAdapter(logger *slog.Logger, service *common.Service, store storage.Store, cfg Config) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.RequestTimeout + 5*time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}

	return &Adapter{
		logger:  logger.With("transport", "web"),
		service: service,
		store:   store,
		cfg:     cfg,
		tokens:  newTokenTable(logger, cfg.Tokens, cfg.AllowLegacySubjectHeader),
		cors:    newCORSPolicy(cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders),
	}
}

func (a *Adapter) Name() string { return "web" }

// Start открывает порт и обслуживает запросы в фоне.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return errors.New("web transport already started")
	}
	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.listener = listener

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Web transport stopped", "err", err)
		}
	}()
	a.logger.Info("Web transport listening", "addr", listener.Addr().String())
	return nil
}

// Addr возвращает адрес слушателя после Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop завершает HTTP server, дожидаясь активных запросов не дольше ShutdownTimeout.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.listener = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(stopCtx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// routes собирает mux; все маршруты под /v1, кроме health, требуют аутентификации.
func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	authed := func(h http.HandlerFunc, mws ...middleware) http.Handler {
		return chain(h, append([]middleware{a.timeoutMiddleware(), a.authenticate()}, mws...)...)
	}
	notFound := authed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	})

	mux.Handle("GET /v1/", notFound)
	mux.Handle("POST /v1/", notFound)
	mux.Handle("GET /v1/me", authed(a.handleMe,
		a.authorizeActionMiddleware("web:me", core.Action{Channel: "web", Method: "me"})))
	mux.Handle("GET /v1/channels/{channel}/methods", authed(a.handleMethods, a.knownChannelMiddleware()))
	mux.Handle("POST /v1/channels/{channel}/invoke", authed(a.handleInvoke, a.knownChannelMiddleware(), a.maxBodyMiddleware()))
	mux.Handle("GET /v1/metrics/latest", authed(a.handleLatestMetric, a.authorizeMetricMiddleware()))
	mux.Handle("GET /v1/audit", authed(a.handleAudit,
		a.authorizeActionMiddleware("web:audit_query", core.Action{Channel: "audit", Method: "read"})))

	return chain(mux, a.requestIDMiddleware(), a.cors.middleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := common.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

// knownChannelMiddleware отвечает 404 для канала, которого нет в registry.
func (a *Adapter) knownChannelMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("channel") != a.service.Registry.Channel() {
				writeError(w, r, http.StatusNotFound, "unknown_channel")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorize(r *http.Request, action core.Action) error {
	if a.service.Authorizer == nil {
		return nil
	}
	return a.service.Authorizer.Authorize(core.Subject{Source: "web", ID: identityFromContext(r.Context()).Subject}, action)
}

func (a *Adapter) authorizeActionMiddleware(auditAction string, authAction core.Action) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.authorize(r, authAction); err != nil {
				writeError(w, r, http.StatusForbidden, "access_denied")
				a.writeAudit(r, auditAction, storage.StatusDenied, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeMetricMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			module := r.URL.Query().Get("module")
			if module == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.authorize(r, core.Action{Channel: "metrics", Method: module}); err != nil {
				writeError(w, r, http.StatusForbidden, "access_denied")
				a.writeAudit(r, "web:metrics_latest", storage.StatusDenied, map[string]string{"module": module})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

// writeAudit пишет событие служебного эндпоинта; вызовы канала аудирует common.Service.
func (a *Adapter) writeAudit(r *http.Request, action, status string, fields map[string]string) {
	if a.store == nil {
		return
	}
	meta := map[string]string{"auth_method": identityFromContext(r.Context()).Method}
	for k, v := range fields {
		meta[k] = v
	}
	payload, _ := json.Marshal(meta)
	if err := a.store.SaveAudit(r.Context(), storage.AuditEvent{
		Subject:   identityFromContext(r.Context()).Subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: common.RequestIDFromContext(r.Context()),
		Payload:   payload,
	}); err != nil {
		a.logger.Warn("Audit write failed", "action", action, "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": common.RequestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case "access_denied":
		return "access denied"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "not_implemented":
		return "method not implemented"
	case "unknown_channel":
		return "channel is not registered"
	case "rate_limited":
		return "rate limit exceeded"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", common.RequestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
