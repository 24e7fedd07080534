// Package api exposes the command handlers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/handlers"
	platformauth "github.com/marketplace-api/project/internal/platform/auth"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/store"
	"github.com/marketplace-api/project/internal/topology"
)

// SealedHeader marks a request or response body encrypted with the
// marketplace cipher.
const SealedHeader = "X-Sealed"

const maxBodyBytes = 1 << 20

// public handlers are reachable without a bearer token.
var public = map[string]bool{
	handlers.LoginUser:    true,
	handlers.RegisterUser: true,
}

type Handler struct {
	Dispatcher    *dispatch.Dispatcher
	Topology      *topology.Topology
	Tokens        *platformauth.Manager
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	AllowedOrigin string
	RequireAuth   bool
	// Ready reports whether backends are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

func (h *Handler) Router() http.Handler {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)
	r.Use(h.authMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", h.Metrics.Handler())
	r.Get("/topology", h.handleTopology)

	for _, spec := range h.Dispatcher.Specs() {
		r.Method(spec.Method, spec.Pattern, h.command(spec))
	}
	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleTopology(w http.ResponseWriter, _ *http.Request) {
	if h.Topology == nil {
		h.writeError(w, http.StatusNotFound, "topology not loaded")
		return
	}
	h.writeJSON(w, http.StatusOK, h.Topology.Describe())
}

func (h *Handler) command(spec dispatch.Spec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, authed := claimsFromContext(r.Context())
		if h.RequireAuth && !public[spec.Name] && !authed {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		req := dispatch.Request{
			Params:  urlParams(r),
			Query:   r.URL.Query(),
			Body:    body,
			Sealed:  strings.EqualFold(r.Header.Get(SealedHeader), "true"),
			Subject: claims.Subject,
		}

		res, err := h.Dispatcher.Execute(r.Context(), spec.Name, req)
		if err != nil {
			status, msg := statusFor(err)
			if status >= http.StatusInternalServerError {
				h.Logger.ErrorContext(r.Context(), "command failed", "handler", spec.Name, "status", status, "error", err)
			}
			if status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			h.writeError(w, status, msg)
			return
		}

		if res.Sealed {
			w.Header().Set(SealedHeader, "true")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
	}
}

func urlParams(r *http.Request) map[string]string {
	params := map[string]string{}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, k := range rctx.URLParams.Keys {
		if k == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[k] = rctx.URLParams.Values[i]
	}
	return params
}

// statusFor maps a handler error onto an HTTP status and a client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, handlers.ErrInvalidCredentials):
		return http.StatusUnauthorized, handlers.ErrInvalidCredentials.Error()
	case errors.Is(err, grants.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, cipher.ErrMalformed):
		return http.StatusBadRequest, "malformed sealed payload"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, cipher.ErrUnavailable), errors.Is(err, handlers.ErrIndexStale):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "handler timed out"
	case errors.Is(err, dispatch.ErrUnknownHandler):
		return http.StatusNotFound, "unknown handler"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", SealedHeader)

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SealedHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

// authMiddleware attaches bearer claims when a token is sent. A bad token is
// always rejected; a missing one is only rejected per route.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" || h.Tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func claimsFromContext(ctx context.Context) (platformauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims, ok
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
