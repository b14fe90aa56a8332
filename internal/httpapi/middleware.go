package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/neovend/licensegate/internal/clientip"
	"github.com/neovend/licensegate/internal/telemetry"
	"github.com/neovend/licensegate/internal/throttle"
)

const (
	headerRequestID  = "X-Request-ID"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, OPTIONS"
)

// requestID reuses the caller's X-Request-ID or assigns a new one, and
// echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithRequestID(r.Context(), id)))
	})
}

func structuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"source_ip", sourceIP(r),
				"duration", time.Since(start).String(),
			)
		})
	}
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logger.ErrorContext(r.Context(), "panic recovered",
					"panic", rvr,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeProblem(w, r, http.StatusInternalServerError,
					"/errors/internal", "Internal Server Error", "An unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// cors sets the headers browser clients need. An empty list or "*" allows
// any origin; otherwise only listed origins are echoed back.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if o := r.Header.Get("Origin"); o != "" && slices.Contains(origins, o) {
				h.Set("Access-Control-Allow-Origin", o)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			next.ServeHTTP(w, r)
		})
	}
}

// throttled rejects clients over their limit with 429. Limiter errors are
// logged and the request proceeds. Clients are keyed by connection address
// unless the connection comes from a trusted proxy.
func throttled(l throttle.Limiter, proxies clientip.Proxies, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r, proxies)
			ok, err := l.Allow(r.Context(), ip)
			if err != nil {
				logger.WarnContext(r.Context(), "throttle unavailable, allowing request",
					"error", err, "source_ip", ip)
			} else if !ok {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"source_ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "60")
				writeProblem(w, r, http.StatusTooManyRequests,
					"/errors/rate-limit", "Too Many Requests", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// problem is an RFC 7807 error body.
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:      typ,
		Title:     title,
		Status:    status,
		Detail:    detail,
		RequestID: telemetry.RequestIDFrom(r.Context()),
	})
}
