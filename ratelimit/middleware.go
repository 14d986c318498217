package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/txcore/generic"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Limiter            *Limiter
	Tiers              []Tier
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int
	// LogUsage appends an APIRequestLog for every request, denied ones
	// included.
	LogUsage bool
	Logger   *slog.Logger
}

// DefaultKeyFunc identifies the caller by header, then by the first
// X-Forwarded-For hop when trusted, then by the remote host.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				ip := strings.TrimSpace(strings.Split(xff, ",")[0])
				if ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// sanitizeKey keeps caller keys usable as a single key segment.
func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", "\x00", "").Replace(key)
}

type rejection struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Tier       string `json:"tier,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Middleware runs CheckAll for every request and sets X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset. Denied requests get 429 with
// Retry-After. A fail-closed limiter with an unreachable store answers 503.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := sanitizeKey(opts.KeyFn(r))
			if opts.LogUsage {
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				defer logUsage(opts, key, ww, r, time.Now())
				w = ww
			}

			res, err := opts.Limiter.CheckAll(r.Context(), key, opts.Tiers)
			if err != nil {
				opts.Logger.ErrorContext(r.Context(), "rate limit check failed", slog.String("caller_id", key), slog.Any("error", err))
				writeRejection(w, http.StatusServiceUnavailable, rejection{Error: "Rate limiter unavailable", Code: "store_unavailable"})
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
				writeRejection(w, opts.RejectStatus, rejection{
					Error:      "Rate limit exceeded",
					Code:       "rate_limited",
					Tier:       res.Tier,
					RetryAfter: res.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// logUsage runs after the reply is written. A failed write is logged and
// never surfaces to the caller.
func logUsage(opts Options, callerID string, ww middleware.WrapResponseWriter, r *http.Request, start time.Time) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	endpoint := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			endpoint = p
		}
	}
	entry := generic.APIRequestLog{
		CallerID:     callerID,
		Method:       r.Method,
		Endpoint:     endpoint,
		StatusCode:   status,
		ResponseTime: time.Since(start),
		IP:           DefaultKeyFunc("", opts.TrustXForwardedFor)(r),
		UserAgent:    r.UserAgent(),
	}
	ctx := context.WithoutCancel(r.Context())
	if _, err := opts.Limiter.LogRequest(ctx, entry); err != nil {
		opts.Logger.WarnContext(ctx, "request log write failed", slog.String("caller_id", callerID), slog.Any("error", err))
	}
}

func writeRejection(w http.ResponseWriter, status int, body rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
