package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/util"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type accountKey struct{}

func accountIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(accountKey{}).(uuid.UUID)
	return id
}

func parseAccountID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindInvalid, err, "account id")
	}
	return id, nil
}

// Authenticator resolves a bearer access token. Satisfied by service.AuthService.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (uuid.UUID, error)
}

// IPLimiter is satisfied by the Redis RateLimitCache.
type IPLimiter interface {
	Allow(ctx context.Context, ip string) (bool, time.Duration, error)
}

// Bearer rejects requests without a usable access token and stores the
// account id in the request context.
func Bearer(auth Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				respondWithJSON(w, http.StatusUnauthorized, Response{Error: string(apperr.KindInvalidToken)}, logger)
				return
			}

			id, err := auth.Authenticate(r.Context(), strings.TrimSpace(raw))
			if err != nil {
				status := http.StatusUnauthorized
				if apperr.KindOf(err) == "" {
					status = http.StatusInternalServerError
					logger.Error("bearer check failed", util.ErrorField(err))
				}
				respondWithJSON(w, status, Response{Error: kindName(err)}, logger)
				return
			}

			ctx := context.WithValue(r.Context(), accountKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPThrottle applies a fixed-window request budget per client IP. A nil
// limiter disables it; limiter errors let the request through.
func IPThrottle(limiter IPLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retry, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("ip throttle unavailable", util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(retry.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				respondWithJSON(w, http.StatusTooManyRequests, Response{Error: string(apperr.KindRateLimited)}, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMeta copies the request metadata security events carry into the context.
func AuditMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithMeta(r.Context(), audit.Meta{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: middleware.GetReqID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// clientIP reads RemoteAddr, which middleware.RealIP has already rewritten.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
