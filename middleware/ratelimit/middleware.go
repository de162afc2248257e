package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Admitter domain.Admitter
	Clock    clock.Clock
	Stats    domain.StatsStore
	Logger   *zap.Logger

	KeyFn     KeyFunc
	KeyHeader string
	// IgnoreForwardedHeaders desliga X-Forwarded-For/X-Real-IP
	// (use quando o gateway não está atrás de um proxy confiável).
	IgnoreForwardedHeaders bool

	RejectStatus        int
	AddRateLimitHeaders bool
}

type ctxKey struct{}

// ClientKey devolve a chave do cliente gravada pelo Middleware no contexto.
func ClientKey(ctx context.Context) (domain.Key, bool) {
	k, ok := ctx.Value(ctxKey{}).(domain.Key)
	return k, ok
}

func WithClientKey(ctx context.Context, key domain.Key) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

// DefaultKeyFunc resolve a identidade do cliente na ordem:
// header configurado -> primeiro IP do X-Forwarded-For -> X-Real-IP -> RemoteAddr -> "unknown".
func DefaultKeyFunc(keyHeader string, trustForwarded bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustForwarded {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}

		// fallback: RemoteAddr
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

type rejection struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, !opts.IgnoreForwardedHeaders)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	svc := application.Service{
		Admitter: opts.Admitter,
		Clock:    opts.Clock,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := domain.Key(opts.KeyFn(r))

			dec := svc.Decide(key)
			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     key,
					Allowed: dec.Allowed,
					Reason:  dec.Reason,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      opts.Clock.Now(),
				})
				if err != nil {
					opts.Logger.Debug("rate limit stats record failed", zap.Error(err))
				}
			}

			if opts.AddRateLimitHeaders {
				setLimitHeaders(w.Header(), key, svc)
			}

			if !dec.Allowed {
				secs := retryAfterSeconds(dec.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("X-RateLimit-Reason", string(dec.Reason))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(opts.RejectStatus)
				_ = json.NewEncoder(w).Encode(rejection{
					Error:      dec.Reason.Message(),
					Reason:     string(dec.Reason),
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClientKey(r.Context(), key)))
		})
	}
}

func setLimitHeaders(h http.Header, key domain.Key, svc application.Service) {
	h.Set("X-RateLimit-Key", string(key))
	lim, ok := svc.Limits(key)
	if !ok {
		return
	}
	h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(lim.MinuteLimit))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(max(0, lim.MinuteLimit-lim.MinuteUsage)))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(lim.HourLimit))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(max(0, lim.HourLimit-lim.HourUsage)))
	h.Set("X-RateLimit-Burst", strconv.Itoa(lim.BurstLimit))
	h.Set("X-RateLimit-Burst-Remaining", strconv.Itoa(lim.BurstTokens))
}

// retryAfterSeconds arredonda para cima: Retry-After é em segundos inteiros
// e 0 faria o cliente tentar de novo cedo demais.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
