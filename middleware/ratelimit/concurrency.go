package ratelimit

import (
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration

	// InFlight, se definido, acompanha as requisições que seguraram uma vaga.
	InFlight prometheus.Gauge
	Logger   *zap.Logger
}

func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	svc := application.ConcurrencyService{
		Slots:   infra.NewChanPool(opts.Max),
		Timeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := svc.Do(r.Context(), func() error {
				if opts.InFlight != nil {
					opts.InFlight.Inc()
					defer opts.InFlight.Dec()
				}
				next.ServeHTTP(w, r)
				return nil
			})
			if err != nil {
				opts.Logger.Debug("concurrency slot not acquired",
					zap.String("path", r.URL.Path), zap.Int("max", opts.Max), zap.Error(err))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
			}
		})
	}
}
