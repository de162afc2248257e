package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/gateway"
	"admission-gateway/gateway/application"
	gwinfra "admission-gateway/gateway/infra"
	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/metrics"
	"admission-gateway/middleware/ratelimit"
	rldomain "admission-gateway/middleware/ratelimit/domain"
	rlinfra "admission-gateway/middleware/ratelimit/infra"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "listen address")
	_ = v.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
}

// app é o grafo montado pelo serve: os dois registries, o router e o que
// precisa ser fechado no fim.
type app struct {
	handler http.Handler
	limiter *rlinfra.Registry
	streams *application.Registry
	closers []func() error
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	m := metrics.New("gateway")

	stats := rlinfra.MultiStatsStore{rlinfra.NewPromStatsStore(m.AdmissionDecisions)}
	var (
		reader rldomain.StatsReader
		evict  rlinfra.EvictFunc
	)
	switch cfg.Rate.Stats.Backend {
	case "memory":
		mem := rlinfra.NewMemoryStatsStore(rlinfra.WithTrackKeys(cfg.Rate.Stats.TrackKeys))
		stats = append(stats, mem)
		reader, evict = mem, mem.Forget
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Rate.Stats.RedisAddr,
			Password: cfg.Rate.Stats.RedisPassword,
			DB:       cfg.Rate.Stats.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("redis stats ping: %w", err), a.Close())
		}
		rs := rlinfra.NewRedisStatsStore(rdb,
			rlinfra.WithStatsPrefix(cfg.Rate.Stats.Prefix),
			rlinfra.WithStatsTTL(cfg.Rate.Stats.TTL),
			rlinfra.WithStatsBucket(cfg.Rate.Stats.Bucket),
			rlinfra.WithStatsTrackKeys(cfg.Rate.Stats.TrackKeys),
		)
		stats = append(stats, rs)
		reader, evict = rs, rs.Forget
	}

	var middlewares []func(http.Handler) http.Handler
	var admitter rldomain.Admitter
	if cfg.Rate.Enabled {
		limiter, err := rlinfra.NewRegistry(cfg.Limiter(),
			rlinfra.WithLogger(logger.Named("ratelimit")),
			rlinfra.WithOnEvict(evict),
		)
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		a.limiter = limiter
		admitter = limiter
		a.closers = append(a.closers, func() error { limiter.Close(); return nil })

		middlewares = append(middlewares, ratelimit.Middleware(ratelimit.Options{
			Admitter:               limiter,
			Stats:                  stats,
			Logger:                 logger.Named("ratelimit"),
			KeyHeader:              cfg.Rate.KeyHeader,
			IgnoreForwardedHeaders: !cfg.Rate.TrustForwarded,
			AddRateLimitHeaders:    cfg.Rate.AddHeaders,
		}))
	}
	concurrency := ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.Concurrency.Max,
		AcquireTimeout: cfg.Concurrency.Timeout,
		InFlight:       m.InFlightRequests,
		Logger:         logger.Named("concurrency"),
	})

	opts := []application.Option{
		application.WithLogger(logger.Named("streams")),
		application.WithObserver(m),
	}
	if u := cfg.Gateway.UpstreamURL; u != "" {
		opts = append(opts, application.WithDefaultExecutor(gwinfra.NewHTTPExecutor(u, &http.Client{})))
	}
	if len(cfg.Gateway.Kafka.Brokers) > 0 {
		sink, err := gwinfra.NewKafkaSink(cfg.Gateway.Kafka.Brokers, cfg.Gateway.Kafka.Topic)
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		// o registry fecha o sink no Close
		opts = append(opts, application.WithSink(sink))
	}
	streams, err := application.NewRegistry(cfg.StreamRegistry(), opts...)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.streams = streams
	a.closers = append(a.closers, streams.Close)

	var fallback http.Handler
	if cfg.Proxy.UpstreamURL != "" {
		target, err := url.Parse(cfg.Proxy.UpstreamURL)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("invalid proxy.upstream_url: %w", err), a.Close())
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxyLog := logger.Named("proxy")
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			proxyLog.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		fallback = proxy
	}

	a.handler = gateway.NewRouter(gateway.Options{
		Streams:     streams,
		Admitter:    admitter,
		KeyFn:       ratelimit.DefaultKeyFunc(cfg.Rate.KeyHeader, cfg.Rate.TrustForwarded),
		Stats:       reader,
		Middlewares: middlewares,
		Bounded:     []func(http.Handler) http.Handler{concurrency},
		Fallback:    fallback,
		Metrics:     m.Handler(),
		Logger:      logger.Named("http"),
	})
	return a, nil
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Bool("rate_enabled", cfg.Rate.Enabled),
		zap.Int("burst_capacity", cfg.Rate.BurstCapacity),
		zap.Int("requests_per_minute", cfg.Rate.RequestsPerMinute),
		zap.Int("requests_per_hour", cfg.Rate.RequestsPerHour),
		zap.String("stats_backend", cfg.Rate.Stats.Backend),
		zap.Int("concurrency_max", cfg.Concurrency.Max),
		zap.Int("channel_capacity", cfg.Stream.ChannelCapacity),
		zap.String("upstream", cfg.Gateway.UpstreamURL),
		zap.String("proxy", cfg.Proxy.UpstreamURL),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
