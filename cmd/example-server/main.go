package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/gateway/application"
	"admission-gateway/gateway/domain"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

// Exemplo: limiter e registry de streams injetados direto no seu webserver,
// sem o router do gateway.
func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	limiter, err := infra.NewRegistry(infra.Config{
		BurstCapacity:     5,
		RequestsPerMinute: 30,
		RequestsPerHour:   500,
		EvictionInterval:  time.Minute,
	}, infra.WithLogger(logger))
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}
	defer limiter.Close()

	streams, err := application.NewRegistry(application.DefaultConfig(), application.WithLogger(logger))
	if err != nil {
		logger.Fatal("stream registry", zap.Error(err))
	}
	defer func() { _ = streams.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	// cada chamada abre um stream, processa a consulta e devolve o envelope
	mux.HandleFunc("GET /ask", func(w http.ResponseWriter, r *http.Request) {
		key, _ := ratelimit.ClientKey(r.Context())
		id, err := streams.CreateStream(string(key))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer func() { _ = streams.CloseStream(id) }()

		if _, err := streams.ProcessQuery(r.Context(), id, r.URL.Query().Get("q"), nil); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		var env domain.Envelope
		if err := streams.Receive(r.Context(), id, &env); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(env)
	})

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Admitter:            limiter,
		KeyHeader:           "X-Api-Key", // ou vazio para usar IP
		AddRateLimitHeaders: true,
		Logger:              logger,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
