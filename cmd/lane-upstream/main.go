// lane-upstream é um colaborador downstream de demonstração para o gateway
// (gateway.upstream_url=http://localhost:8082/lanes/{lane}). Simula trabalho
// proporcional ao tamanho da consulta, limitado pelo budget_ms recebido.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type laneRequest struct {
	StreamID string         `json:"stream_id"`
	Lane     string         `json:"lane"`
	Query    string         `json:"query"`
	Context  map[string]any `json:"context"`
	BudgetMs int64          `json:"budget_ms"`
}

type laneResponse struct {
	Answer   string `json:"answer"`
	Lane     string `json:"lane"`
	Words    int    `json:"words"`
	WorkedMs int64  `json:"worked_ms"`
}

// perWord é o custo simulado por palavra da consulta.
var perWord = 2 * time.Millisecond

func newHandler(log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /lanes/{lane}", func(w http.ResponseWriter, r *http.Request) {
		var req laneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		words := len(strings.Fields(req.Query))
		work := time.Duration(words) * perWord
		if req.BudgetMs > 0 {
			work = min(work, time.Duration(req.BudgetMs)*time.Millisecond*3/4)
		}

		select {
		case <-time.After(work):
		case <-r.Context().Done():
			log.Debug("caller gave up", zap.String("stream", req.StreamID))
			return
		}

		log.Info("lane request served",
			zap.String("lane", r.PathValue("lane")),
			zap.String("stream", req.StreamID),
			zap.Int("words", words),
			zap.Duration("worked", work))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(laneResponse{
			Answer:   "processed: " + req.Query,
			Lane:     r.PathValue("lane"),
			Words:    words,
			WorkedMs: work.Milliseconds(),
		})
	})
	mux.HandleFunc("GET /showTela", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>"))
	})
	return mux
}

func main() {
	addr := flag.String("listen", ":8082", "listen address")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer func() { _ = log.Sync() }()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("lane upstream listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}
