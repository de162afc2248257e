package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"admission-gateway/gateway/domain"
	"admission-gateway/middleware/ratelimit"
	rldomain "admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReceiveWait = time.Second
	defaultMaxWait     = 30 * time.Second
	maxBodyBytes       = 1 << 20
)

// Streams é o que a camada HTTP usa do Registry de streams.
type Streams interface {
	CreateStream(ownerID string) (domain.StreamID, error)
	CloseStream(id domain.StreamID) error
	ProcessQuery(ctx context.Context, id domain.StreamID, query string, qctx map[string]any) (domain.QueryResult, error)
	Send(ctx context.Context, id domain.StreamID, payload any) error
	TrySend(id domain.StreamID, payload any) error
	Receive(ctx context.Context, id domain.StreamID, out any) error
	StreamMetrics(id domain.StreamID) (domain.StreamMetrics, error)
	GetMetrics() domain.Metrics
}

type Options struct {
	Streams Streams

	// Admitter e KeyFn alimentam GET /limits. Sem Admitter a rota responde 404.
	Admitter rldomain.Admitter
	KeyFn    ratelimit.KeyFunc
	Clock    clock.Clock

	// Stats, se definido, entra na resposta de GET /stats.
	Stats rldomain.StatsReader

	// Middlewares envolvem todas as rotas da API e o Fallback (rate limit).
	Middlewares []func(http.Handler) http.Handler
	// Bounded envolve só as rotas de resposta curta e o Fallback (limite de
	// concorrência). GET /messages e /ws não passam por aqui.
	Bounded []func(http.Handler) http.Handler
	// Fallback atende rotas desconhecidas (ex.: proxy reverso para um upstream).
	Fallback http.Handler
	Metrics  http.Handler

	MaxWait time.Duration
	Logger  *zap.Logger
}

type handler struct {
	streams  Streams
	admitter rldomain.Admitter
	keyFn    ratelimit.KeyFunc
	clock    clock.Clock
	stats    rldomain.StatsReader
	maxWait  time.Duration
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewRouter(opts Options) http.Handler {
	h := &handler{
		streams:  opts.Streams,
		admitter: opts.Admitter,
		keyFn:    opts.KeyFn,
		clock:    opts.Clock,
		stats:    opts.Stats,
		maxWait:  opts.MaxWait,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if h.keyFn == nil {
		h.keyFn = ratelimit.DefaultKeyFunc("", true)
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.maxWait <= 0 {
		h.maxWait = defaultMaxWait
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	// leitura do próprio estado não gasta token nem vaga
	r.Get("/stats", h.getStats)
	r.Get("/limits", h.getLimits)

	r.Group(func(r chi.Router) {
		r.Use(opts.Middlewares...)

		b := r.With(opts.Bounded...)
		b.Post("/streams", h.createStream)
		b.Delete("/streams/{id}", h.closeStream)
		b.Post("/streams/{id}/query", h.processQuery)
		b.Post("/streams/{id}/messages", h.sendMessage)
		b.Get("/streams/{id}/metrics", h.streamMetrics)

		// seguram a conexão por tempo indeterminado: ficam fora de Bounded
		r.Get("/streams/{id}/messages", h.receiveMessage)
		r.Get("/streams/{id}/ws", h.streamWS)
	})

	if opts.Fallback != nil {
		chain := append(append([]func(http.Handler) http.Handler{}, opts.Middlewares...), opts.Bounded...)
		fb := opts.Fallback
		for i := len(chain) - 1; i >= 0; i-- {
			fb = chain[i](fb)
		}
		r.NotFound(fb.ServeHTTP)
	}
	return r
}

func streamID(r *http.Request) domain.StreamID {
	return domain.StreamID(chi.URLParam(r, "id"))
}

// clientKey usa a chave que o middleware de rate limit já resolveu.
func (h *handler) clientKey(r *http.Request) string {
	if k, ok := ratelimit.ClientKey(r.Context()); ok {
		return string(k)
	}
	return h.keyFn(r)
}

type createRequest struct {
	OwnerID string `json:"owner_id"`
}

type createResponse struct {
	StreamID domain.StreamID `json:"stream_id"`
	OwnerID  string          `json:"owner_id"`
}

func (h *handler) createStream(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	owner := req.OwnerID
	if owner == "" {
		owner = h.clientKey(r)
	}

	id, err := h.streams.CreateStream(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{StreamID: id, OwnerID: owner})
}

func (h *handler) closeStream(w http.ResponseWriter, r *http.Request) {
	if err := h.streams.CloseStream(streamID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func (h *handler) processQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	res, err := h.streams.ProcessQuery(r.Context(), streamID(r), req.Query, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var err error
	if nowait, _ := strconv.ParseBool(r.URL.Query().Get("nowait")); nowait {
		err = h.streams.TrySend(streamID(r), payload)
	} else {
		err = h.streams.Send(r.Context(), streamID(r), payload)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// receiveMessage espera até ?timeout= (padrão 1s, teto MaxWait). Canal vazio
// no fim da espera responde 204.
func (h *handler) receiveMessage(w http.ResponseWriter, r *http.Request) {
	wait := defaultReceiveWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeBadRequest(w, "invalid timeout")
			return
		}
		wait = d
	}
	wait = min(wait, h.maxWait)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	var msg json.RawMessage
	err := h.streams.Receive(ctx, streamID(r), &msg)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(msg)
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, err)
	}
}

func (h *handler) streamMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.streams.StreamMetrics(streamID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type statsResponse struct {
	Streams   domain.Metrics          `json:"streams"`
	Admission *rldomain.StatsSnapshot `json:"admission,omitempty"`
}

func (h *handler) getStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Streams: h.streams.GetMetrics()}
	if h.stats != nil {
		snap, err := h.stats.Snapshot(r.Context())
		if err != nil {
			h.log.Warn("admission stats unavailable", zap.Error(err))
		} else {
			resp.Admission = &snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type limitsResponse struct {
	Key string `json:"key"`
	rldomain.Limits
}

func (h *handler) getLimits(w http.ResponseWriter, r *http.Request) {
	if h.admitter == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "rate limiting disabled", Kind: "not_found"})
		return
	}
	key := h.clientKey(r)
	writeJSON(w, http.StatusOK, limitsResponse{
		Key:    key,
		Limits: h.admitter.GetLimits(rldomain.Key(key), h.clock.Now()),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}
