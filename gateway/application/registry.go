package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"admission-gateway/gateway/domain"
	"admission-gateway/gateway/infra"
	rlapp "admission-gateway/middleware/ratelimit/application"
	rlinfra "admission-gateway/middleware/ratelimit/infra"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

type lane struct {
	cfg   domain.LaneConfig
	exec  domain.Executor
	slots rlapp.ConcurrencyService
}

// Registry é o dono de todos os streams. Ninguém fora daqui cria ou fecha um
// infra.Stream; quem chama só vê o StreamID.
type Registry struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*infra.Stream
	closed  bool

	cfg        Config
	classifier domain.Classifier
	lanes      map[domain.Lane]*lane
	sessions   *infra.SessionCache
	codec      *infra.Codec

	executors   map[domain.Lane]domain.Executor
	defaultExec domain.Executor
	sink        domain.ResultSink
	obs         domain.Observer
	clock       clock.Clock
	log         *zap.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Registry)

// WithExecutor define o executor de uma lane específica.
func WithExecutor(l domain.Lane, exec domain.Executor) Option {
	return func(r *Registry) { r.executors[l] = exec }
}

// WithDefaultExecutor define o executor das lanes sem executor próprio.
func WithDefaultExecutor(exec domain.Executor) Option {
	return func(r *Registry) { r.defaultExec = exec }
}

func WithSink(s domain.ResultSink) Option {
	return func(r *Registry) { r.sink = s }
}

func WithObserver(o domain.Observer) Option {
	return func(r *Registry) { r.obs = o }
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stream registry config: %w", err)
	}
	codec, err := infra.NewCodec(cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		streams:     make(map[domain.StreamID]*infra.Stream),
		cfg:         cfg,
		classifier:  domain.NewClassifier(cfg.Lanes),
		lanes:       make(map[domain.Lane]*lane, len(cfg.Lanes)),
		sessions:    infra.NewSessionCache(cfg.SessionTTL, 0),
		codec:       codec,
		executors:   make(map[domain.Lane]domain.Executor),
		defaultExec: infra.EchoExecutor{},
		obs:         domain.NopObserver{},
		clock:       clock.New(),
		log:         zap.NewNop(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, lc := range cfg.Lanes {
		exec := r.executors[lc.Lane]
		if exec == nil {
			exec = r.defaultExec
		}
		r.lanes[lc.Lane] = &lane{
			cfg:   lc,
			exec:  exec,
			slots: rlapp.ConcurrencyService{Slots: rlinfra.NewChanPool(lc.MaxInFlight)},
		}
	}

	if cfg.SweepInterval > 0 {
		t := r.clock.Ticker(cfg.SweepInterval)
		r.wg.Add(1)
		go r.janitor(t)
	}
	return r, nil
}

func (r *Registry) Config() Config { return r.cfg }

// Classify expõe a lane escolhida para uma consulta, sem executar nada.
func (r *Registry) Classify(query string) domain.LaneConfig {
	return r.classifier.Classify(query)
}

// CreateStream registra um stream novo para ownerID e devolve o handle.
func (r *Registry) CreateStream(ownerID string) (domain.StreamID, error) {
	id := domain.StreamID(uuid.NewString())
	now := r.clock.Now()
	s := infra.NewStream(id, ownerID, now, infra.StreamConfig{
		Capacity:     r.cfg.ChannelCapacity,
		Compression:  r.cfg.Compression,
		MessageRate:  r.cfg.MessageRate,
		MessageBurst: r.cfg.MessageBurst,
	}, r.codec, r.obs, r.log)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", domain.NewError("create", "", domain.ErrRegistryClosed, nil)
	}
	// a sessão entra antes do mapa: lookup nunca vê stream sem sessão
	r.sessions.Put(id, infra.Session{OwnerID: ownerID, CreatedAt: now})
	r.streams[id] = s
	r.mu.Unlock()

	r.obs.StreamOpened()
	r.log.Debug("stream created", zap.String("stream", string(id)), zap.String("owner", ownerID))
	return id, nil
}

// CloseStream remove o stream. Operações seguintes com o mesmo handle
// retornam ErrStreamNotFound, inclusive as que estavam bloqueadas.
func (r *Registry) CloseStream(id domain.StreamID) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return domain.NewError("close", id, domain.ErrStreamNotFound, nil)
	}
	r.sessions.Remove(id)
	s.Close()
	r.obs.StreamClosed()
	r.log.Debug("stream closed", zap.String("stream", string(id)))
	return nil
}

func (r *Registry) lookup(op string, id domain.StreamID) (*infra.Stream, error) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(op, id, domain.ErrStreamNotFound, nil)
	}
	if _, alive := r.sessions.Alive(id); !alive {
		r.expire(id, s)
		return nil, domain.NewError(op, id, domain.ErrStreamNotFound, nil)
	}
	return s, nil
}

// expire fecha um stream cuja sessão venceu, se ele ainda estiver registrado.
func (r *Registry) expire(id domain.StreamID, s *infra.Stream) bool {
	r.mu.Lock()
	removed := r.streams[id] == s
	if removed {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !removed {
		return false
	}
	s.Close()
	r.obs.StreamClosed()
	r.log.Info("stream session expired", zap.String("stream", string(id)), zap.String("owner", s.Owner()))
	return true
}

// ProcessQuery classifica a consulta, despacha para o executor da lane com o
// orçamento como deadline e empurra o envelope no stream.
// Em timeout ou erro do executor nada é enviado ao stream.
func (r *Registry) ProcessQuery(ctx context.Context, id domain.StreamID, query string, qctx map[string]any) (domain.QueryResult, error) {
	start := time.Now()
	s, err := r.lookup("process", id)
	if err != nil {
		return domain.QueryResult{}, err
	}

	lc := r.classifier.Classify(query)
	ln := r.lanes[lc.Lane]
	req := domain.Request{
		StreamID: id,
		OwnerID:  s.Owner(),
		Lane:     lc.Lane,
		Query:    query,
		Context:  qctx,
		Budget:   lc.Budget,
	}

	result, err := r.dispatch(ctx, ln, req)
	if err != nil {
		r.obs.QueryDone(lc.Lane, time.Since(start), domain.KindOf(err))
		r.log.Warn("query failed",
			zap.String("stream", string(id)), zap.String("lane", string(lc.Lane)), zap.Error(err))
		return domain.QueryResult{}, err
	}

	env := domain.Envelope{
		StreamID:  id,
		Lane:      lc.Lane,
		Result:    result,
		OwnerID:   s.Owner(),
		Timestamp: r.clock.Now(),
	}
	if err := s.Send(ctx, env); err != nil {
		r.obs.QueryDone(lc.Lane, time.Since(start), domain.KindOf(err))
		return domain.QueryResult{}, err
	}

	latency := time.Since(start)
	s.RecordQuery(latency)
	r.obs.QueryDone(lc.Lane, latency, domain.KindOf(nil))
	if latency > lc.Budget {
		r.log.Debug("lane budget exceeded",
			zap.String("lane", string(lc.Lane)), zap.Duration("latency", latency), zap.Duration("budget", lc.Budget))
	}
	r.publish(env)
	return domain.QueryResult{Envelope: env, Latency: latency}, nil
}

type outcome struct {
	value any
	err   error
}

// dispatch chama o executor sob o orçamento da lane. A espera por vaga na lane
// conta contra o mesmo orçamento.
func (r *Registry) dispatch(ctx context.Context, ln *lane, req domain.Request) (any, error) {
	dctx, cancel := context.WithTimeout(ctx, ln.cfg.Budget)
	defer cancel()

	release, err := ln.slots.Acquire(dctx)
	if err != nil {
		return nil, downstreamErr(ctx, req.StreamID, err)
	}

	done := make(chan outcome, 1)
	go func() {
		defer release()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		v, err := ln.exec.Execute(dctx, req)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, downstreamErr(ctx, req.StreamID, o.err)
		}
		return o.value, nil
	case <-dctx.Done():
		return nil, downstreamErr(ctx, req.StreamID, dctx.Err())
	}
}

// downstreamErr separa "quem chamou desistiu" de "o downstream estourou".
func downstreamErr(ctx context.Context, id domain.StreamID, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError("process", id, domain.ErrDownstreamTimeout, err)
	}
	return domain.NewError("process", id, domain.ErrDownstreamError, err)
}

func (r *Registry) publish(env domain.Envelope) {
	if r.sink == nil {
		return
	}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.sink.Publish(ctx, env); err != nil {
			r.log.Warn("result sink publish failed", zap.String("stream", string(env.StreamID)), zap.Error(err))
		}
	}()
}

// Send envia payload pelo stream id (bloqueia com o canal cheio).
func (r *Registry) Send(ctx context.Context, id domain.StreamID, payload any) error {
	s, err := r.lookup("send", id)
	if err != nil {
		return err
	}
	return s.Send(ctx, payload)
}

func (r *Registry) TrySend(id domain.StreamID, payload any) error {
	s, err := r.lookup("send", id)
	if err != nil {
		return err
	}
	return s.TrySend(payload)
}

// Receive lê a próxima mensagem do stream id em out.
func (r *Registry) Receive(ctx context.Context, id domain.StreamID, out any) error {
	s, err := r.lookup("receive", id)
	if err != nil {
		return err
	}
	return s.Receive(ctx, out)
}

func (r *Registry) StreamMetrics(id domain.StreamID) (domain.StreamMetrics, error) {
	s, err := r.lookup("metrics", id)
	if err != nil {
		return domain.StreamMetrics{}, err
	}
	return s.Metrics(), nil
}

// GetMetrics agrega os streams registrados agora. A latência média é por
// consulta (ProcessQuery); sem consultas, a meta conta como atingida.
func (r *Registry) GetMetrics() domain.Metrics {
	r.mu.RLock()
	streams := make([]*infra.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	m := domain.Metrics{
		ActiveStreams: len(streams),
		LatencyTarget: r.cfg.LatencyTarget,
	}
	var (
		queryLatency time.Duration
		compressed   int64
		savings      float64
	)
	for _, s := range streams {
		sm := s.Metrics()
		m.TotalMessages += sm.MessagesSent
		m.TotalQueries += sm.Queries
		queryLatency += sm.QueryLatency
		compressed += sm.CompressedMessages
		savings += sm.CompressionSavings * float64(sm.CompressedMessages)
	}

	if m.TotalQueries > 0 {
		m.AverageLatency = queryLatency / time.Duration(m.TotalQueries)
	}
	m.TargetMet = m.AverageLatency <= m.LatencyTarget
	if compressed > 0 {
		m.AverageCompressionSavings = savings / float64(compressed)
	}
	if m.AverageLatency > 0 && r.cfg.BaselineLatency > 0 {
		m.ImprovementFactor = float64(r.cfg.BaselineLatency) / float64(m.AverageLatency)
	}
	for _, lc := range r.cfg.Lanes {
		inFlight, capacity := r.lanes[lc.Lane].slots.Load()
		m.Lanes = append(m.Lanes, domain.LaneLoad{Lane: lc.Lane, InFlight: inFlight, MaxInFlight: capacity})
	}
	return m
}

// Len retorna quantos streams estão registrados.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Sweep fecha os streams cuja sessão expirou. Retorna quantos foram fechados.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	candidates := make(map[domain.StreamID]*infra.Stream)
	for id, s := range r.streams {
		if _, alive := r.sessions.Alive(id); !alive {
			candidates[id] = s
		}
	}
	r.mu.RUnlock()

	n := 0
	for id, s := range candidates {
		if r.expire(id, s) {
			n++
		}
	}
	return n
}

func (r *Registry) janitor(t *clock.Ticker) {
	defer r.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			r.runSweep()
		}
	}
}

func (r *Registry) runSweep() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("stream sweep panicked", zap.Any("panic", p))
		}
	}()
	if n := r.Sweep(); n > 0 {
		r.log.Debug("expired streams closed", zap.Int("count", n), zap.Int("remaining", r.Len()))
	}
}

// Close fecha todos os streams, para o janitor e libera codec e sink.
// Chamadas seguintes devolvem o mesmo resultado.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		streams := r.streams
		r.streams = make(map[domain.StreamID]*infra.Stream)
		r.mu.Unlock()

		close(r.done)
		for id, s := range streams {
			r.sessions.Remove(id)
			s.Close()
			r.obs.StreamClosed()
		}
		r.wg.Wait()

		err := r.codec.Close()
		if c, ok := r.sink.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		r.closeErr = err
	})
	return r.closeErr
}
