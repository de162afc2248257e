package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/gateway/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultChannelCapacity = 500

var errPaced = errors.New("message rate exceeded")

type StreamConfig struct {
	Capacity    int
	Compression bool
	// MessageRate limita mensagens/s no Send (0 = sem limite).
	MessageRate  float64
	MessageBurst int
}

// Stream é um canal limitado e ordenado para uma sessão.
//
// Contrato: exatamente um produtor e um consumidor. Canal cheio bloqueia o
// produtor (backpressure); nada é descartado.
type Stream struct {
	id        domain.StreamID
	owner     string
	createdAt time.Time

	ch          chan []byte
	codec       *Codec
	compression bool
	pacer       *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	sent      atomic.Int64
	received  atomic.Int64
	latencyNs atomic.Int64

	mu           sync.Mutex
	compressed   int64
	savingsAvg   float64
	queries      int64
	queryLatency time.Duration

	obs      domain.Observer
	log      *zap.Logger
	warnFull rate.Sometimes
}

func NewStream(id domain.StreamID, owner string, createdAt time.Time, cfg StreamConfig, codec *Codec, obs domain.Observer, log *zap.Logger) *Stream {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultChannelCapacity
	}
	if obs == nil {
		obs = domain.NopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Stream{
		id:          id,
		owner:       owner,
		createdAt:   createdAt,
		ch:          make(chan []byte, cfg.Capacity),
		codec:       codec,
		compression: cfg.Compression,
		done:        make(chan struct{}),
		obs:         obs,
		log:         log.With(zap.String("stream", string(id))),
		warnFull:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if cfg.MessageRate > 0 {
		burst := cfg.MessageBurst
		if burst <= 0 {
			burst = max(1, int(cfg.MessageRate))
		}
		s.pacer = rate.NewLimiter(rate.Limit(cfg.MessageRate), burst)
	}
	return s
}

func (s *Stream) ID() domain.StreamID  { return s.id }
func (s *Stream) Owner() string        { return s.owner }
func (s *Stream) CreatedAt() time.Time { return s.createdAt }
func (s *Stream) Pending() int         { return len(s.ch) }
func (s *Stream) Capacity() int        { return cap(s.ch) }
func (s *Stream) Closed() bool         { return s.closed.Load() }

func (s *Stream) notFound(op string) error {
	return domain.NewError(op, s.id, domain.ErrStreamNotFound, nil)
}

// Send serializa payload e enfileira. Bloqueia com o canal cheio até haver
// espaço, o stream fechar ou ctx encerrar. Em qualquer falha nada é enfileirado
// e nenhum contador muda.
func (s *Stream) Send(ctx context.Context, payload any) error {
	return s.send(ctx, payload, true)
}

// TrySend é a variante sem bloqueio: canal cheio ou taxa de mensagens
// esgotada viram ErrChannelFull.
func (s *Stream) TrySend(payload any) error {
	return s.send(context.Background(), payload, false)
}

func (s *Stream) send(ctx context.Context, payload any, block bool) error {
	if s.closed.Load() {
		return s.notFound("send")
	}

	start := time.Now()
	enc, err := s.codec.Encode(payload, s.compression)
	if err != nil {
		return domain.NewError("send", s.id, domain.ErrSerializationFailed, err)
	}

	if s.pacer != nil {
		if !block {
			if !s.pacer.Allow() {
				return domain.NewError("send", s.id, domain.ErrChannelFull, errPaced)
			}
		} else if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	select {
	case s.ch <- enc.Frame:
	default:
		if !block {
			return domain.NewError("send", s.id, domain.ErrChannelFull, nil)
		}
		s.obs.Backpressure()
		s.warnFull.Do(func() {
			s.log.Warn("stream channel full, producer blocked", zap.Int("capacity", cap(s.ch)))
		})
		select {
		case s.ch <- enc.Frame:
		case <-s.done:
			return s.notFound("send")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.sent.Add(1)
	s.latencyNs.Add(int64(time.Since(start)))
	if enc.Compressed {
		s.mu.Lock()
		s.compressed++
		s.savingsAvg += (enc.Savings - s.savingsAvg) / float64(s.compressed)
		s.mu.Unlock()
	}
	s.obs.MessageSent(len(enc.Frame), enc.Compressed, enc.Savings)
	return nil
}

// Receive tira a próxima mensagem (FIFO) e decodifica em out.
// Bloqueia com o canal vazio. Se a decodificação falhar a mensagem é
// descartada e o erro devolvido; o restante do canal fica intacto.
func (s *Stream) Receive(ctx context.Context, out any) error {
	if s.closed.Load() {
		return s.notFound("receive")
	}

	// mensagem pendente tem prioridade sobre ctx já encerrado
	var frame []byte
	select {
	case frame = <-s.ch:
	default:
		select {
		case frame = <-s.ch:
		case <-s.done:
			return s.notFound("receive")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// a espera no canal vazio não conta como latência
	start := time.Now()
	if err := s.codec.Decode(frame, out); err != nil {
		return domain.NewError("receive", s.id, domain.ErrSerializationFailed, err)
	}
	s.received.Add(1)
	s.latencyNs.Add(int64(time.Since(start)))
	s.obs.MessageReceived(len(frame))
	return nil
}

// RecordQuery soma a latência de ida e volta de um ProcessQuery.
func (s *Stream) RecordQuery(latency time.Duration) {
	s.mu.Lock()
	s.queries++
	s.queryLatency += latency
	s.mu.Unlock()
}

func (s *Stream) Metrics() domain.StreamMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.StreamMetrics{
		StreamID:           s.id,
		OwnerID:            s.owner,
		CreatedAt:          s.createdAt,
		MessagesSent:       s.sent.Load(),
		MessagesReceived:   s.received.Load(),
		TotalLatency:       time.Duration(s.latencyNs.Load()),
		CompressedMessages: s.compressed,
		CompressionSavings: s.savingsAvg,
		Queries:            s.queries,
		QueryLatency:       s.queryLatency,
		Pending:            len(s.ch),
		Capacity:           cap(s.ch),
	}
}

// Close invalida o stream. Send/Receive bloqueados retornam ErrStreamNotFound.
// O canal de dados não é fechado: um produtor atrasado nunca causa panic.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
