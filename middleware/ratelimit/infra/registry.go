package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config agrupa os limites de admissão por cliente.
type Config struct {
	BurstCapacity     int
	RequestsPerMinute int
	RequestsPerHour   int
	// RefillWindow é o tempo para repor o burst inteiro (padrão 60s).
	RefillWindow time.Duration
	// EvictionInterval é o período do janitor. <= 0 desliga a limpeza automática.
	EvictionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		BurstCapacity:     10,
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RefillWindow:      time.Minute,
		EvictionInterval:  5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.BurstCapacity <= 0 {
		return errors.New("burst capacity must be > 0")
	}
	if c.RequestsPerMinute <= 0 {
		return errors.New("requests per minute must be > 0")
	}
	if c.RequestsPerHour <= 0 {
		return errors.New("requests per hour must be > 0")
	}
	if c.RefillWindow <= 0 {
		return errors.New("refill window must be > 0")
	}
	return nil
}

// EvictFunc é chamada logo depois de um cliente inativo sair do mapa. Se
// retornar erro, o cliente volta e a remoção é tentada no próximo ciclo.
type EvictFunc func(ctx context.Context, key domain.Key) error

// Registry é dono de todos os clientThrottle. Implementa domain.Admitter.
//
// Ordem de travas: Registry.mu antes de clientThrottle.mu. Admit nunca segura
// a trava do cliente enquanto pega a do registry.
type Registry struct {
	mu      sync.Mutex
	clients map[domain.Key]*clientThrottle

	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	onEvict EvictFunc

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type RegistryOption func(*Registry)

func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func WithOnEvict(fn EvictFunc) RegistryOption {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry cria o registry e já inicia o janitor (se EvictionInterval > 0).
// Pare com Close.
func NewRegistry(cfg Config, opts ...RegistryOption) (*Registry, error) {
	if cfg.RefillWindow == 0 {
		cfg.RefillWindow = time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limiter config: %w", err)
	}

	r := &Registry{
		clients: make(map[domain.Key]*clientThrottle),
		cfg:     cfg,
		clock:   clock.New(),
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.EvictionInterval > 0 {
		// o ticker nasce aqui, antes de qualquer Admit, para não perder ticks
		t := r.clock.Ticker(cfg.EvictionInterval)
		r.wg.Add(1)
		go r.janitor(t)
	}
	return r, nil
}

func (r *Registry) Config() Config     { return r.cfg }
func (r *Registry) Clock() clock.Clock { return r.clock }

// Admit implementa domain.Admitter.
func (r *Registry) Admit(key domain.Key, now time.Time) domain.Decision {
	for {
		c := r.getOrCreate(key, now)

		c.mu.Lock()
		if c.evicted {
			// o janitor levou essa entrada entre o lookup e a trava; busca de novo
			c.mu.Unlock()
			continue
		}
		dec := c.admit(r.cfg, now)
		c.mu.Unlock()
		return dec
	}
}

// GetLimits implementa domain.Admitter. Não cria entrada para clientes desconhecidos.
func (r *Registry) GetLimits(key domain.Key, now time.Time) domain.Limits {
	r.mu.Lock()
	c := r.clients[key]
	r.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.evicted {
			return c.limits(r.cfg, now)
		}
	}
	return newClientThrottle(r.cfg, now).limits(r.cfg, now)
}

func (r *Registry) getOrCreate(key domain.Key, now time.Time) *clientThrottle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c
	}
	c := newClientThrottle(r.cfg, now)
	r.clients[key] = c
	return c
}

// Sweep remove clientes sem requisições admitidas há mais de uma hora.
// Retorna quantos foram removidos.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	candidates := make(map[domain.Key]*clientThrottle)
	for k, c := range r.clients {
		c.mu.Lock()
		if c.idle(now) {
			candidates[k] = c
		}
		c.mu.Unlock()
	}
	r.mu.Unlock()

	removed := 0
	for k, c := range candidates {
		if !r.evict(k, c, now) {
			continue
		}
		if err := r.callOnEvict(ctx, k); err != nil {
			r.log.Warn("evict hook failed, retrying next sweep",
				zap.String("client", string(k)), zap.Error(err))
			r.restore(k, c)
			continue
		}
		removed++
	}
	return removed
}

// callOnEvict roda o hook depois da remoção; panic vira erro para o cliente
// voltar ao mapa.
func (r *Registry) callOnEvict(ctx context.Context, key domain.Key) (err error) {
	if r.onEvict == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("evict hook panic: %v", p)
		}
	}()
	return r.onEvict(ctx, key)
}

// restore devolve ao mapa um cliente cujo hook falhou, a menos que a chave
// já tenha voltado com uma entrada nova.
func (r *Registry) restore(key domain.Key, c *clientThrottle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[key]; ok {
		return
	}
	c.mu.Lock()
	c.evicted = false
	c.mu.Unlock()
	r.clients[key] = c
}

// evict tira a entrada do mapa só se ela ainda for a mesma e continuar inativa.
func (r *Registry) evict(key domain.Key, c *clientThrottle, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[key] != c {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idle(now) {
		return false
	}
	c.evicted = true
	delete(r.clients, key)
	return true
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

// runSweep isola falhas de um ciclo: nada aqui pode derrubar o loop.
func (r *Registry) runSweep() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("rate limiter sweep panicked", zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EvictionInterval)
	defer cancel()

	if n := r.Sweep(ctx, r.clock.Now()); n > 0 {
		r.log.Debug("evicted idle clients", zap.Int("count", n), zap.Int("remaining", r.Len()))
	}
}

// Close para o janitor. Pode ser chamado mais de uma vez.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Len retorna quantos clientes estão em memória (testes/métricas).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
