package infra

import (
	"context"
	"maps"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// MemoryStatsStore acumula as decisões no processo. Sem expiração: os
// contadores por cliente só saem via Forget.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   domain.Counters
	byRoute map[string]domain.Counters
	byKey   map[domain.Key]domain.Counters

	trackKeys bool
}

var (
	_ domain.StatsStore  = (*MemoryStatsStore)(nil)
	_ domain.StatsReader = (*MemoryStatsStore)(nil)
)

type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackKeys liga os contadores por cliente (ByKey).
func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]domain.Counters),
		byKey:   make(map[domain.Key]domain.Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	field := ev.Field()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.Add(field, 1)
	if route := ev.Route(); route != "" {
		bump(s.byRoute, route, field)
	}
	if s.trackKeys && ev.Key != "" {
		bump(s.byKey, ev.Key, field)
	}
	return nil
}

func bump[K comparable](m map[K]domain.Counters, k K, field string) {
	c := m[k]
	c.Add(field, 1)
	m[k] = c
}

// Forget descarta os contadores de um cliente removido pelo janitor.
func (s *MemoryStatsStore) Forget(_ context.Context, key domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
	return nil
}

func (s *MemoryStatsStore) Snapshot(context.Context) (domain.StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.StatsSnapshot{Total: s.total, ByRoute: maps.Clone(s.byRoute)}, nil
}

func (s *MemoryStatsStore) ByKey() map[domain.Key]domain.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}
