package infra

import (
	"context"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PromStatsStore incrementa um CounterVec com o label "decision".
// A chave do cliente nunca vira label (cardinalidade).
type PromStatsStore struct {
	decisions *prometheus.CounterVec
}

func NewPromStatsStore(decisions *prometheus.CounterVec) *PromStatsStore {
	return &PromStatsStore{decisions: decisions}
}

func (s *PromStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	if s == nil || s.decisions == nil {
		return nil
	}
	c, err := s.decisions.GetMetricWithLabelValues(ev.Field())
	if err != nil {
		return err
	}
	c.Inc()
	return nil
}

// MultiStatsStore repassa o evento para vários stores; o primeiro erro é
// devolvido, mas todos recebem o evento.
type MultiStatsStore []domain.StatsStore

func (m MultiStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
