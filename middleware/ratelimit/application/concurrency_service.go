package application

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// ConcurrencyService põe um prazo opcional na espera por vaga. Slots nil
// significa sem limite.
type ConcurrencyService struct {
	Slots   domain.Slots
	Timeout time.Duration
}

// Acquire devolve o release ou um erro com domain.ErrNoSlot e o motivo do
// contexto (context.DeadlineExceeded quando o Timeout estoura).
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), error) {
	if s.Slots == nil {
		return func() {}, nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	return s.Slots.Acquire(ctx)
}

// Do roda fn segurando uma vaga. Um erro de Acquire volta sem chamar fn.
func (s ConcurrencyService) Do(ctx context.Context, fn func() error) error {
	release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Load devolve vagas ocupadas e capacidade; (0, 0) sem limite.
func (s ConcurrencyService) Load() (inFlight, capacity int) {
	if s.Slots == nil {
		return 0, 0
	}
	return s.Slots.InFlight(), s.Slots.Cap()
}
