package infra

import (
	"context"
	"fmt"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// ChanPool implementa domain.Slots com um channel bufferizado.
// Um *ChanPool nil é um pool sem limite.
type ChanPool struct {
	sem chan struct{}
}

var _ domain.Slots = (*ChanPool)(nil)

// NewChanPool devolve nil para max <= 0.
func NewChanPool(max int) *ChanPool {
	if max <= 0 {
		return nil
	}
	return &ChanPool{sem: make(chan struct{}, max)}
}

// Acquire prefere uma vaga livre mesmo com ctx já encerrado. O release
// devolvido pode ser chamado mais de uma vez; só a primeira chamada libera.
func (p *ChanPool) Acquire(ctx context.Context) (func(), error) {
	if p == nil {
		return func() {}, nil
	}
	select {
	case p.sem <- struct{}{}:
	default:
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", domain.ErrNoSlot, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }, nil
}

func (p *ChanPool) InFlight() int {
	if p == nil {
		return 0
	}
	return len(p.sem)
}

func (p *ChanPool) Cap() int {
	if p == nil {
		return 0
	}
	return cap(p.sem)
}
