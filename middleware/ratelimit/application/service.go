package application

import (
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// O instante da decisão vem de Clock (relógio real quando nil).
type Service struct {
	Admitter domain.Admitter
	Clock    clock.Clock
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s Service) Decide(key domain.Key) domain.Decision {
	if s.Admitter == nil {
		return domain.Decision{Allowed: true, Reason: domain.ReasonOK}
	}

	dec := s.Admitter.Admit(key, s.now())
	if !dec.Allowed && dec.RetryAfter <= 0 {
		dec.RetryAfter = 1 * time.Second
	}
	return dec
}

// Limits devolve o uso atual do cliente sem consumir nada.
func (s Service) Limits(key domain.Key) (domain.Limits, bool) {
	if s.Admitter == nil {
		return domain.Limits{}, false
	}
	return s.Admitter.GetLimits(key, s.now()), true
}
