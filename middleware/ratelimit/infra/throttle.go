package infra

import (
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	burstRetryAfter = time.Second
)

// clientThrottle guarda o estado de admissão de um único cliente:
// token bucket para rajadas + janelas deslizantes de minuto e hora.
//
// Todos os campos são protegidos por mu. evicted marca uma entrada que já
// saiu do mapa do Registry; quem a encontrar assim deve buscar outra.
type clientThrottle struct {
	mu sync.Mutex

	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
	createdAt  time.Time

	minute []time.Time
	hour   []time.Time

	evicted bool
}

func newClientThrottle(cfg Config, now time.Time) *clientThrottle {
	return &clientThrottle{
		tokens:     cfg.BurstCapacity,
		lastRefill: now,
		lastSeen:   now,
		createdAt:  now,
	}
}

// refill calcula o saldo de tokens em now sem alterar o estado.
// A reposição é discreta: floor(elapsed * capacity / RefillWindow).
func (c *clientThrottle) refill(cfg Config, now time.Time) (int, bool) {
	elapsed := now.Sub(c.lastRefill)
	if elapsed <= 0 || cfg.RefillWindow <= 0 {
		return c.tokens, false
	}

	var add int64
	if elapsed >= cfg.RefillWindow {
		add = int64(cfg.BurstCapacity)
	} else {
		add = int64(elapsed) * int64(cfg.BurstCapacity) / int64(cfg.RefillWindow)
	}
	if add <= 0 {
		return c.tokens, false
	}
	return min(cfg.BurstCapacity, c.tokens+int(add)), true
}

// admit aplica burst -> minuto -> hora, nessa ordem; a primeira falha encerra.
// Deve ser chamado com mu travado.
func (c *clientThrottle) admit(cfg Config, now time.Time) domain.Decision {
	// relógio que volta no tempo não pode quebrar a ordem das janelas
	if now.Before(c.lastSeen) {
		now = c.lastSeen
	}
	c.lastSeen = now

	if tokens, ok := c.refill(cfg, now); ok {
		c.tokens = tokens
		c.lastRefill = now
	}
	if c.tokens <= 0 {
		return domain.Decision{Reason: domain.ReasonBurstExceeded, RetryAfter: burstRetryAfter}
	}
	c.tokens--

	c.minute = pruneUntil(c.minute, now.Add(-minuteWindow))
	if len(c.minute) >= cfg.RequestsPerMinute {
		return domain.Decision{Reason: domain.ReasonMinuteExceeded, RetryAfter: minuteWindow}
	}

	c.hour = pruneUntil(c.hour, now.Add(-hourWindow))
	if len(c.hour) >= cfg.RequestsPerHour {
		return domain.Decision{Reason: domain.ReasonHourExceeded, RetryAfter: hourWindow}
	}

	c.minute = append(c.minute, now)
	c.hour = append(c.hour, now)
	return domain.Decision{Allowed: true, Reason: domain.ReasonOK}
}

// limits é a mesma conta do admit, só que sem escrever nada.
func (c *clientThrottle) limits(cfg Config, now time.Time) domain.Limits {
	tokens, _ := c.refill(cfg, now)
	return domain.Limits{
		MinuteUsage: countAfter(c.minute, now.Add(-minuteWindow)),
		MinuteLimit: cfg.RequestsPerMinute,
		HourUsage:   countAfter(c.hour, now.Add(-hourWindow)),
		HourLimit:   cfg.RequestsPerHour,
		BurstTokens: tokens,
		BurstLimit:  cfg.BurstCapacity,
	}
}

// lastActivity é o timestamp mais recente da janela de hora
// (ou a criação, para clientes que nunca foram admitidos).
func (c *clientThrottle) lastActivity() time.Time {
	if n := len(c.hour); n > 0 {
		return c.hour[n-1]
	}
	return c.createdAt
}

func (c *clientThrottle) idle(now time.Time) bool {
	return now.Sub(c.lastActivity()) > hourWindow
}

// pruneUntil remove do início tudo que for <= cutoff. ts é ordenado.
func pruneUntil(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0 && ts[i].After(cutoff); i-- {
		n++
	}
	return n
}
