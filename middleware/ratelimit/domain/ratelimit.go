package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"errors"
	"time"
)

type Key string

// Reason identifica qual etapa da admissão decidiu o resultado.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonBurstExceeded  Reason = "burst_exceeded"
	ReasonMinuteExceeded Reason = "minute_exceeded"
	ReasonHourExceeded   Reason = "hour_exceeded"
)

var (
	ErrBurstExceeded      = errors.New("burst limit exceeded")
	ErrMinuteRateExceeded = errors.New("per-minute rate limit exceeded")
	ErrHourRateExceeded   = errors.New("per-hour rate limit exceeded")
)

// Message devolve um texto legível para o cliente rejeitado.
func (r Reason) Message() string {
	switch r {
	case ReasonBurstExceeded:
		return "Too many requests in a short burst, slow down"
	case ReasonMinuteExceeded:
		return "Per-minute request limit reached"
	case ReasonHourExceeded:
		return "Per-hour request limit reached"
	default:
		return "OK"
	}
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// Err converte uma rejeição no erro sentinela correspondente.
// Retorna nil quando a decisão permite a requisição.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonBurstExceeded:
		return ErrBurstExceeded
	case ReasonMinuteExceeded:
		return ErrMinuteRateExceeded
	case ReasonHourExceeded:
		return ErrHourRateExceeded
	}
	return nil
}

// Limits é a visão de uso de um cliente (somente leitura).
type Limits struct {
	MinuteUsage int `json:"minute_usage"`
	MinuteLimit int `json:"minute_limit"`
	HourUsage   int `json:"hour_usage"`
	HourLimit   int `json:"hour_limit"`
	BurstTokens int `json:"burst_tokens"`
	BurstLimit  int `json:"burst_limit"`
}

// Admitter decide a admissão de um cliente num instante.
//
// Chamadas concorrentes para a mesma chave precisam ser serializadas pela
// implementação: nenhuma vaga de janela ou token pode ser consumida duas vezes.
type Admitter interface {
	Admit(key Key, now time.Time) Decision
	GetLimits(key Key, now time.Time) Limits
}
