package domain

import (
	"context"
	"time"
)

// Request é o que o gateway entrega ao colaborador downstream.
type Request struct {
	StreamID StreamID       `json:"stream_id"`
	OwnerID  string         `json:"owner_id"`
	Lane     Lane           `json:"lane"`
	Query    string         `json:"query"`
	Context  map[string]any `json:"context,omitempty"`
	Budget   time.Duration  `json:"-"`
}

// Executor faz o trabalho de verdade (LLM, busca, BI...). O gateway só o chama
// com o orçamento da lane como deadline no ctx e embrulha o resultado.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

type ExecutorFunc func(ctx context.Context, req Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// ResultSink recebe cópia de cada envelope entregue (ex.: tópico Kafka).
// Best-effort: falhas não afetam a consulta.
type ResultSink interface {
	Publish(ctx context.Context, env Envelope) error
}
