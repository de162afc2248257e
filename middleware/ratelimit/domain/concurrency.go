package domain

import (
	"context"
	"errors"
)

// ErrNoSlot indica que a espera por uma vaga terminou sem sucesso. O erro
// devolvido por Slots.Acquire também carrega o ctx.Err() que encerrou a espera.
var ErrNoSlot = errors.New("no slot available")

// Slots limita quantas operações rodam ao mesmo tempo: requisições em voo no
// gateway HTTP ou chamadas simultâneas ao executor de uma lane.
type Slots interface {
	// Acquire bloqueia até haver vaga ou ctx encerrar.
	Acquire(ctx context.Context) (release func(), err error)
	InFlight() int
	Cap() int
}
