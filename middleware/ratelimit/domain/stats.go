package domain

import (
	"context"
	"strings"
	"time"
)

// StatsEvent é uma decisão de admissão pronta para ser contada.
//
// Method/Path são strings livres; cuidado com cardinalidade ao usar Key ou
// Path como chave em Redis/Prometheus.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Reason  Reason

	Method string
	Path   string

	At time.Time
}

// StatsStore grava decisões. Erros são best-effort: quem chama registra e segue.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsReader é implementado pelos stores que sabem devolver o agregado.
type StatsReader interface {
	Snapshot(ctx context.Context) (StatsSnapshot, error)
}

type StatsSnapshot struct {
	Total   Counters            `json:"total"`
	ByRoute map[string]Counters `json:"by_route,omitempty"`
}

// Counters separa as decisões pelo motivo.
type Counters struct {
	Allowed        int64 `json:"allowed"`
	BurstExceeded  int64 `json:"burst_exceeded"`
	MinuteExceeded int64 `json:"minute_exceeded"`
	HourExceeded   int64 `json:"hour_exceeded"`
}

func (c Counters) Denied() int64 {
	return c.BurstExceeded + c.MinuteExceeded + c.HourExceeded
}

// Add soma n no contador do campo (o mesmo valor de StatsEvent.Field).
// Rejeição sem motivo conhecido conta como burst.
func (c *Counters) Add(field string, n int64) {
	switch field {
	case "allowed":
		c.Allowed += n
	case string(ReasonMinuteExceeded):
		c.MinuteExceeded += n
	case string(ReasonHourExceeded):
		c.HourExceeded += n
	default:
		c.BurstExceeded += n
	}
}

// Field devolve o nome usado para contar o evento: "allowed" ou o motivo da rejeição.
func (ev StatsEvent) Field() string {
	if ev.Allowed {
		return "allowed"
	}
	if ev.Reason == "" {
		return "denied"
	}
	return string(ev.Reason)
}

// Route junta método e caminho ("GET /streams"); vazio quando ambos faltam.
func (ev StatsEvent) Route() string {
	return strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
}
