// Package domain define contratos e tipos de domínio para admissão (rate limit)
// e concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A decisão de admissão combina token bucket (burst) e duas janelas deslizantes
// (minuto e hora); aqui ficam apenas os tipos que descrevem essa decisão.
package domain
