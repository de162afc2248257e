// Package application contém o Registry de streams: ciclo de vida dos streams,
// classificação de consultas em lanes, despacho para o executor com o
// orçamento da lane e agregação de métricas.
package application
