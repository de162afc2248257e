// Package infra guarda o estado de admissão em memória e os destinos das
// estatísticas.
//
// Registry mantém um clientThrottle por chave (bucket discreto mais janelas
// de 60s e 3600s) e um janitor que remove clientes parados há mais de uma
// hora. ChanPool limita vagas simultâneas. Memory, Redis e Prometheus gravam
// cada decisão; MultiStatsStore junta vários.
package infra
