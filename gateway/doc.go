// Package gateway expõe o Registry de streams via HTTP (chi) e WebSocket.
//
// Rotas da API:
//
//	POST   /streams                     cria um stream (dono = chave do rate limit)
//	DELETE /streams/{id}                fecha o stream
//	POST   /streams/{id}/query          ProcessQuery
//	POST   /streams/{id}/messages       Send (?nowait=1 usa TrySend)
//	GET    /streams/{id}/messages       Receive (?timeout=2s)
//	GET    /streams/{id}/ws             empurra as mensagens do stream por WebSocket
//	GET    /streams/{id}/metrics        métricas do stream
//	GET    /stats                       métricas agregadas + contadores de admissão
//	GET    /limits                      uso do rate limit do cliente atual
//
// /metrics, /healthz, /stats e /limits ficam fora da cadeia de middlewares.
// GET /messages e /ws passam pelo rate limit mas não ocupam vaga de
// concorrência (Options.Bounded).
package gateway
