// Package ratelimit adapta a admissão e o limite de concorrência para net/http.
//
// Middleware resolve a chave do cliente (header configurado, X-Forwarded-For,
// X-Real-IP, peer), pergunta ao application.Service e responde 429 com
// Retry-After e X-RateLimit-Reason quando o cliente estoura burst, minuto ou
// hora. Admitido, a chave vai para o contexto (ClientKey) e o gateway usa como
// dono do stream.
//
// ConcurrencyMiddleware segura uma vaga por requisição e responde 503 quando
// não consegue uma dentro do AcquireTimeout.
//
// O estado por cliente fica em infra.Registry; os tipos em domain não
// dependem de HTTP.
package ratelimit
