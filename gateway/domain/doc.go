// Package domain define os tipos do gateway de streams: lanes e classificação
// por complexidade, contrato do executor downstream, envelope de resultado,
// métricas e a taxonomia de erros.
//
// Assim como middleware/ratelimit/domain, não depende de net/http nem de
// implementações concretas.
package domain
