// Package application decide admissão e reserva vagas sem conhecer net/http.
//
// Service pergunta ao domain.Admitter e grava a decisão nas stats.
// ConcurrencyService é usado tanto pelo middleware HTTP quanto pelas lanes do
// gateway de streams.
package application
