package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"admission-gateway/gateway/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor traduz a taxonomia de erros do gateway para HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDownstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrDownstreamError):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrSerializationFailed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrChannelFull), errors.Is(err, domain.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: domain.KindOf(err)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
