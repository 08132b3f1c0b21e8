package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error types.ErrorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error kind onto an HTTP status
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindUnknownAgent:
		return http.StatusNotFound
	case types.KindInvalidStatus, types.KindIllegalTransition, types.KindInvalidRange, types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindAgentInactive:
		return http.StatusForbidden
	case types.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: types.PayloadOf(err)})
}

// decode reads a single JSON document from the request body
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return types.InvalidInput("request body is required")
		}
		return types.InvalidInput("invalid JSON: %v", err)
	}
	return nil
}
