package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/llm"
	"github.com/lazypower/promptsmith/internal/service"
	"github.com/lazypower/promptsmith/internal/store"
	"github.com/lazypower/promptsmith/internal/template"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func bodyFor(err error) errorBody {
	b := errorBody{Error: err.Error()}
	var ve *history.ValidationError
	if errors.As(err, &ve) {
		b.Fields = ve.Fields
	}
	return b
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, bodyFor(err))
}

// statusFor maps domain errors to HTTP status codes. Flow errors map through
// their cause first and fall back to 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, history.ErrValidationFailed),
		errors.Is(err, template.ErrInvalidTemplate),
		errors.Is(err, llm.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrRecordNotFound),
		errors.Is(err, history.ErrChainNotFound),
		errors.Is(err, template.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, template.ErrBuiltinReadOnly),
		errors.Is(err, template.ErrFileManaged):
		return http.StatusForbidden
	case errors.Is(err, history.ErrUninitialized),
		errors.Is(err, history.ErrStorageUnavailable),
		errors.Is(err, history.ErrStorageFailure),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	var (
		oe *service.OptimizationError
		ie *service.IterationError
		te *service.TestError
	)
	if errors.As(err, &oe) || errors.As(err, &ie) || errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", service.ErrInvalidInput, err)
	}
	return nil
}
