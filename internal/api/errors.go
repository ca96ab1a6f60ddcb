package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/engine"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// statusFor maps a domain error to its HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidChoice):
		return http.StatusBadRequest, ErrTypeInvalidMove
	case errors.Is(err, engine.ErrInvalidParticipant):
		return http.StatusBadRequest, ErrTypeInvalidParticipant
	case errors.Is(err, engine.ErrEntryWindowClosed):
		return http.StatusConflict, ErrTypeWindowClosed
	case errors.Is(err, engine.ErrAlreadyEntered):
		return http.StatusConflict, ErrTypeAlreadyEntered
	case errors.Is(err, engine.ErrEntryPending):
		return http.StatusConflict, ErrTypeEntryPending
	case errors.Is(err, engine.ErrInsufficientAllowance):
		return http.StatusPaymentRequired, ErrTypeInsufficientAllowance
	case errors.Is(err, engine.ErrPaymentFailed):
		return http.StatusPaymentRequired, ErrTypePaymentFailed
	case errors.Is(err, engine.ErrPaymentTimeout):
		return http.StatusGatewayTimeout, ErrTypePaymentTimeout
	case errors.Is(err, engine.ErrRoundNotComplete):
		return http.StatusConflict, ErrTypeRoundNotSettled
	case errors.Is(err, engine.ErrNotWinner):
		return http.StatusForbidden, ErrTypeNotWinner
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return http.StatusConflict, ErrTypeAlreadyClaimed
	case errors.Is(err, engine.ErrClaimUnavailable):
		return http.StatusConflict, ErrTypeClaimUnavailable
	case errors.Is(err, engine.ErrPayoutFailed):
		return http.StatusBadGateway, ErrTypePayoutFailed
	case errors.Is(err, engine.ErrIntegrity):
		return http.StatusInternalServerError, ErrTypeIntegrity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrTypeNotFound
	case errors.Is(err, store.ErrRoundNotSettled):
		return http.StatusConflict, ErrTypeRoundNotSettled
	case errors.Is(err, store.ErrNotSweepable):
		return http.StatusConflict, ErrTypeNotSweepable
	default:
		return http.StatusInternalServerError, ErrTypeInternal
	}
}

// handleError translates a domain error into the structured envelope.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error, ctx map[string]interface{}) {
	status, errType := statusFor(err)
	requestID := middleware.GetReqID(r.Context())

	apiErr := APIError{
		Type:      errType,
		Message:   err.Error(),
		Context:   ctx,
		RequestID: requestID,
		Timestamp: rfc3339Now(),
	}

	evt := s.log.Warn()
	if status >= 500 {
		evt = s.log.Error()
	}
	evt.Str("type", errType).Str("category", string(GetErrorCategory(errType))).
		Int("status", status).Str("request_id", requestID).
		Str("method", r.Method).Str("path", r.URL.Path).Err(err).
		Msg("request failed")

	s.writeError(w, status, apiErr)
}

// handleValidationError reports a malformed request body or parameter.
func (s *Server) handleValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	requestID := middleware.GetReqID(r.Context())

	apiErr := APIError{
		Type:      ErrTypeValidation,
		Message:   message,
		Context:   map[string]interface{}{"field": field},
		RequestID: requestID,
		Timestamp: rfc3339Now(),
	}

	s.log.Warn().Str("type", ErrTypeValidation).Str("field", field).
		Str("request_id", requestID).Str("path", r.URL.Path).
		Msg(message)

	s.writeError(w, http.StatusBadRequest, apiErr)
}

// recoveryHandler converts panics into structured 500 responses.
func (s *Server) recoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				requestID := middleware.GetReqID(r.Context())
				s.log.Error().Str("request_id", requestID).Str("path", r.URL.Path).
					Str("method", r.Method).Interface("panic", rvr).
					Msg("panic recovered")

				s.writeError(w, http.StatusInternalServerError, APIError{
					Type:      ErrTypeInternal,
					Message:   "internal server error",
					RequestID: requestID,
					Timestamp: rfc3339Now(),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
