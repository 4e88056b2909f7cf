// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the workflow API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/maintflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrForbidden:              http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrDefinitionImmutable:    http.StatusConflict,
	model.ErrInvalidLifecycle:       http.StatusConflict,
	model.ErrDefinitionNotActive:    http.StatusConflict,
	model.ErrUnknownTransition:      http.StatusUnprocessableEntity,
	model.ErrInvalidSource:          http.StatusUnprocessableEntity,
	model.ErrTransitionUnauthorized: http.StatusForbidden,
	model.ErrRequirementsNotMet:     http.StatusUnprocessableEntity,
	model.ErrInstanceClosed:         http.StatusConflict,
}

// dataResponse is the success envelope.
type dataResponse struct {
	Data any `json:"data"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteData wraps data in the {"data": ...} envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, dataResponse{Data: data})
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not carry an envelope become a generic
// 500; a request whose deadline passed becomes 503.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		if errors.Is(err, context.DeadlineExceeded) {
			WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: &model.ErrorEnvelope{
				Code:    model.ErrInternalError,
				Message: "the request timed out",
			}})
			return
		}
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
