package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/recorder"
	"github.com/probehound/probehound/pkg/services"
)

// Error codes surfaced in the envelope's code field.
const (
	codeValidation  = "validation"
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeStorage     = "storage"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)

// apiError is a fully resolved HTTP error: status, envelope code,
// message, and optional per-field details.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: codeValidation, message: message}
}

// mapServiceError translates domain errors into apiErrors.
func mapServiceError(err error) *apiError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return &apiError{
			status:  http.StatusUnprocessableEntity,
			code:    codeValidation,
			message: "validation failed",
			details: map[string]string{validErr.Field: validErr.Message},
		}
	}
	if errors.Is(err, services.ErrNotFound) {
		return &apiError{status: http.StatusNotFound, code: codeNotFound, message: "resource not found"}
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return &apiError{status: http.StatusConflict, code: codeConflict, message: "resource already exists"}
	}
	if errors.Is(err, services.ErrConflict) {
		return &apiError{status: http.StatusConflict, code: codeConflict, message: err.Error()}
	}
	if errors.Is(err, services.ErrStorage) {
		return &apiError{status: http.StatusInternalServerError, code: codeStorage, message: "storage failure"}
	}
	if errors.Is(err, recorder.ErrSessionActive) ||
		errors.Is(err, recorder.ErrNoActiveSession) ||
		errors.Is(err, recorder.ErrNoFlowSelected) {
		return &apiError{status: http.StatusConflict, code: codeConflict, message: err.Error()}
	}

	slog.Error("Unexpected service error", "error", err)
	return &apiError{status: http.StatusInternalServerError, code: codeInternal, message: "internal server error"}
}

// errorHandler renders every handler error as an envelope.
func (s *Server) errorHandler(c *echo.Context, err error) {
	var resolved *apiError
	switch {
	case errors.As(err, &resolved):
	default:
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			code := codeValidation
			switch httpErr.Code {
			case http.StatusNotFound:
				code = codeNotFound
			case http.StatusMethodNotAllowed:
				code = codeValidation
			case http.StatusRequestEntityTooLarge:
				code = codeValidation
			case http.StatusTooManyRequests:
				code = codeRateLimited
			case http.StatusInternalServerError:
				code = codeInternal
			}
			resolved = &apiError{status: httpErr.Code, code: code, message: fmt.Sprintf("%v", httpErr.Message)}
		} else {
			resolved = mapServiceError(err)
		}
	}

	if c.Response().Committed {
		return
	}
	writeErr := c.JSON(resolved.status, &Envelope{
		Success:   false,
		Error:     resolved.message,
		Code:      resolved.code,
		Details:   resolved.details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
	if writeErr != nil {
		slog.Error("Failed to write error response", "error", writeErr)
	}
}
