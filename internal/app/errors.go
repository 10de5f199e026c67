package app

import (
	"errors"
	"fmt"
	"net/http"

	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/authpw"
	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/ingest"
	"pawlenx/api/internal/pets"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, authpw.ErrValidation), errors.Is(err, pets.ErrValidation), errors.Is(err, ingest.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrConflict):
		return http.StatusConflict, "CONFLICT", "An account with this name already exists", nil
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, "CONFLICT", "The document was changed concurrently, please retry", nil
	case errors.Is(err, authpw.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid name or password", nil
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many failed login attempts, try again later", nil
	case errors.Is(err, pets.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Pet not found", nil
	case errors.Is(err, authpw.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Account not found", nil
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "File too large", nil
	case errors.Is(err, ingest.ErrUnsupportedType):
		return http.StatusBadRequest, "UNSUPPORTED_TYPE", err.Error(), nil
	case docstore.IsRemoteFailure(err):
		return http.StatusInternalServerError, "REMOTE_STORE_UNAVAILABLE", "Storage is temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
