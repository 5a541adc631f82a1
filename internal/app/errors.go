package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"fieldshare/internal/auth"
	"fieldshare/internal/authpw"
	"fieldshare/internal/export"
	"fieldshare/internal/schema"
	"fieldshare/internal/schemasrc"
	"fieldshare/internal/selection"
	"fieldshare/internal/session"
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

var errNoChanges = domainError(http.StatusUnprocessableEntity, "NO_CHANGES", "nothing to commit", nil)

// mapError turns package sentinels into transport errors. Anything unknown
// is a server error.
func mapError(err error) (status int, code, message string, details any) {
	domainErr := classifyError(err)
	return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
}

func classifyError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var collision *schema.CollisionError
	switch {
	case errors.As(err, &collision):
		return domainError(http.StatusInternalServerError, "IDENTITY_COLLISION", "schema produces duplicate identifiers", map[string]any{
			"uniqueId": collision.ID,
			"first":    collision.First.String(),
			"second":   collision.Second.String(),
		})
	case errors.Is(err, schema.ErrIdentityCollision):
		return domainError(http.StatusInternalServerError, "IDENTITY_COLLISION", err.Error(), nil)
	case errors.Is(err, selection.ErrUnknownNode):
		return domainError(http.StatusNotFound, "NODE_NOT_FOUND", "node not found", nil)
	case errors.Is(err, selection.ErrConfirmationPending):
		return domainError(http.StatusConflict, "CONFIRMATION_PENDING", "answer the pending confirmation first", nil)
	case errors.Is(err, schemasrc.ErrSchemaNotFound):
		return domainError(http.StatusNotFound, "SCHEMA_NOT_FOUND", "schema not found", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrSessionNotFound):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_TAKEN", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return domainError(http.StatusBadRequest, "INVALID_RESET_TOKEN", err.Error(), nil)
	case errors.Is(err, export.ErrUnsupportedFormat):
		return domainError(http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil)
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, sql.ErrNoRows):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
