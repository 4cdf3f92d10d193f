package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"happysrt/api/internal/auth"
	"happysrt/api/internal/quota"
	"happysrt/api/internal/store"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		return http.StatusRequestEntityTooLarge, "STORAGE_LIMIT_EXCEEDED", "Storage limit exceeded", map[string]any{
			"limit":     exceeded.Limit,
			"used":      exceeded.Used,
			"attempted": exceeded.Attempted,
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrThreadExists) {
		return http.StatusConflict, "THREAD_EXISTS", "Thread already exists", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
