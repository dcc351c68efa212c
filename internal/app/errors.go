package app

import (
	"errors"
	"fmt"
	"net/http"

	"devstudio/api/internal/authpw"
	"devstudio/api/internal/chat"
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

var chatStatus = map[chat.Code]int{
	chat.CodeNotReady:    http.StatusUnprocessableEntity,
	chat.CodeNeedsClaim:  http.StatusConflict,
	chat.CodeConflict:    http.StatusConflict,
	chat.CodeWriteFailed: http.StatusServiceUnavailable,
	chat.CodeReadFailed:  http.StatusServiceUnavailable,
	chat.CodeClosed:      http.StatusConflict,
}

// fromChatError converts an engine error into the HTTP error contract.
// Store causes stay in the log, not in the response.
func fromChatError(err error) (*DomainError, bool) {
	var chatErr *chat.Error
	if !errors.As(err, &chatErr) {
		return nil, false
	}
	status, ok := chatStatus[chatErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return domainError(status, string(chatErr.Code), chatErr.Message, nil), true
}

// fromAuthError maps sign-up and sign-in failures.
func fromAuthError(err error) (*DomainError, bool) {
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil), true
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil), true
	case errors.Is(err, authpw.ErrInvalidInput):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil), true
	default:
		return nil, false
	}
}
