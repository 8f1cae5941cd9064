package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

// ErrMalformedResponse is a 2xx response whose body could not be used.
var ErrMalformedResponse = fmt.Errorf("malformed response: %w", types.ErrValidationFailed)

// Error is a failed REST call. Err carries the failure class, so
// errors.Is(err, types.ErrNetworkFailure) and friends work on it.
type Error struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx status to the failure taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return types.ErrAuthMissing
	case code == http.StatusForbidden:
		return types.ErrPermissionDenied
	case code == http.StatusTooManyRequests, code >= 500:
		return types.ErrNetworkFailure
	case code >= 400:
		return types.ErrValidationFailed
	default:
		return types.ErrNetworkFailure
	}
}

func newStatusError(code int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = strings.ToLower(http.StatusText(code))
	}

	return &Error{
		StatusCode: code,
		Message:    fmt.Sprintf("status %d: %s", code, msg),
		Err:        classifyStatus(code),
	}
}

func newTransportError(msg string, err error) *Error {
	return &Error{
		Message: msg,
		Err:     errors.Join(types.ErrNetworkFailure, err),
	}
}

func newMalformedError(code int, err error) *Error {
	return &Error{
		StatusCode: code,
		Message:    "failed to parse response",
		Err:        errors.Join(ErrMalformedResponse, err),
	}
}
