package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError(err error) *ApiError {
	return newApiError(http.StatusBadRequest, err)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewBadGatewayError(err error) *ApiError {
	return newApiError(http.StatusBadGateway, err)
}

// errorFromChat maps the chat failure taxonomy onto HTTP statuses.
func errorFromChat(err error) *ApiError {
	switch {
	case errors.Is(err, types.ErrAuthMissing):
		return NewUnauthorizedError()
	case errors.Is(err, types.ErrPermissionDenied):
		return NewForbiddenError()
	case errors.Is(err, types.ErrValidationFailed):
		return NewBadRequestError(err)
	case errors.Is(err, types.ErrNetworkFailure):
		return NewBadGatewayError(err)
	default:
		return NewInternalServerError(err)
	}
}
