package types

import "errors"

var (
	// ErrAuthMissing is returned when no bearer token is available.
	ErrAuthMissing = errors.New("auth missing")
	// ErrValidationFailed covers empty content, unknown targets and
	// malformed payloads.
	ErrValidationFailed = errors.New("validation failed")
	// ErrNetworkFailure means the request did not complete. Retryable.
	ErrNetworkFailure = errors.New("network failure")
	// ErrPermissionDenied is a terminal server refusal.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrReconcileMismatch is a push event that references an unknown
	// room or message. Logged and dropped.
	ErrReconcileMismatch = errors.New("reconcile mismatch")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
