package domain

import "errors"

var (
	// ErrValidation marks a malformed request, rejected before enqueue.
	ErrValidation = errors.New("validation error")

	// ErrSecurityRejected marks code matching the dangerous-operation denylist.
	ErrSecurityRejected = errors.New("security rejected")

	// ErrBrokerUnavailable is returned while the broker connection is not ready.
	// It is transient: the connection manager retries in the background.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnsupportedLanguage is returned before any file I/O for languages
	// without a registered pipeline.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrNotFound is returned by lookups for unknown tokens or job ids.
	ErrNotFound = errors.New("not found")
)
