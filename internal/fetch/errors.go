package fetch

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// ErrorCategory classifies fetch failures for retry decisions and telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates transport failures (connection, timeout, DNS)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryNotFound indicates the frame does not exist at that level
	ErrCategoryNotFound
	// ErrCategoryCanceled indicates the caller gave up (context cancelled)
	ErrCategoryCanceled
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryNotFound:
		return "not_found"
	case ErrCategoryCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt within the same call can help.
func (e ErrorCategory) Retryable() bool {
	return e == ErrCategoryNetwork || e == ErrCategoryUnknown
}

// Classify categorises a fetch error.
//
// Typed errors are checked first; message heuristics are the fallback for
// fetchers that only return opaque errors.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCategoryCanceled
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ErrCategoryNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrCategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection", "timeout", "unreachable", "reset by peer", "broken pipe", "eof"} {
		if strings.Contains(msg, kw) {
			return ErrCategoryNetwork
		}
	}
	for _, kw := range []string{"404", "not found", "no such file"} {
		if strings.Contains(msg, kw) {
			return ErrCategoryNotFound
		}
	}
	return ErrCategoryUnknown
}
