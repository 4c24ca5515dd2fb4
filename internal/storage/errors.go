package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"sitesync/internal/core"
)

// classifyStatus maps an HTTP status returned by a provider onto the error
// kinds callers branch on.
func classifyStatus(op string, status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotExist, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", op, core.ErrAuth, err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientTransport, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// classifyNetError marks connection-level failures as transient.
func classifyNetError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientTransport, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is worth a retry.
func IsTransient(err error) bool {
	return errors.Is(err, core.ErrTransientTransport)
}
