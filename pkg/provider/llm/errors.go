package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrTimeout reports that a completion did not finish within its deadline.
	// The generator retries once with a smaller prompt.
	ErrTimeout = errors.New("llm: generation timed out")

	// ErrModelUnavailable reports that the backend cannot serve requests at all
	// (connection refused, 503, unknown model or adapter). It is not retried.
	ErrModelUnavailable = errors.New("llm: model unavailable")
)

// Classify maps transport-level failures onto ErrTimeout and
// ErrModelUnavailable. Errors that already match one of them, and errors it
// cannot classify, are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrModelUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return err
}

// ClassifyStatus maps an HTTP status code from a model server onto the
// sentinel errors. It returns nil for statuses that carry no such meaning.
func ClassifyStatus(status int) error {
	switch status {
	case 408, 504:
		return ErrTimeout
	case 404, 502, 503:
		return ErrModelUnavailable
	}
	return nil
}
