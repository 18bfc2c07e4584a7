package resilience

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker. The last entry's error is wrapped alongside it so that
// callers can still classify the cause with [errors.Is].
var ErrAllFailed = errors.New("all replicas failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the per-entry breakers. Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Retryable decides whether an error moves on to the next entry. Errors
	// for which it returns false are returned immediately. Default: every
	// error except context cancellation and deadline expiry.
	Retryable func(error) bool
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// type. When the primary fails (or its circuit breaker is open), the next
// healthy entry is tried in registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries   []fallbackEntry[T]
	cfg       FallbackConfig
	retryable func(error) bool
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, retryable: cfg.Retryable}
	if fg.retryable == nil {
		fg.retryable = defaultRetryable
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry. Entries are tried in the order they are added.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len reports the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// All iterates over the entries in order, yielding name and value.
func (fg *FallbackGroup[T]) All() iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		for _, e := range fg.entries {
			if !yield(e.name, e.value) {
				return
			}
		}
	}
}

// States returns the breaker state of every entry keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		result, err := Do(entry.breaker, func() (R, error) { return fn(entry.value) })
		if err == nil {
			return result, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping replica (circuit open)", "replica", entry.name)
		case !fg.retryable(err):
			return zero, err
		default:
			slog.Warn("replica failed, trying next", "replica", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
