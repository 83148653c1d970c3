// ABOUTME: Error taxonomy shared by every transport on top of the broker
// ABOUTME: Sentinel errors plus a stable wire kind for each of them

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/XmasRock/multi-agent-conversational-system/internal/registry"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnavailable   = errors.New("unavailable")
	ErrInternal      = errors.New("internal error")
)

// Kind is the machine-readable error category sent to clients.
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidFilter Kind = "invalid_filter"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		return KindInvalidFilter
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func invalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// translate maps store and registry failures onto the taxonomy. Internal
// details are logged by the caller and never returned.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	default:
		return fmt.Errorf("%s: %w", op, ErrInternal)
	}
}
