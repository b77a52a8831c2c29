package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"codepod/internal/metrics"
)

var (
	// ErrContainerNotFound reports a lookup against a container the engine
	// does not know.
	ErrContainerNotFound = errors.New("container not found")

	// ErrEngineUnreachable reports a transport failure against the engine.
	ErrEngineUnreachable = errors.New("engine unreachable")

	// ErrIsDirectory reports a download whose path resolved to a directory.
	ErrIsDirectory = errors.New("path is a directory")
)

// OpError wraps a non-fatal engine failure with the operation that produced
// it. Match with errors.As; the cause is available via Unwrap.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// wrapErr maps a raw SDK error into the adapter taxonomy. Cancellation
// passes through untouched so callers can match context errors directly.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, ErrContainerNotFound)
	case client.IsErrConnectionFailed(err):
		metrics.Get().EngineErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("%s: %w", op, ErrEngineUnreachable)
	default:
		metrics.Get().EngineErrors.WithLabelValues(op).Inc()
		return &OpError{Op: op, Err: err}
	}
}
