package codepod

import (
	"codepod/internal/engine"
	"codepod/internal/session"
)

// The sentinels below are the library's advertised failure modes. They are
// defined next to the code that raises them and re-exported here so an
// embedder only ever imports this package. Match with errors.Is; engine
// operation failures additionally carry an *OpError for errors.As.
var (
	ErrSessionNotFound      = session.ErrSessionNotFound
	ErrTimeoutExceedsLimit  = session.ErrTimeoutExceedsLimit
	ErrInvalidArgument      = session.ErrInvalidArgument
	ErrMaxContainersReached = session.ErrMaxContainersReached
	ErrContainerNotFound    = engine.ErrContainerNotFound
	ErrEngineUnreachable    = engine.ErrEngineUnreachable
)

// OpError is an engine operation failure with the operation name attached.
type OpError = engine.OpError
