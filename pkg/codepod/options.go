package codepod

import (
	"time"

	"codepod/internal/engine"
	"codepod/internal/pool"
	"codepod/pkg/models"
)

// Re-exported domain types, so embedders import only this package.
type (
	Session        = models.Session
	Container      = models.Container
	ResourceLimits = models.ResourceLimits
	NetworkMode    = models.NetworkMode

	StreamEvent     = engine.StreamEvent
	StreamEventKind = engine.StreamEventKind
	FileEntry       = engine.FileEntry
	Usage           = engine.Usage

	PoolStatus = pool.Status
)

const (
	NetworkNone   = models.NetworkNone
	NetworkBridge = models.NetworkBridge
	NetworkHost   = models.NetworkHost

	StreamStdout = engine.StreamStdout
	StreamStderr = engine.StreamStderr
	StreamExit   = engine.StreamExit
)

// SessionOptions are the caller-supplied fields of CreateSession. Zero
// values select the configured defaults.
type SessionOptions struct {
	Name           string
	TimeoutSeconds *int
	Limits         *ResourceLimits
	Network        NetworkMode
}

// Command is one exec payload: either a shell line, wrapped in the platform
// shell, or an argv list passed to the engine verbatim.
type Command struct {
	shell string
	argv  []string
}

// Shell builds a Command run through the container's shell.
func Shell(cmd string) Command { return Command{shell: cmd} }

// Argv builds a Command executed directly, without shell interpretation.
func Argv(argv ...string) Command { return Command{argv: argv} }

// ExecOptions tune one exec. The zero value runs in the configured workdir
// under the configured command timeout.
type ExecOptions struct {
	// Cwd is the working directory; empty selects the configured workdir.
	Cwd string
	// Timeout bounds the command. Zero selects the configured ceiling;
	// values above the ceiling fail ErrTimeoutExceedsLimit.
	Timeout time.Duration
}

// Result is the outcome of one batch exec after output truncation.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Elapsed   time.Duration `json:"-"`
	Truncated bool          `json:"is_truncated"`
}
