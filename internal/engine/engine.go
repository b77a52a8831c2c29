// Package engine wraps the container engine behind the narrow, typed surface
// the pool, session, and reconciliation layers consume. The Docker
// implementation talks to the daemon through the official SDK; everything
// above this package sees only the operations below plus the adapter error
// taxonomy in errors.go.
package engine

import (
	"context"
	"time"

	"codepod/pkg/models"
)

// CreateSpec describes one container the pool wants created.
type CreateSpec struct {
	Name    string
	Image   string
	Workdir string
	Limits  models.ResourceLimits
	Network models.NetworkMode
	Labels  map[string]string
}

// ExecResult is the outcome of one batch exec. Output is captured in full;
// truncation is the caller's concern.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Elapsed  time.Duration
}

// StreamEventKind tags one event of a streaming exec.
type StreamEventKind string

const (
	StreamStdout StreamEventKind = "stdout"
	StreamStderr StreamEventKind = "stderr"
	StreamExit   StreamEventKind = "exit"
)

// StreamEvent is one element of a streaming exec. Data is set for stdout and
// stderr events; ExitCode and Elapsed only for the single terminal exit
// event.
type StreamEvent struct {
	Kind     StreamEventKind
	Data     []byte
	ExitCode int
	Elapsed  time.Duration
}

// FileEntry describes one member of a directory listing, named relative to
// the listed path.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"last_modified"`
}

// Usage is a single-shot resource usage snapshot.
type Usage struct {
	CPUTotalNanos   uint64 `json:"cpu_total_nanos"`
	MemoryBytes     uint64 `json:"memory_bytes"`
	MemoryPeakBytes uint64 `json:"memory_peak_bytes"`
	RxBytes         uint64 `json:"rx_bytes"`
	TxBytes         uint64 `json:"tx_bytes"`
}

// Engine is the container engine surface the core builds on.
type Engine interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// EnsureImage pulls the image if the engine does not already have it.
	// Pull progress is discarded.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates and starts a container per spec, prepares its
	// working directory (and an artifacts subdirectory), and returns the
	// container record with the spec labels echoed back. Status is left for
	// the caller to assign.
	CreateContainer(ctx context.Context, spec CreateSpec) (*models.Container, error)

	// ListManaged returns every container carrying the managed label,
	// whatever its engine state.
	ListManaged(ctx context.Context) ([]models.Container, error)

	// Inspect returns the container, or (nil, nil) when the engine does not
	// know the id.
	Inspect(ctx context.Context, id string) (*models.Container, error)

	// Delete stops the container with a short grace period and force-removes
	// it. Missing containers are not an error.
	Delete(ctx context.Context, id string) error

	// Exec runs argv inside the container and captures both streams to
	// completion or deadline. A deadline expiry yields the partial result,
	// not an error; caller cancellation propagates.
	Exec(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (*ExecResult, error)

	// ExecStream runs argv and emits stdout/stderr frames as they arrive,
	// terminated by exactly one exit event, after which the channel closes.
	ExecStream(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (<-chan StreamEvent, error)

	// Upload writes data to path inside the container, overwriting.
	Upload(ctx context.Context, id, path string, data []byte) error

	// List returns the entries under path, excluding path itself.
	List(ctx context.Context, id, path string) ([]FileEntry, error)

	// Download returns the bytes of the file at path. Directories are
	// rejected with ErrIsDirectory.
	Download(ctx context.Context, id, path string) ([]byte, error)

	// Stats returns a one-shot usage snapshot.
	Stats(ctx context.Context, id string) (*Usage, error)

	// ShellWrap converts a shell command string into the platform argv; argv
	// commands bypass it and reach the engine as discrete tokens.
	ShellWrap(cmd string) []string

	// RemoveFileCmd returns the platform argv that deletes a single file.
	RemoveFileCmd(path string) []string

	Close() error
}
