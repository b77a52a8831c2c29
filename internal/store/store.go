// Package store persists pool containers and sessions. Two backends ship: a
// GORM-backed SQL store (PostgreSQL for long-lived deployments, pure-Go
// SQLite for embedded use) and a single-file bbolt store for hosts that
// should not carry a SQL dependency at all.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codepod/pkg/models"
)

// ErrNotFound reports a lookup or update against a row that does not exist.
var ErrNotFound = errors.New("record not found")

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Store is the persistence surface the pool, session, and reconciliation
// layers share. Implementations must be safe for concurrent use; the
// serialization of pool state transitions is the pool's job, not the
// store's.
type Store interface {
	// CreateContainer inserts a new container row.
	CreateContainer(ctx context.Context, c *models.Container) error

	// GetContainer returns the row for id, or ErrNotFound.
	GetContainer(ctx context.Context, id string) (*models.Container, error)

	// ListContainers returns every container row, oldest first.
	ListContainers(ctx context.Context) ([]models.Container, error)

	// FirstContainerByStatus returns the oldest row with the given status,
	// or (nil, nil) when there is none.
	FirstContainerByStatus(ctx context.Context, status models.ContainerStatus) (*models.Container, error)

	// CountContainersByStatus returns row counts keyed by status. Absent
	// statuses are simply missing from the map.
	CountContainersByStatus(ctx context.Context) (map[models.ContainerStatus]int64, error)

	// UpdateContainerStatus moves the row to the given pool status.
	UpdateContainerStatus(ctx context.Context, id string, status models.ContainerStatus) error

	// SetContainerEngineState updates the mirrored engine state string.
	SetContainerEngineState(ctx context.Context, id, engineState string) error

	// ReplaceContainer atomically deletes the row oldID and inserts c. The
	// warm sequence uses it to swap a placeholder for the real container.
	ReplaceContainer(ctx context.Context, oldID string, c *models.Container) error

	// DeleteContainer removes the row. Missing rows are not an error.
	DeleteContainer(ctx context.Context, id string) error

	// CreateSession inserts a new session row and fills its ID.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSession returns the row for id, or ErrNotFound.
	GetSession(ctx context.Context, id uint) (*models.Session, error)

	// ListSessions returns sessions with the given status, or all of them
	// when status is empty, ordered by id.
	ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error)

	// ActiveSessionsByContainer returns the active sessions bound to the
	// container.
	ActiveSessionsByContainer(ctx context.Context, containerID string) ([]models.Session, error)

	// CountSessions counts sessions with the given status, or all of them
	// when status is empty.
	CountSessions(ctx context.Context, status models.SessionStatus) (int64, error)

	// RenameSession sets the session name.
	RenameSession(ctx context.Context, id uint, name string) error

	// TouchSession sets the session's last-activity time.
	TouchSession(ctx context.Context, id uint, at time.Time) error

	// IncrementSessionCommands bumps the command counter and the
	// last-activity time in one write.
	IncrementSessionCommands(ctx context.Context, id uint, at time.Time) error

	// SetSessionExecuting flips the single-flight execution latch.
	SetSessionExecuting(ctx context.Context, id uint, executing bool) error

	// MarkSessionDestroyed moves the session to destroyed, detaches its
	// container, and clears the execution latch.
	MarkSessionDestroyed(ctx context.Context, id uint) error

	// ResetExecutingSessions clears the execution latch on every active
	// session and reports how many it touched.
	ResetExecutingSessions(ctx context.Context) (int64, error)

	Close() error
}

// Open connects the named backend. For sqlite the DSN is a file path or
// ":memory:"; for postgres a keyword/value or URL DSN; for bolt a file path.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	case DriverBolt:
		return NewBolt(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
