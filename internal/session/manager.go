// Package session owns the caller-visible session lifecycle: creation with
// validation and container acquisition, lookup, idempotent destruction,
// activity bookkeeping, and the inactivity sweeper.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"codepod/internal/engine"
	"codepod/internal/logging"
	"codepod/internal/metrics"
	"codepod/internal/store"
	"codepod/pkg/models"
)

var (
	// ErrSessionNotFound reports an operation against a session that does
	// not exist or is no longer active.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTimeoutExceedsLimit reports a requested timeout above the
	// configured ceiling.
	ErrTimeoutExceedsLimit = errors.New("timeout exceeds configured limit")

	// ErrInvalidArgument reports a request that failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMaxContainersReached reports a create against a saturated pool.
	ErrMaxContainersReached = errors.New("max containers reached")
)

// markerFile is dropped into a fresh session's workdir so a human inspecting
// the container can tell which session owns it.
const markerFile = ".codepod-session"

// ContainerPool is the slice of the pool the session layer consumes.
type ContainerPool interface {
	Acquire(ctx context.Context, limits models.ResourceLimits, network models.NetworkMode) (*models.Container, error)
	Release(ctx context.Context, id string) error
}

// Config is the session-facing slice of the library configuration.
type Config struct {
	DefaultLimits  models.ResourceLimits
	MaxLimits      models.ResourceLimits
	DefaultNetwork models.NetworkMode

	// DefaultTimeout is the inactivity budget for sessions without an
	// override; MaxTimeout caps per-session overrides.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	Workdir string

	// WindowsContainers disables the marker-file upload, which Windows
	// container images do not reliably support.
	WindowsContainers bool
}

// CreateOptions are the caller-supplied fields of a new session.
type CreateOptions struct {
	Name           string
	TimeoutSeconds *int
	Limits         *models.ResourceLimits
	Network        models.NetworkMode
}

// Manager runs session lifecycle over the store and the pool.
type Manager struct {
	store store.Store
	pool  ContainerPool
	eng   engine.Engine
	cfg   Config
	log   *zap.Logger
	met   *metrics.Metrics
}

// NewManager wires a session manager.
func NewManager(st store.Store, p ContainerPool, eng engine.Engine, cfg Config) *Manager {
	return &Manager{
		store: st,
		pool:  p,
		eng:   eng,
		cfg:   cfg,
		log:   logging.L().Named("session"),
		met:   metrics.Get(),
	}
}

// Create validates the request, acquires a container, and inserts the
// session row. A saturated pool fails with ErrMaxContainersReached before
// any row is written; a failed insert releases the container again.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	if opts.TimeoutSeconds != nil {
		if *opts.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidArgument)
		}
		if time.Duration(*opts.TimeoutSeconds)*time.Second > m.cfg.MaxTimeout {
			return nil, fmt.Errorf("%w: %ds exceeds %s", ErrTimeoutExceedsLimit, *opts.TimeoutSeconds, m.cfg.MaxTimeout)
		}
	}

	limits := m.cfg.DefaultLimits
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	if !limits.Positive() {
		return nil, fmt.Errorf("%w: resource limits must be positive", ErrInvalidArgument)
	}
	if !limits.Within(m.cfg.MaxLimits) {
		return nil, fmt.Errorf("%w: resource limits exceed the configured maximum", ErrInvalidArgument)
	}

	network := opts.Network
	if network == "" {
		network = m.cfg.DefaultNetwork
	}
	switch network {
	case models.NetworkNone, models.NetworkBridge, models.NetworkHost:
	default:
		return nil, fmt.Errorf("%w: unknown network mode %q", ErrInvalidArgument, network)
	}

	c, err := m.pool.Acquire(ctx, limits, network)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrMaxContainersReached
	}

	s := &models.Session{
		Name:           opts.Name,
		Status:         models.SessionActive,
		LastActivityAt: time.Now().UTC(),
		TimeoutSeconds: opts.TimeoutSeconds,
		Limits:         limits,
		NetworkMode:    network,
		ContainerID:    &c.ID,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		if rerr := m.pool.Release(ctx, c.ID); rerr != nil {
			m.log.Warn("container release after failed insert",
				zap.String("container_id", c.ID), zap.Error(rerr))
		}
		return nil, err
	}

	if s.Name == "" {
		s.Name = s.DefaultName()
		if err := m.store.RenameSession(ctx, s.ID, s.Name); err != nil {
			m.log.Warn("session rename failed", zap.Uint("session_id", s.ID), zap.Error(err))
		}
	}

	m.uploadMarker(ctx, s, c.ID)

	m.met.SessionsCreated.Inc()
	m.log.Info("session created",
		zap.Uint("session_id", s.ID),
		zap.String("name", s.Name),
		zap.String("container_id", c.ID))
	return s, nil
}

// uploadMarker drops the session marker file into the workdir, best-effort.
func (m *Manager) uploadMarker(ctx context.Context, s *models.Session, containerID string) {
	if m.cfg.WindowsContainers {
		m.log.Info("skipping session marker upload for windows containers",
			zap.Uint("session_id", s.ID))
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"session_id": s.ID,
		"name":       s.Name,
		"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err == nil {
		err = m.eng.Upload(ctx, containerID, path.Join(m.cfg.Workdir, markerFile), payload)
	}
	if err != nil {
		m.log.Warn("session marker upload failed",
			zap.Uint("session_id", s.ID), zap.Error(err))
	}
}

// Get returns the session, or ErrSessionNotFound when it does not exist or
// is destroyed.
func (m *Manager) Get(ctx context.Context, id uint) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionActive {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// List returns the active sessions.
func (m *Manager) List(ctx context.Context) ([]models.Session, error) {
	return m.store.ListSessions(ctx, models.SessionActive)
}

// Destroy tears a session down. Destroying an already-destroyed session is
// a no-op; a session that never existed is ErrSessionNotFound.
func (m *Manager) Destroy(ctx context.Context, id uint) error {
	return m.destroy(ctx, id, "explicit")
}

func (m *Manager) destroy(ctx context.Context, id uint, reason string) error {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return err
	}
	if s.Status == models.SessionDestroyed {
		return nil
	}

	if err := m.store.MarkSessionDestroyed(ctx, id); err != nil {
		return err
	}
	m.met.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.log.Info("session destroyed",
		zap.Uint("session_id", id), zap.String("reason", reason))

	if s.ContainerID != nil {
		if err := m.pool.Release(ctx, *s.ContainerID); err != nil {
			return err
		}
	}
	return nil
}

// BumpActivity stamps the session's last-activity time.
func (m *Manager) BumpActivity(ctx context.Context, id uint) error {
	return m.wrapNotFound(id, m.store.TouchSession(ctx, id, time.Now().UTC()))
}

// IncrementCommandCount bumps the command counter and activity in one write.
func (m *Manager) IncrementCommandCount(ctx context.Context, id uint) error {
	return m.wrapNotFound(id, m.store.IncrementSessionCommands(ctx, id, time.Now().UTC()))
}

// SetExecuting latches the single-flight execution flag. Setting it also
// bumps activity so a long exec cannot expire its own session.
func (m *Manager) SetExecuting(ctx context.Context, id uint, executing bool) error {
	if err := m.wrapNotFound(id, m.store.SetSessionExecuting(ctx, id, executing)); err != nil {
		return err
	}
	if executing {
		return m.BumpActivity(ctx, id)
	}
	return nil
}

// OnContainerDeleted marks every active session bound to the container as
// destroyed. The container itself is already gone, so nothing is released;
// the reconciler calls this while holding the pool lock.
func (m *Manager) OnContainerDeleted(ctx context.Context, containerID string) (int, error) {
	sessions, err := m.store.ActiveSessionsByContainer(ctx, containerID)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := m.store.MarkSessionDestroyed(ctx, s.ID); err != nil {
			return 0, err
		}
		m.met.SessionsDestroyed.WithLabelValues("container_lost").Inc()
		m.log.Warn("session lost its container",
			zap.Uint("session_id", s.ID), zap.String("container_id", containerID))
	}
	return len(sessions), nil
}

// ResetExecuting clears the execution latch on every active session. An
// in-flight exec cannot outlive the embedding process, so at boot a set
// latch is stale by definition.
func (m *Manager) ResetExecuting(ctx context.Context) (int64, error) {
	return m.store.ResetExecutingSessions(ctx)
}

// CleanupExpired destroys every active session idle past its budget,
// skipping sessions mid-exec. It returns the destroy count; per-session
// failures are logged and do not stop the pass.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	sessions, err := m.store.ListSessions(ctx, models.SessionActive)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	destroyed := 0
	for i := range sessions {
		s := &sessions[i]
		if s.IsExecuting || !s.Expired(now, m.cfg.DefaultTimeout) {
			continue
		}
		if err := m.destroy(ctx, s.ID, "timeout"); err != nil {
			m.log.Warn("expired session destroy failed",
				zap.Uint("session_id", s.ID), zap.Error(err))
			continue
		}
		destroyed++
	}
	return destroyed, nil
}

func (m *Manager) wrapNotFound(id uint, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return err
}
