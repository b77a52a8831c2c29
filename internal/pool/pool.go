// Package pool owns the warm-container pool: cap accounting, the warm
// sequence, acquisition and release, and the status notifications embedders
// subscribe to. One mutex serializes store-state transitions; engine I/O
// always runs outside it.
package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codepod/internal/engine"
	"codepod/internal/logging"
	"codepod/internal/metrics"
	"codepod/internal/store"
	"codepod/pkg/models"
)

// warmingPrefix marks the synthetic row id that holds a pool slot while a
// container create is in flight.
const warmingPrefix = "warming-"

// Config is the pool-facing slice of the library configuration.
type Config struct {
	Image          string
	Workdir        string
	LabelPrefix    string
	MaxContainers  int
	PrewarmCount   int
	DefaultLimits  models.ResourceLimits
	DefaultNetwork models.NetworkMode

	// WarmPoll is the inspect interval while waiting for a fresh container
	// to reach running; WarmTimeout bounds that wait. ProbeTimeout bounds
	// the readiness probe.
	WarmPoll     time.Duration
	WarmTimeout  time.Duration
	ProbeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.WarmPoll <= 0 {
		c.WarmPoll = 500 * time.Millisecond
	}
	if c.WarmTimeout <= 0 {
		c.WarmTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
}

// Status is a point-in-time pool snapshot.
type Status struct {
	MaxContainers  int   `json:"max_containers"`
	Idle           int64 `json:"idle"`
	Busy           int64 `json:"busy"`
	Warming        int64 `json:"warming"`
	Destroying     int64 `json:"destroying"`
	ActiveSessions int64 `json:"active_sessions"`
}

// Manager runs the pool.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	eng   engine.Engine
	cfg   Config
	log   *zap.Logger
	met   *metrics.Metrics

	notifyCh chan Status

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a pool over the given store and engine.
func NewManager(st store.Store, eng engine.Engine, cfg Config) *Manager {
	cfg.applyDefaults()
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		eng:      eng,
		cfg:      cfg,
		log:      logging.L().Named("pool"),
		met:      metrics.Get(),
		notifyCh: make(chan Status, 1),
		bgCtx:    bgCtx,
		cancel:   cancel,
	}
}

// Close cancels background prewarm work and waits for it to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Acquire hands one Busy container to a session. When limits and network
// match the pool defaults the oldest Idle container is claimed; otherwise a
// dedicated container is created through the warm sequence. A nil container
// with a nil error means the pool is at capacity.
func (m *Manager) Acquire(ctx context.Context, limits models.ResourceLimits, network models.NetworkMode) (*models.Container, error) {
	defaultsMatch := limits == m.cfg.DefaultLimits && network == m.cfg.DefaultNetwork

	m.mu.Lock()
	if defaultsMatch {
		idle, err := m.store.FirstContainerByStatus(ctx, models.ContainerIdle)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if idle != nil {
			if err := m.store.UpdateContainerStatus(ctx, idle.ID, models.ContainerBusy); err != nil {
				m.mu.Unlock()
				return nil, err
			}
			idle.Status = models.ContainerBusy
			m.mu.Unlock()

			m.met.AcquiresTotal.WithLabelValues("idle").Inc()
			m.TryPrewarmOne()
			return idle, nil
		}
	}

	counts, err := m.store.CountContainersByStatus(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if capUsed(counts) >= int64(m.cfg.MaxContainers) {
		m.mu.Unlock()
		m.met.AcquiresTotal.WithLabelValues("saturated").Inc()
		return nil, nil
	}

	placeholderID, err := m.insertPlaceholderLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := m.warmOne(ctx, placeholderID, limits, network, models.ContainerBusy)
	if err != nil {
		return nil, err
	}
	m.met.AcquiresTotal.WithLabelValues("created").Inc()
	m.TryPrewarmOne()
	return c, nil
}

// Release destroys a session's container and frees its pool slot. The row
// moves to Destroying first so the slot frees immediately; if the engine
// delete fails the row stays Destroying for reconciliation to finish.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	err := m.store.UpdateContainerStatus(ctx, id, models.ContainerDestroying)
	m.mu.Unlock()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.eng.Delete(ctx, id); err != nil {
		m.log.Warn("container delete failed, row left for reconciliation",
			zap.String("container_id", id), zap.Error(err))
		return err
	}

	m.mu.Lock()
	err = m.store.DeleteContainer(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.notifyStatus(ctx)
	m.TryPrewarmOne()
	return nil
}

// CreateManual creates one Idle container through the warm sequence,
// respecting the cap. Nil with nil error means the pool is full.
func (m *Manager) CreateManual(ctx context.Context) (*models.Container, error) {
	m.mu.Lock()
	counts, err := m.store.CountContainersByStatus(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if capUsed(counts) >= int64(m.cfg.MaxContainers) {
		m.mu.Unlock()
		return nil, nil
	}
	placeholderID, err := m.insertPlaceholderLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := m.warmOne(ctx, placeholderID, m.cfg.DefaultLimits, m.cfg.DefaultNetwork, models.ContainerIdle)
	if err != nil {
		return nil, err
	}
	m.notifyStatus(ctx)
	return c, nil
}

// DeleteAll tears down every pool container. Engine failures are logged and
// skipped; the rows are removed regardless so a fresh boot reconciles clean.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	all, err := m.store.ListContainers(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, c := range all {
		if err := m.store.UpdateContainerStatus(ctx, c.ID, models.ContainerDestroying); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, c := range all {
		id := c.ID
		g.Go(func() error {
			if err := m.eng.Delete(gctx, id); err != nil {
				m.log.Warn("container delete failed",
					zap.String("container_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for _, c := range all {
		if err := m.store.DeleteContainer(ctx, c.ID); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	m.notifyStatus(ctx)
	return nil
}

// ListAll returns every pool container row, oldest first.
func (m *Manager) ListAll(ctx context.Context) ([]models.Container, error) {
	return m.store.ListContainers(ctx)
}

// Status snapshots the pool and refreshes the gauges.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	counts, err := m.store.CountContainersByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	sessions, err := m.store.CountSessions(ctx, models.SessionActive)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		MaxContainers:  m.cfg.MaxContainers,
		Idle:           counts[models.ContainerIdle],
		Busy:           counts[models.ContainerBusy],
		Warming:        counts[models.ContainerWarming],
		Destroying:     counts[models.ContainerDestroying],
		ActiveSessions: sessions,
	}
	m.met.SetPoolCounts(st.Idle, st.Busy, st.Warming, st.Destroying, st.ActiveSessions)
	return st, nil
}

// Notifications returns the status channel. It has a single slot: when the
// subscriber lags, newer snapshots overwrite older ones.
func (m *Manager) Notifications() <-chan Status {
	return m.notifyCh
}

// RunExclusive runs fn under the pool mutex. The reconciler uses it so no
// acquire or release interleaves with a repair pass.
func (m *Manager) RunExclusive(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx)
}

func (m *Manager) notifyStatus(ctx context.Context) {
	st, err := m.Status(ctx)
	if err != nil {
		m.log.Debug("status snapshot failed", zap.Error(err))
		return
	}
	select {
	case m.notifyCh <- st:
	default:
		select {
		case <-m.notifyCh:
		default:
		}
		select {
		case m.notifyCh <- st:
		default:
		}
	}
}

// insertPlaceholderLocked reserves one pool slot with a synthetic Warming
// row. Callers hold the mutex.
func (m *Manager) insertPlaceholderLocked(ctx context.Context) (string, error) {
	suffix := uuid.NewString()
	row := &models.Container{
		ID:        warmingPrefix + suffix,
		Name:      engine.ContainerName(m.cfg.LabelPrefix, suffix),
		Image:     m.cfg.Image,
		Status:    models.ContainerWarming,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateContainer(ctx, row); err != nil {
		return "", err
	}
	return row.ID, nil
}

func capUsed(counts map[models.ContainerStatus]int64) int64 {
	return counts[models.ContainerIdle] + counts[models.ContainerBusy] + counts[models.ContainerWarming]
}

func placeholderSuffix(placeholderID string) string {
	return strings.TrimPrefix(placeholderID, warmingPrefix)
}
