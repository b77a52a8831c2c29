// Package codepod is an embeddable code-execution service over a
// Docker-compatible engine: a warm container pool, session lifecycle with
// inactivity timeouts, and a batch/streaming exec and file bridge into each
// session's container.
//
// A Pod is created with New, which pulls the image, reconciles the store
// against the engine, fills the warm pool, and starts the timeout sweeper.
// Everything the embedder touches goes through the Pod handle.
package codepod

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"codepod/internal/engine"
	"codepod/internal/logging"
	"codepod/internal/metrics"
	"codepod/internal/pool"
	"codepod/internal/reconcile"
	"codepod/internal/session"
	"codepod/internal/store"
)

// Pod is the embedded service handle.
type Pod struct {
	cfg      Config
	eng      engine.Engine
	st       store.Store
	pool     *pool.Manager
	sessions *session.Manager
	rec      *reconcile.Reconciler
	sweeper  *session.Sweeper
	log      *zap.Logger
	met      *metrics.Metrics

	ownEngine bool
	ownStore  bool
}

type options struct {
	eng engine.Engine
	st  store.Store
	log *zap.Logger
}

// Option customizes New.
type Option func(*options)

// WithEngine substitutes the container engine (test seam, alternative
// engines). The caller keeps ownership; Close will not close it.
func WithEngine(e engine.Engine) Option {
	return func(o *options) { o.eng = e }
}

// WithStore substitutes the store. The caller keeps ownership.
func WithStore(s store.Store) Option {
	return func(o *options) { o.st = s }
}

// WithLogger routes all library logging through l.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// New validates cfg, wires engine, store, pool, and sessions, then runs the
// boot sequence: ensure the image, reconcile store against engine, fill the
// warm pool, start the sweeper. A prewarm shortfall is logged, not fatal;
// everything else aborts New with whatever was opened closed again.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pod, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log != nil {
		logging.Replace(o.log)
	}

	p := &Pod{
		cfg: cfg,
		log: logging.L().Named("codepod"),
		met: metrics.Get(),
	}

	if o.eng != nil {
		p.eng = o.eng
	} else {
		eng, err := engine.NewDocker(ctx, cfg.engineConfig())
		if err != nil {
			return nil, err
		}
		p.eng = eng
		p.ownEngine = true
	}

	if o.st != nil {
		p.st = o.st
	} else {
		st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			p.closePartial()
			return nil, err
		}
		p.st = st
		p.ownStore = true
	}

	p.pool = pool.NewManager(p.st, p.eng, cfg.poolConfig())
	p.sessions = session.NewManager(p.st, p.pool, p.eng, cfg.sessionConfig())
	p.rec = reconcile.New(p.st, p.eng, p.pool, p.sessions)

	if err := p.eng.EnsureImage(ctx, cfg.Image); err != nil {
		p.pool.Close()
		p.closePartial()
		return nil, fmt.Errorf("ensure image %s: %w", cfg.Image, err)
	}
	if err := p.rec.Run(ctx); err != nil {
		p.pool.Close()
		p.closePartial()
		return nil, fmt.Errorf("boot reconcile: %w", err)
	}
	if err := p.pool.EnsurePrewarm(ctx); err != nil {
		p.log.Warn("prewarm incomplete at boot", zap.Error(err))
	}

	p.sweeper = session.NewSweeper(p.sessions, cfg.SweepInterval)
	p.sweeper.Start()

	p.log.Info("codepod ready",
		zap.String("image", cfg.Image),
		zap.Int("max_containers", cfg.MaxContainers),
		zap.Int("prewarm", cfg.PrewarmCount))
	return p, nil
}

// Close stops the sweeper and background pool work, then closes whatever New
// opened. Pool containers are left running for the next boot's reconciler to
// adopt; use DeleteAllContainers first for a full teardown.
func (p *Pod) Close() error {
	if p.sweeper != nil {
		p.sweeper.Stop()
	}
	if p.pool != nil {
		p.pool.Close()
	}
	return p.closePartial()
}

func (p *Pod) closePartial() error {
	var errs []error
	if p.ownStore && p.st != nil {
		errs = append(errs, p.st.Close())
	}
	if p.ownEngine && p.eng != nil {
		errs = append(errs, p.eng.Close())
	}
	return errors.Join(errs...)
}

// CreateSession validates opts, claims a container, and returns the new
// session. A saturated pool fails ErrMaxContainersReached.
func (p *Pod) CreateSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	return p.sessions.Create(ctx, session.CreateOptions{
		Name:           opts.Name,
		TimeoutSeconds: opts.TimeoutSeconds,
		Limits:         opts.Limits,
		Network:        opts.Network,
	})
}

// GetSession returns an active session by id.
func (p *Pod) GetSession(ctx context.Context, id uint) (*Session, error) {
	return p.sessions.Get(ctx, id)
}

// ListSessions returns all active sessions.
func (p *Pod) ListSessions(ctx context.Context) ([]Session, error) {
	return p.sessions.List(ctx)
}

// DestroySession tears a session down, releasing its container. Destroying
// twice is a no-op.
func (p *Pod) DestroySession(ctx context.Context, id uint) error {
	return p.sessions.Destroy(ctx, id)
}

// CleanupExpired runs one manual sweep and returns the destroy count.
func (p *Pod) CleanupExpired(ctx context.Context) (int, error) {
	return p.sessions.CleanupExpired(ctx)
}

// Reconcile runs an on-demand reconciliation pass.
func (p *Pod) Reconcile(ctx context.Context) error {
	return p.rec.Run(ctx)
}

// CreateContainer warms one extra idle container outside the prewarm target.
func (p *Pod) CreateContainer(ctx context.Context) (*Container, error) {
	c, err := p.pool.CreateManual(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrMaxContainersReached
	}
	return c, nil
}

// ForceDeleteContainer removes one container, destroying any sessions bound
// to it first.
func (p *Pod) ForceDeleteContainer(ctx context.Context, id string) error {
	if _, err := p.sessions.OnContainerDeleted(ctx, id); err != nil {
		return err
	}
	return p.pool.Release(ctx, id)
}

// DeleteAllContainers destroys every session and removes every pool
// container.
func (p *Pod) DeleteAllContainers(ctx context.Context) error {
	rows, err := p.pool.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		if _, err := p.sessions.OnContainerDeleted(ctx, rows[i].ID); err != nil {
			return err
		}
	}
	return p.pool.DeleteAll(ctx)
}

// ListContainers returns every pool container row.
func (p *Pod) ListContainers(ctx context.Context) ([]Container, error) {
	return p.pool.ListAll(ctx)
}

// PoolStatus returns a point-in-time pool snapshot.
func (p *Pod) PoolStatus(ctx context.Context) (PoolStatus, error) {
	return p.pool.Status(ctx)
}

// Notifications returns the pool status channel. Single subscriber;
// snapshots coalesce under load, always keeping the newest.
func (p *Pod) Notifications() <-chan PoolStatus {
	return p.pool.Notifications()
}
