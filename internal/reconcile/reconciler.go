// Package reconcile realigns the engine, the container table, and the
// session table after a restart. The store is a cache of engine reality:
// whenever the two disagree, the engine wins and the rows are repaired.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codepod/internal/engine"
	"codepod/internal/logging"
	"codepod/internal/metrics"
	"codepod/internal/store"
	"codepod/pkg/models"
)

// Sessions is the slice of the session manager the reconciler consumes.
type Sessions interface {
	OnContainerDeleted(ctx context.Context, containerID string) (int, error)
	ResetExecuting(ctx context.Context) (int64, error)
}

// Exclusive serializes a pass against every other pool mutation.
type Exclusive interface {
	RunExclusive(ctx context.Context, fn func(context.Context) error) error
}

// Reconciler runs engine/store reconciliation passes.
type Reconciler struct {
	store    store.Store
	eng      engine.Engine
	pool     Exclusive
	sessions Sessions
	log      *zap.Logger
	met      *metrics.Metrics
}

// New wires a reconciler.
func New(st store.Store, eng engine.Engine, p Exclusive, s Sessions) *Reconciler {
	return &Reconciler{
		store:    st,
		eng:      eng,
		pool:     p,
		sessions: s,
		log:      logging.L().Named("reconcile"),
		met:      metrics.Get(),
	}
}

// Run executes one pass under the pool lock. It runs at boot, after the
// image pull, and may be invoked again at any time.
func (r *Reconciler) Run(ctx context.Context) error {
	return r.pool.RunExclusive(ctx, r.pass)
}

func (r *Reconciler) pass(ctx context.Context) error {
	start := time.Now()

	engineConts, err := r.eng.ListManaged(ctx)
	if err != nil {
		return err
	}
	rows, err := r.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	active, err := r.store.ListSessions(ctx, models.SessionActive)
	if err != nil {
		return err
	}

	engineByID := make(map[string]*models.Container, len(engineConts))
	for i := range engineConts {
		engineByID[engineConts[i].ID] = &engineConts[i]
	}
	rowByID := make(map[string]*models.Container, len(rows))
	for i := range rows {
		rowByID[rows[i].ID] = &rows[i]
	}

	// A container is busy when an active session holds it.
	busy := make(map[string]bool, len(active))
	for i := range active {
		if active[i].ContainerID != nil {
			busy[*active[i].ContainerID] = true
		}
	}

	// Rows the engine knows nothing about. Warming placeholders never have
	// an engine id, so an interrupted warm lands here too.
	for id, row := range rowByID {
		if _, ok := engineByID[id]; ok {
			continue
		}
		if _, err := r.sessions.OnContainerDeleted(ctx, id); err != nil {
			return err
		}
		if err := r.store.DeleteContainer(ctx, id); err != nil {
			return err
		}
		switch row.Status {
		case models.ContainerWarming, models.ContainerDestroying:
			r.fixup("stale_placeholder")
		default:
			r.fixup("row_without_container")
		}
		r.log.Warn("dropped row without engine container",
			zap.String("container_id", id), zap.String("status", string(row.Status)))
	}

	// Containers the store knows nothing about: adopt the running ones,
	// remove the dead ones.
	for id, ec := range engineByID {
		if _, ok := rowByID[id]; ok {
			continue
		}
		if ec.Running() {
			adopted := *ec
			adopted.Status = models.ContainerIdle
			if busy[id] {
				adopted.Status = models.ContainerBusy
			}
			if err := r.store.CreateContainer(ctx, &adopted); err != nil {
				return err
			}
			r.fixup("adopted")
			r.log.Info("adopted engine container",
				zap.String("container_id", id), zap.String("status", string(adopted.Status)))
		} else {
			if err := r.eng.Delete(ctx, id); err != nil {
				r.log.Warn("delete of dead container failed",
					zap.String("container_id", id), zap.Error(err))
			}
			r.fixup("removed_dead")
		}
	}

	// Ids known to both sides.
	for id, row := range rowByID {
		ec, ok := engineByID[id]
		if !ok {
			continue
		}
		if !ec.Running() {
			if _, err := r.sessions.OnContainerDeleted(ctx, id); err != nil {
				return err
			}
			if err := r.store.DeleteContainer(ctx, id); err != nil {
				return err
			}
			if err := r.eng.Delete(ctx, id); err != nil {
				r.log.Warn("delete of dead container failed",
					zap.String("container_id", id), zap.Error(err))
			}
			r.fixup("removed_dead")
			continue
		}

		// Warming and Destroying never survive a pass: the process that
		// was mid-transition is gone.
		expected := models.ContainerIdle
		if busy[id] {
			expected = models.ContainerBusy
		}
		if row.Status != expected {
			if err := r.store.UpdateContainerStatus(ctx, id, expected); err != nil {
				return err
			}
			r.fixup("status_corrected")
			r.log.Info("corrected container status",
				zap.String("container_id", id),
				zap.String("from", string(row.Status)),
				zap.String("to", string(expected)))
		}
	}

	// Active sessions pointing at containers the engine no longer has.
	for i := range active {
		s := &active[i]
		if s.ContainerID == nil {
			continue
		}
		if _, ok := engineByID[*s.ContainerID]; ok {
			continue
		}
		n, err := r.sessions.OnContainerDeleted(ctx, *s.ContainerID)
		if err != nil {
			return err
		}
		if n > 0 {
			r.fixup("session_orphaned")
		}
	}

	// An in-flight exec cannot have survived the restart.
	reset, err := r.sessions.ResetExecuting(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		r.met.ReconcileFixups.WithLabelValues("executing_reset").Add(float64(reset))
		r.log.Info("cleared stale execution latches", zap.Int64("count", reset))
	}

	r.met.ReconcileRuns.Inc()
	r.log.Info("reconciliation pass complete",
		zap.Int("engine_containers", len(engineConts)),
		zap.Int("store_rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Reconciler) fixup(kind string) {
	r.met.ReconcileFixups.WithLabelValues(kind).Inc()
}
