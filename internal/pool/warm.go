package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codepod/internal/engine"
	"codepod/pkg/models"
)

// EnsurePrewarm tops the pool up to the prewarm target without exceeding the
// cap. Placeholders are reserved under the lock in one pass, then warmed
// concurrently.
func (m *Manager) EnsurePrewarm(ctx context.Context) error {
	placeholders, err := m.reservePlaceholders(ctx)
	if err != nil {
		return err
	}
	if len(placeholders) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range placeholders {
		placeholderID := id
		g.Go(func() error {
			_, err := m.warmOne(gctx, placeholderID, m.cfg.DefaultLimits, m.cfg.DefaultNetwork, models.ContainerIdle)
			return err
		})
	}
	err = g.Wait()
	m.notifyStatus(ctx)
	return err
}

// TryPrewarmOne fires one background top-up warm on the pool's own context.
// Callers fire it after claiming or releasing a container and never wait on
// it.
func (m *Manager) TryPrewarmOne() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.prewarmOne(m.bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("background prewarm failed", zap.Error(err))
		}
	}()
}

// prewarmOne warms at most one Idle container. Unlike the bulk EnsurePrewarm
// formula it counts in-flight warms toward the target, so racing top-ups
// cannot overshoot it.
func (m *Manager) prewarmOne(ctx context.Context) error {
	m.mu.Lock()
	counts, err := m.store.CountContainersByStatus(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	pending := counts[models.ContainerIdle] + counts[models.ContainerWarming]
	if pending >= int64(m.cfg.PrewarmCount) || capUsed(counts) >= int64(m.cfg.MaxContainers) {
		m.mu.Unlock()
		return nil
	}
	placeholderID, err := m.insertPlaceholderLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := m.warmOne(ctx, placeholderID, m.cfg.DefaultLimits, m.cfg.DefaultNetwork, models.ContainerIdle); err != nil {
		return err
	}
	m.notifyStatus(ctx)
	return nil
}

// reservePlaceholders computes the prewarm deficit and inserts that many
// Warming rows under the lock, so concurrent calls cannot oversubscribe the
// cap.
func (m *Manager) reservePlaceholders(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts, err := m.store.CountContainersByStatus(ctx)
	if err != nil {
		return nil, err
	}

	want := int64(m.cfg.PrewarmCount) - counts[models.ContainerIdle]
	if want < 0 {
		want = 0
	}
	room := int64(m.cfg.MaxContainers) - capUsed(counts)
	if room < 0 {
		room = 0
	}
	if want > room {
		want = room
	}

	ids := make([]string, 0, want)
	for i := int64(0); i < want; i++ {
		id, err := m.insertPlaceholderLocked(ctx)
		if err != nil {
			for _, prev := range ids {
				_ = m.store.DeleteContainer(ctx, prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// warmOne runs the warm sequence against one reserved placeholder: engine
// create, poll to running, readiness probe, then the placeholder row is
// swapped for the real container at the final status. Any failure rolls the
// slot back.
func (m *Manager) warmOne(ctx context.Context, placeholderID string, limits models.ResourceLimits, network models.NetworkMode, final models.ContainerStatus) (*models.Container, error) {
	start := time.Now()
	suffix := placeholderSuffix(placeholderID)

	spec := engine.CreateSpec{
		Name:    engine.ContainerName(m.cfg.LabelPrefix, suffix),
		Image:   m.cfg.Image,
		Workdir: m.cfg.Workdir,
		Limits:  limits,
		Network: network,
		Labels:  engine.Labels(m.cfg.LabelPrefix, limits, network, start),
	}

	c, err := m.eng.CreateContainer(ctx, spec)
	if err != nil {
		m.rollbackWarm(placeholderID, "")
		m.met.PrewarmsTotal.WithLabelValues(warmResult(err)).Inc()
		return nil, err
	}

	if err := m.awaitRunning(ctx, c); err != nil {
		m.rollbackWarm(placeholderID, c.ID)
		m.met.PrewarmsTotal.WithLabelValues(warmResult(err)).Inc()
		return nil, err
	}

	probe, err := m.eng.Exec(ctx, c.ID, m.eng.ShellWrap("echo ready"), "", m.cfg.ProbeTimeout)
	if err == nil && probe.ExitCode != 0 {
		err = fmt.Errorf("readiness probe exited %d: %s", probe.ExitCode, probe.Stderr)
	}
	if err != nil {
		m.rollbackWarm(placeholderID, c.ID)
		m.met.PrewarmsTotal.WithLabelValues(warmResult(err)).Inc()
		return nil, err
	}

	c.Status = final
	m.mu.Lock()
	err = m.store.ReplaceContainer(ctx, placeholderID, c)
	m.mu.Unlock()
	if err != nil {
		m.rollbackWarm(placeholderID, c.ID)
		m.met.PrewarmsTotal.WithLabelValues(warmResult(err)).Inc()
		return nil, err
	}

	m.met.PrewarmsTotal.WithLabelValues("ok").Inc()
	m.met.WarmDuration.Observe(time.Since(start).Seconds())
	m.log.Info("container warmed",
		zap.String("container_id", c.ID),
		zap.String("status", string(final)),
		zap.Duration("took", time.Since(start)))
	return c, nil
}

// awaitRunning polls the engine until the container reports running, then
// copies the observed state onto c.
func (m *Manager) awaitRunning(ctx context.Context, c *models.Container) error {
	deadline := time.Now().Add(m.cfg.WarmTimeout)
	for {
		info, err := m.eng.Inspect(ctx, c.ID)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("container %s disappeared during warm-up", c.ID)
		}
		if info.Running() {
			c.DockerStatus = info.DockerStatus
			c.StartedAt = info.StartedAt
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not running after %s (status %q)", c.ID, m.cfg.WarmTimeout, info.DockerStatus)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.WarmPoll):
		}
	}
}

// rollbackWarm frees a failed warm's slot: the placeholder row goes, and the
// engine container, if one was created, is best-effort deleted. It runs on
// its own context so a cancelled warm still cleans up.
func (m *Manager) rollbackWarm(placeholderID, engineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	err := m.store.DeleteContainer(ctx, placeholderID)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("placeholder cleanup failed",
			zap.String("container_id", placeholderID), zap.Error(err))
	}

	if engineID != "" {
		if err := m.eng.Delete(ctx, engineID); err != nil {
			m.log.Warn("warm rollback delete failed",
				zap.String("container_id", engineID), zap.Error(err))
		}
	}
}

func warmResult(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "failed"
}
