package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepod/internal/engine/enginetest"
	"codepod/internal/store"
	"codepod/pkg/models"
)

var testLimits = models.ResourceLimits{MemoryBytes: 512 * 1024 * 1024, CPUCores: 1, MaxProcesses: 256}

func newTestPool(t *testing.T, cfg Config) (*Manager, *enginetest.Fake, store.Store) {
	t.Helper()

	st, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fake := enginetest.New()

	if cfg.Image == "" {
		cfg.Image = "python:3.11-slim"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = "codepod"
	}
	if cfg.DefaultLimits == (models.ResourceLimits{}) {
		cfg.DefaultLimits = testLimits
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = models.NetworkNone
	}
	if cfg.WarmPoll == 0 {
		cfg.WarmPoll = 5 * time.Millisecond
	}
	if cfg.WarmTimeout == 0 {
		cfg.WarmTimeout = 250 * time.Millisecond
	}

	m := NewManager(st, fake, cfg)
	t.Cleanup(m.Close)
	return m, fake, st
}

func countByStatus(t *testing.T, st store.Store) map[models.ContainerStatus]int64 {
	t.Helper()
	counts, err := st.CountContainersByStatus(context.Background())
	require.NoError(t, err)
	return counts
}

func TestEnsurePrewarmFillsToTarget(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 5, PrewarmCount: 2})

	require.NoError(t, m.EnsurePrewarm(ctx))

	counts := countByStatus(t, st)
	assert.Equal(t, int64(2), counts[models.ContainerIdle])
	assert.Zero(t, counts[models.ContainerWarming], "no placeholder may survive a successful warm")
	assert.Len(t, fake.ContainerIDs(), 2)

	probes := 0
	for _, rec := range fake.Execs() {
		if strings.Contains(strings.Join(rec.Argv, " "), "echo ready") {
			probes++
		}
	}
	assert.Equal(t, 2, probes, "every warm must run the readiness probe")

	// Already at target: a second pass changes nothing.
	require.NoError(t, m.EnsurePrewarm(ctx))
	assert.Equal(t, int64(2), countByStatus(t, st)[models.ContainerIdle])
	assert.Len(t, fake.ContainerIDs(), 2)
}

func TestEnsurePrewarmRespectsCap(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 5})

	require.NoError(t, m.EnsurePrewarm(ctx))
	assert.Equal(t, int64(2), countByStatus(t, st)[models.ContainerIdle])
}

func TestAcquireClaimsIdleOnDefaultMatch(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 3, PrewarmCount: 1})

	require.NoError(t, m.EnsurePrewarm(ctx))
	idle, err := st.FirstContainerByStatus(ctx, models.ContainerIdle)
	require.NoError(t, err)
	require.NotNil(t, idle)

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, idle.ID, got.ID, "the prewarmed container must be claimed")
	assert.Equal(t, models.ContainerBusy, got.Status)

	// Background top-up restores the prewarm target.
	m.Close()
	counts := countByStatus(t, st)
	assert.Equal(t, int64(1), counts[models.ContainerBusy])
	assert.Equal(t, int64(1), counts[models.ContainerIdle])
}

func TestAcquireCreatesWhenNoIdle(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 3, PrewarmCount: 0})

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ContainerBusy, got.Status)
	assert.Len(t, fake.ContainerIDs(), 1)
	assert.Equal(t, int64(1), countByStatus(t, st)[models.ContainerBusy])
}

func TestAcquireCustomLimitsSkipsIdlePool(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 3, PrewarmCount: 1})
	require.NoError(t, m.EnsurePrewarm(ctx))

	idle, err := st.FirstContainerByStatus(ctx, models.ContainerIdle)
	require.NoError(t, err)
	require.NotNil(t, idle)

	custom := models.ResourceLimits{MemoryBytes: 1024 * 1024 * 1024, CPUCores: 2, MaxProcesses: 512}
	got, err := m.Acquire(ctx, custom, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEqual(t, idle.ID, got.ID, "custom limits must not reuse the default-shaped pool")
	assert.Len(t, fake.ContainerIDs(), 2)

	stillIdle, err := st.GetContainer(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContainerIdle, stillIdle.Status)
}

func TestAcquireReturnsNilWhenSaturated(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestPool(t, Config{MaxContainers: 1, PrewarmCount: 0})

	first, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	assert.Nil(t, second, "a saturated pool yields nil, not an error")
}

func TestWarmingPlaceholderCountsAgainstCap(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 1, PrewarmCount: 0})

	require.NoError(t, st.CreateContainer(ctx, &models.Container{
		ID:        "warming-stuck",
		Status:    models.ContainerWarming,
		CreatedAt: time.Now().UTC(),
	}))

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDestroyingDoesNotCountAgainstCap(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 1, PrewarmCount: 0})

	require.NoError(t, st.CreateContainer(ctx, &models.Container{
		ID:        "c-dying",
		Status:    models.ContainerDestroying,
		CreatedAt: time.Now().UTC(),
	}))

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got, "a Destroying row must not hold a pool slot")
}

func TestReleaseDeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 0})

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.Release(ctx, got.ID))

	assert.Contains(t, fake.Deleted(), got.ID)
	_, err = st.GetContainer(ctx, got.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	select {
	case status := <-m.Notifications():
		assert.Equal(t, 2, status.MaxContainers)
	default:
		t.Fatal("Release must publish a status notification")
	}

	assert.NoError(t, m.Release(ctx, got.ID), "releasing a gone container is a no-op")
}

func TestReleaseTopsUpPrewarm(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 1})
	require.NoError(t, m.EnsurePrewarm(ctx))

	got, err := m.Acquire(ctx, m.cfg.DefaultLimits, m.cfg.DefaultNetwork)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, m.Release(ctx, got.ID))

	m.Close()
	counts := countByStatus(t, st)
	assert.Equal(t, int64(1), counts[models.ContainerIdle])
	assert.Zero(t, counts[models.ContainerBusy])
}

func TestWarmRollbackOnCreateFailure(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 1})
	fake.CreateErr = errors.New("image missing")

	err := m.EnsurePrewarm(ctx)
	require.Error(t, err)

	all, err := st.ListContainers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "a failed warm must not leave a placeholder behind")
}

func TestWarmRollbackOnProbeFailure(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 1})
	fake.Handle("echo ready", func(argv []string, cwd string) ([]byte, []byte, int) {
		return nil, []byte("sh: not found\n"), 127
	})

	err := m.EnsurePrewarm(ctx)
	require.Error(t, err)

	all, err := st.ListContainers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Len(t, fake.Deleted(), 1, "the unready container must be removed from the engine")
}

func TestWarmRollbackWhenNeverRunning(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{
		MaxContainers: 2,
		PrewarmCount:  1,
		WarmPoll:      5 * time.Millisecond,
		WarmTimeout:   40 * time.Millisecond,
	})
	fake.HoldCreated = true

	err := m.EnsurePrewarm(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	all, err := st.ListContainers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Len(t, fake.Deleted(), 1)
}

func TestWarmWaitsForRunning(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 2, PrewarmCount: 1})
	fake.RunningAfterInspects = 3

	require.NoError(t, m.EnsurePrewarm(ctx))
	assert.Equal(t, int64(1), countByStatus(t, st)[models.ContainerIdle])
}

func TestCreateManualLandsIdle(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 1, PrewarmCount: 0})

	c, err := m.CreateManual(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.ContainerIdle, c.Status)
	assert.Equal(t, int64(1), countByStatus(t, st)[models.ContainerIdle])

	full, err := m.CreateManual(ctx)
	require.NoError(t, err)
	assert.Nil(t, full, "manual create at cap yields nil")
}

func TestDeleteAllClearsPoolAndEngine(t *testing.T) {
	ctx := context.Background()
	m, fake, st := newTestPool(t, Config{MaxContainers: 4, PrewarmCount: 3})
	require.NoError(t, m.EnsurePrewarm(ctx))

	require.NoError(t, m.DeleteAll(ctx))

	all, err := st.ListContainers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, fake.ContainerIDs())
}

func TestStatusSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestPool(t, Config{MaxContainers: 5, PrewarmCount: 2})
	require.NoError(t, m.EnsurePrewarm(ctx))

	cid := "c-held"
	require.NoError(t, st.CreateContainer(ctx, &models.Container{
		ID: cid, Status: models.ContainerBusy, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateSession(ctx, &models.Session{
		Status:         models.SessionActive,
		LastActivityAt: time.Now().UTC(),
		ContainerID:    &cid,
	}))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, status.MaxContainers)
	assert.Equal(t, int64(2), status.Idle)
	assert.Equal(t, int64(1), status.Busy)
	assert.Equal(t, int64(1), status.ActiveSessions)
}

func TestNotificationsCoalesce(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestPool(t, Config{MaxContainers: 5, PrewarmCount: 0})

	m.notifyStatus(ctx)
	m.notifyStatus(ctx)
	m.notifyStatus(ctx)

	select {
	case <-m.Notifications():
	default:
		t.Fatal("expected one coalesced notification")
	}
	select {
	case <-m.Notifications():
		t.Fatal("stale notifications must be dropped, not queued")
	default:
	}
}

func TestRunExclusive(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestPool(t, Config{MaxContainers: 1, PrewarmCount: 0})

	ran := false
	err := m.RunExclusive(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	wantErr := errors.New("repair failed")
	assert.ErrorIs(t, m.RunExclusive(ctx, func(context.Context) error { return wantErr }), wantErr)
}
