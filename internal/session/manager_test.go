package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepod/internal/engine/enginetest"
	"codepod/internal/pool"
	"codepod/internal/store"
	"codepod/pkg/models"
)

var (
	testLimits = models.ResourceLimits{MemoryBytes: 512 * 1024 * 1024, CPUCores: 1, MaxProcesses: 256}
	maxLimits  = models.ResourceLimits{MemoryBytes: 2048 * 1024 * 1024, CPUCores: 4, MaxProcesses: 1024}
)

type fixture struct {
	mgr  *Manager
	pool *pool.Manager
	fake *enginetest.Fake
	st   store.Store
}

func newTestManager(t *testing.T, cfg Config, poolCfg pool.Config) fixture {
	t.Helper()

	st, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fake := enginetest.New()

	if poolCfg.Image == "" {
		poolCfg.Image = "python:3.11-slim"
	}
	if poolCfg.Workdir == "" {
		poolCfg.Workdir = "/workspace"
	}
	if poolCfg.LabelPrefix == "" {
		poolCfg.LabelPrefix = "codepod"
	}
	if poolCfg.MaxContainers == 0 {
		poolCfg.MaxContainers = 5
	}
	poolCfg.DefaultLimits = testLimits
	poolCfg.DefaultNetwork = models.NetworkNone
	poolCfg.WarmPoll = 5 * time.Millisecond
	poolCfg.WarmTimeout = 250 * time.Millisecond

	p := pool.NewManager(st, fake, poolCfg)
	t.Cleanup(p.Close)

	cfg.DefaultLimits = testLimits
	if cfg.MaxLimits == (models.ResourceLimits{}) {
		cfg.MaxLimits = maxLimits
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = models.NetworkNone
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = time.Hour
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}

	return fixture{mgr: NewManager(st, p, fake, cfg), pool: p, fake: fake, st: st}
}

func intp(v int) *int { return &v }

func TestCreateAssignsContainerAndDefaults(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NotZero(t, s.ID)
	assert.Equal(t, s.DefaultName(), s.Name)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, testLimits, s.Limits)
	assert.Equal(t, models.NetworkNone, s.NetworkMode)
	require.NotNil(t, s.ContainerID)

	c, err := fx.st.GetContainer(ctx, *s.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, models.ContainerBusy, c.Status)

	marker, ok := fx.fake.FileContent(*s.ContainerID, "/workspace/.codepod-session")
	require.True(t, ok, "marker file must be uploaded into the workdir")
	assert.Contains(t, string(marker), `"session_id"`)
	assert.Contains(t, string(marker), s.Name)

	got, err := fx.st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, got.Name)
}

func TestCreateHonorsExplicitNameAndTimeout(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{Name: "scratch", TimeoutSeconds: intp(120)})
	require.NoError(t, err)
	assert.Equal(t, "scratch", s.Name)
	require.NotNil(t, s.TimeoutSeconds)
	assert.Equal(t, 120, *s.TimeoutSeconds)
}

func TestCreateValidationFailuresWriteNothing(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{MaxTimeout: 10 * time.Second}, pool.Config{})

	_, err := fx.mgr.Create(ctx, CreateOptions{TimeoutSeconds: intp(11)})
	assert.ErrorIs(t, err, ErrTimeoutExceedsLimit)

	_, err = fx.mgr.Create(ctx, CreateOptions{TimeoutSeconds: intp(0)})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = fx.mgr.Create(ctx, CreateOptions{Limits: &models.ResourceLimits{MemoryBytes: -1, CPUCores: 1, MaxProcesses: 1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	over := maxLimits
	over.CPUCores++
	_, err = fx.mgr.Create(ctx, CreateOptions{Limits: &over})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = fx.mgr.Create(ctx, CreateOptions{Network: "vpn"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	n, err := fx.st.CountSessions(ctx, models.SessionActive)
	require.NoError(t, err)
	assert.Zero(t, n, "validation failures must not write session rows")
	assert.Empty(t, fx.fake.ContainerIDs(), "validation failures must not create containers")
}

func TestCreateSaturatedPool(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{MaxContainers: 1})

	_, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = fx.mgr.Create(ctx, CreateOptions{})
	assert.ErrorIs(t, err, ErrMaxContainersReached)

	n, err := fx.st.CountSessions(ctx, models.SessionActive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "saturation must not leave a session row behind")
}

func TestCreateWindowsSkipsMarker(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{WindowsContainers: true}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, ok := fx.fake.FileContent(*s.ContainerID, "/workspace/.codepod-session")
	assert.False(t, ok, "windows containers must skip the marker upload")
}

func TestGetAndListReturnActiveOnly(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	a, err := fx.mgr.Create(ctx, CreateOptions{Name: "keep"})
	require.NoError(t, err)
	b, err := fx.mgr.Create(ctx, CreateOptions{Name: "drop"})
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Destroy(ctx, b.ID))

	_, err = fx.mgr.Get(ctx, b.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := fx.mgr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep", got.Name)

	list, err := fx.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	_, err = fx.mgr.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDestroyReleasesContainerAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	cid := *s.ContainerID

	require.NoError(t, fx.mgr.Destroy(ctx, s.ID))
	assert.Contains(t, fx.fake.Deleted(), cid, "destroy must delete the engine container")

	_, err = fx.st.GetContainer(ctx, cid)
	assert.ErrorIs(t, err, store.ErrNotFound, "destroy must drop the container row")

	require.NoError(t, fx.mgr.Destroy(ctx, s.ID), "second destroy is a no-op")

	err = fx.mgr.Destroy(ctx, 9999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestActivityBookkeeping(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	backdated := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, fx.st.TouchSession(ctx, s.ID, backdated))

	require.NoError(t, fx.mgr.BumpActivity(ctx, s.ID))
	got, err := fx.st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), got.LastActivityAt, 5*time.Second)

	require.NoError(t, fx.mgr.IncrementCommandCount(ctx, s.ID))
	require.NoError(t, fx.mgr.IncrementCommandCount(ctx, s.ID))
	got, err = fx.st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CommandCount)

	require.NoError(t, fx.st.TouchSession(ctx, s.ID, backdated))
	require.NoError(t, fx.mgr.SetExecuting(ctx, s.ID, true))
	got, err = fx.st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsExecuting)
	assert.WithinDuration(t, time.Now().UTC(), got.LastActivityAt, 5*time.Second,
		"setting the latch must bump activity")

	require.NoError(t, fx.mgr.SetExecuting(ctx, s.ID, false))
	got, err = fx.st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsExecuting)

	assert.ErrorIs(t, fx.mgr.BumpActivity(ctx, 9999), ErrSessionNotFound)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{DefaultTimeout: time.Minute}, pool.Config{})

	expired, err := fx.mgr.Create(ctx, CreateOptions{Name: "expired"})
	require.NoError(t, err)
	executing, err := fx.mgr.Create(ctx, CreateOptions{Name: "executing"})
	require.NoError(t, err)
	fresh, err := fx.mgr.Create(ctx, CreateOptions{Name: "fresh"})
	require.NoError(t, err)
	short, err := fx.mgr.Create(ctx, CreateOptions{Name: "short", TimeoutSeconds: intp(1)})
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, fx.st.TouchSession(ctx, expired.ID, stale))
	require.NoError(t, fx.st.TouchSession(ctx, executing.ID, stale))
	require.NoError(t, fx.st.SetSessionExecuting(ctx, executing.ID, true))
	require.NoError(t, fx.st.TouchSession(ctx, short.ID, time.Now().UTC().Add(-2*time.Second)))

	n, err := fx.mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = fx.mgr.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = fx.mgr.Get(ctx, short.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "per-session timeout overrides the default")

	_, err = fx.mgr.Get(ctx, executing.ID)
	assert.NoError(t, err, "sessions mid-exec are never swept")
	_, err = fx.mgr.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestOnContainerDeleted(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	cid := *s.ContainerID

	deletedBefore := len(fx.fake.Deleted())

	n, err := fx.mgr.OnContainerDeleted(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = fx.mgr.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, fx.fake.Deleted(), deletedBefore,
		"marking sessions lost must not issue engine deletes")

	n, err = fx.mgr.OnContainerDeleted(ctx, cid)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetExecuting(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{}, pool.Config{})

	a, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	b, err := fx.mgr.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.st.SetSessionExecuting(ctx, a.ID, true))
	require.NoError(t, fx.st.SetSessionExecuting(ctx, b.ID, true))

	n, err := fx.mgr.ResetExecuting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := fx.st.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsExecuting)
}
