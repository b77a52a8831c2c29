package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codepod/internal/pool"
)

func TestSweeperDestroysExpiredSessions(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t, Config{DefaultTimeout: time.Minute}, pool.Config{})

	s, err := fx.mgr.Create(ctx, CreateOptions{Name: "doomed"})
	require.NoError(t, err)
	require.NoError(t, fx.st.TouchSession(ctx, s.ID, time.Now().UTC().Add(-2*time.Minute)))

	sw := NewSweeper(fx.mgr, 10*time.Millisecond)
	sw.Start()
	defer sw.Stop()

	require.Eventually(t, func() bool {
		_, err := fx.mgr.Get(ctx, s.ID)
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond, "sweeper must destroy the expired session")
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	fx := newTestManager(t, Config{}, pool.Config{})

	sw := NewSweeper(fx.mgr, 10*time.Millisecond)
	sw.Start()
	sw.Stop()
	sw.Stop()
}
