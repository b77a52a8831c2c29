package codepod

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"codepod/internal/engine"
	"codepod/internal/truncate"
)

// latchClearTimeout bounds the deferred bookkeeping writes that must run
// even when the caller's context is already cancelled.
const latchClearTimeout = 5 * time.Second

// removeFileTimeout bounds the rm exec behind DeleteFile.
const removeFileTimeout = 10 * time.Second

// ExecCommand runs cmd inside the session's container, captures both
// streams to completion or timeout, and truncates them under the configured
// output budget. A command timeout yields the partial Result with the exit
// code the engine reports, not an error.
func (p *Pod) ExecCommand(ctx context.Context, sessionID uint, cmd Command, opts ExecOptions) (*Result, error) {
	containerID, argv, timeout, cwd, err := p.prepareExec(ctx, sessionID, cmd, opts)
	if err != nil {
		return nil, err
	}

	if err := p.beginExec(ctx, sessionID); err != nil {
		return nil, err
	}
	defer p.endExec(sessionID)

	res, err := p.eng.Exec(ctx, containerID, argv, cwd, timeout)
	if err != nil {
		p.met.ObserveExec("error", 0, false)
		return nil, err
	}

	stdout, outCut := truncate.Truncate(res.Stdout, p.cfg.Output.MaxBytes, p.cfg.Output.Strategy, p.cfg.Output.Message)
	stderr, errCut := truncate.Truncate(res.Stderr, p.cfg.Output.MaxBytes, p.cfg.Output.Strategy, p.cfg.Output.Message)
	truncated := outCut || errCut

	outcome := "ok"
	if res.ExitCode != 0 {
		outcome = "nonzero"
	}
	p.met.ObserveExec(outcome, res.Elapsed, truncated)

	return &Result{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  res.ExitCode,
		Elapsed:   res.Elapsed,
		Truncated: truncated,
	}, nil
}

// ExecCommandStream runs cmd and yields engine events as they arrive:
// stdout/stderr frames followed by exactly one exit event, after which the
// channel closes. Streamed frames are never truncated. Cancelling ctx
// cancels the exec.
func (p *Pod) ExecCommandStream(ctx context.Context, sessionID uint, cmd Command, opts ExecOptions) (<-chan StreamEvent, error) {
	containerID, argv, timeout, cwd, err := p.prepareExec(ctx, sessionID, cmd, opts)
	if err != nil {
		return nil, err
	}

	if err := p.beginExec(ctx, sessionID); err != nil {
		return nil, err
	}

	events, err := p.eng.ExecStream(ctx, containerID, argv, cwd, timeout)
	if err != nil {
		p.endExec(sessionID)
		p.met.ObserveExec("error", 0, false)
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer p.endExec(sessionID)

		for ev := range events {
			if ev.Kind == StreamExit {
				outcome := "ok"
				if ev.ExitCode != 0 {
					outcome = "nonzero"
				}
				p.met.ObserveExec(outcome, ev.Elapsed, false)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				for range events {
				}
				return
			}
		}
	}()
	return out, nil
}

// UploadFile writes data to pth inside the session's container, creating
// parent directories as needed. Relative paths resolve under the workdir.
func (p *Pod) UploadFile(ctx context.Context, sessionID uint, pth string, data []byte) error {
	containerID, abs, err := p.sessionPath(ctx, sessionID, pth)
	if err != nil {
		return err
	}
	if err := p.eng.Upload(ctx, containerID, abs, data); err != nil {
		return err
	}
	p.bumpAfter(ctx, sessionID)
	return nil
}

// ListDirectory returns the entries under pth.
func (p *Pod) ListDirectory(ctx context.Context, sessionID uint, pth string) ([]FileEntry, error) {
	containerID, abs, err := p.sessionPath(ctx, sessionID, pth)
	if err != nil {
		return nil, err
	}
	entries, err := p.eng.List(ctx, containerID, abs)
	if err != nil {
		return nil, err
	}
	p.bumpAfter(ctx, sessionID)
	return entries, nil
}

// DownloadFile returns the bytes of the file at pth. Directories fail
// ErrInvalidArgument.
func (p *Pod) DownloadFile(ctx context.Context, sessionID uint, pth string) ([]byte, error) {
	containerID, abs, err := p.sessionPath(ctx, sessionID, pth)
	if err != nil {
		return nil, err
	}
	data, err := p.eng.Download(ctx, containerID, abs)
	if err != nil {
		if errors.Is(err, engine.ErrIsDirectory) {
			return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, abs)
		}
		return nil, err
	}
	p.bumpAfter(ctx, sessionID)
	return data, nil
}

// DeleteFile removes the file at pth via a single rm exec inside the
// container.
func (p *Pod) DeleteFile(ctx context.Context, sessionID uint, pth string) error {
	containerID, abs, err := p.sessionPath(ctx, sessionID, pth)
	if err != nil {
		return err
	}
	res, err := p.eng.Exec(ctx, containerID, p.eng.RemoveFileCmd(abs), "", removeFileTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delete %s: rm exited %d: %s", abs, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	p.bumpAfter(ctx, sessionID)
	return nil
}

// GetStats returns a one-shot resource usage snapshot of the session's
// container.
func (p *Pod) GetStats(ctx context.Context, sessionID uint) (*Usage, error) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return p.eng.Stats(ctx, *s.ContainerID)
}

// prepareExec resolves the session, command argv, timeout, and cwd.
func (p *Pod) prepareExec(ctx context.Context, sessionID uint, cmd Command, opts ExecOptions) (containerID string, argv []string, timeout time.Duration, cwd string, err error) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", nil, 0, "", err
	}

	argv, err = p.argvFor(cmd)
	if err != nil {
		return "", nil, 0, "", err
	}

	timeout = opts.Timeout
	switch {
	case timeout == 0:
		timeout = p.cfg.CommandTimeout
	case timeout < 0:
		return "", nil, 0, "", fmt.Errorf("%w: timeout must be positive", ErrInvalidArgument)
	case timeout > p.cfg.CommandTimeout:
		return "", nil, 0, "", fmt.Errorf("%w: %s exceeds %s", ErrTimeoutExceedsLimit, timeout, p.cfg.CommandTimeout)
	}

	cwd = opts.Cwd
	if cwd == "" {
		cwd = p.cfg.Workdir
	}
	return *s.ContainerID, argv, timeout, cwd, nil
}

func (p *Pod) argvFor(cmd Command) ([]string, error) {
	if len(cmd.argv) > 0 {
		return cmd.argv, nil
	}
	if strings.TrimSpace(cmd.shell) == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	return p.eng.ShellWrap(cmd.shell), nil
}

// beginExec latches the session as executing and counts the command. The
// latch keeps the sweeper off a session mid-command.
func (p *Pod) beginExec(ctx context.Context, sessionID uint) error {
	if err := p.sessions.SetExecuting(ctx, sessionID, true); err != nil {
		return err
	}
	if err := p.sessions.IncrementCommandCount(ctx, sessionID); err != nil {
		p.clearLatch(sessionID)
		return err
	}
	return nil
}

// endExec stamps activity and clears the latch, on a background context so
// a cancelled caller cannot leave the latch set.
func (p *Pod) endExec(sessionID uint) {
	cctx, cancel := context.WithTimeout(context.Background(), latchClearTimeout)
	defer cancel()

	if err := p.sessions.BumpActivity(cctx, sessionID); err != nil {
		p.log.Debug("post-exec activity bump failed",
			zap.Uint("session_id", sessionID), zap.Error(err))
	}
	if err := p.sessions.SetExecuting(cctx, sessionID, false); err != nil {
		p.log.Warn("execution latch clear failed",
			zap.Uint("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pod) clearLatch(sessionID uint) {
	cctx, cancel := context.WithTimeout(context.Background(), latchClearTimeout)
	defer cancel()
	if err := p.sessions.SetExecuting(cctx, sessionID, false); err != nil {
		p.log.Warn("execution latch clear failed",
			zap.Uint("session_id", sessionID), zap.Error(err))
	}
}

// sessionPath resolves the session's container and an absolute in-container
// path.
func (p *Pod) sessionPath(ctx context.Context, sessionID uint, pth string) (string, string, error) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(pth) == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if !path.IsAbs(pth) {
		pth = path.Join(p.cfg.Workdir, pth)
	}
	return *s.ContainerID, path.Clean(pth), nil
}

func (p *Pod) bumpAfter(ctx context.Context, sessionID uint) {
	if err := p.sessions.BumpActivity(ctx, sessionID); err != nil {
		p.log.Debug("activity bump failed",
			zap.Uint("session_id", sessionID), zap.Error(err))
	}
}
