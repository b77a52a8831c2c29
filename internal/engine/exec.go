package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// utilOutputCap bounds what internal utility execs (workdir prep, readiness
// probes) may capture. Data-path execs capture in full; the truncator owns
// their budget.
const utilOutputCap = 4 * 1024

// streamExitGrace bounds how long a stream goroutine waits to hand the
// final exit event to a consumer that cancelled and stopped draining.
const streamExitGrace = 5 * time.Second

// Exec runs argv inside the container and captures both streams. A deadline
// expiry returns the partial result with the exit code from the final
// inspect; caller cancellation propagates as an error.
func (d *Docker) Exec(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.execCapture(ctx, id, argv, cwd, 0)
}

// execCapture is the shared batch-exec path. outputCap, when positive, caps
// each stream's capture; the stream itself still drains to completion.
func (d *Docker) execCapture(ctx context.Context, id string, argv []string, cwd string, outputCap int64) (*ExecResult, error) {
	start := time.Now()

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapErr("exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, wrapErr("exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	outW := io.Writer(&stdout)
	errW := io.Writer(&stderr)
	if outputCap > 0 {
		outW = &limitedWriter{w: &stdout, limit: outputCap}
		errW = &limitedWriter{w: &stderr, limit: outputCap}
	}

	copyDone := make(chan error, 1)
	go func() {
		_, cpErr := stdcopy.StdCopy(outW, errW, attach.Reader)
		copyDone <- cpErr
	}()

	select {
	case cpErr := <-copyDone:
		if cpErr != nil && ctx.Err() == nil {
			return nil, wrapErr("exec read", cpErr)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy.
		attach.Close()
		<-copyDone
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
	}

	return &ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: d.execExitCode(created.ID),
		Elapsed:  time.Since(start),
	}, nil
}

// ExecStream runs argv and emits demultiplexed frames as they arrive. The
// channel carries zero or more stdout/stderr events followed by exactly one
// exit event, then closes. Cancelling ctx closes the underlying stream; the
// exit event is still emitted as long as the consumer keeps draining.
func (d *Docker) ExecStream(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (<-chan StreamEvent, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		cancel()
		return nil, wrapErr("exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		cancel()
		return nil, wrapErr("exec attach", err)
	}

	events := make(chan StreamEvent, 16)
	start := time.Now()

	go func() {
		defer close(events)
		defer cancel()
		defer attach.Close()

		outW := &streamWriter{ctx: ctx, events: events, kind: StreamStdout}
		errW := &streamWriter{ctx: ctx, events: events, kind: StreamStderr}

		copyDone := make(chan error, 1)
		go func() {
			_, cpErr := stdcopy.StdCopy(outW, errW, attach.Reader)
			copyDone <- cpErr
		}()

		select {
		case <-ctx.Done():
			attach.Close()
			<-copyDone
		case <-copyDone:
		}

		exit := StreamEvent{
			Kind:     StreamExit,
			ExitCode: d.execExitCode(created.ID),
			Elapsed:  time.Since(start),
		}
		select {
		case events <- exit:
		case <-time.After(streamExitGrace):
		}
	}()

	return events, nil
}

// execExitCode inspects the finished exec for its exit code. Inspection runs
// on its own short deadline so a torn-down caller context cannot wedge it;
// -1 reports an unknown code.
func (d *Docker) execExitCode(execID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil || inspect.Running {
		return -1
	}
	return inspect.ExitCode
}

// streamWriter forwards demultiplexed frames into the event channel.
// stdcopy reuses its buffer across frames, so every payload is copied out.
type streamWriter struct {
	ctx    context.Context
	events chan<- StreamEvent
	kind   StreamEventKind
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.events <- StreamEvent{Kind: w.kind, Data: data}:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

// limitedWriter caps what a capture may retain; excess bytes are accepted
// and dropped so the stream still drains.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	truncated := p
	if int64(len(truncated)) > remaining {
		truncated = truncated[:remaining]
	}
	n, err := lw.w.Write(truncated)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
