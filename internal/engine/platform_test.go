package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepod/pkg/models"
)

func TestShellWrap(t *testing.T) {
	assert.Equal(t, []string{"/bin/sh", "-lc", "echo hi"}, shellWrap(false, "echo hi"))

	win := shellWrap(true, "echo hi")
	require.Len(t, win, 5)
	assert.Equal(t, "powershell", win[0])
	assert.Equal(t, "echo hi", win[4])
}

func TestKeepaliveCmd(t *testing.T) {
	assert.Equal(t, []string{"tail", "-f", "/dev/null"}, keepaliveCmd(false))
	assert.Equal(t, "powershell", keepaliveCmd(true)[0])
}

func TestMkdirCmd(t *testing.T) {
	assert.Equal(t,
		[]string{"mkdir", "-p", "/workspace", "/workspace/artifacts"},
		mkdirCmd(false, "/workspace", "/workspace/artifacts"))

	win := mkdirCmd(true, "/workspace")
	require.Len(t, win, 5)
	assert.Contains(t, win[4], "New-Item")
	assert.Contains(t, win[4], "/workspace")
}

func TestRemoveFileCmd(t *testing.T) {
	assert.Equal(t, []string{"rm", "-f", "--", "/workspace/a.txt"}, removeFileCmd(false, "/workspace/a.txt"))
	assert.Contains(t, removeFileCmd(true, "/workspace/a.txt")[4], "Remove-Item")
}

func TestLabels(t *testing.T) {
	limits := models.ResourceLimits{MemoryBytes: 512 * 1024 * 1024, CPUCores: 1.5, MaxProcesses: 256}
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	labels := Labels("codepod", limits, models.NetworkNone, created)

	assert.Equal(t, "true", labels["codepod.managed"])
	assert.Equal(t, "536870912", labels["codepod.memory"])
	assert.Equal(t, "1.5", labels["codepod.cpu"])
	assert.Equal(t, "256", labels["codepod.pids"])
	assert.Equal(t, "none", labels["codepod.network"])
	assert.Equal(t, "2025-03-14T09:26:53Z", labels["codepod.created"])
	assert.Len(t, labels, 6)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "codepod-ab12", ContainerName("codepod", "ab12"))
}

func TestLimitedWriterCapsButKeepsDraining(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n, "the full frame must be acknowledged")
	assert.Equal(t, "0123456789", buf.String())

	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123456789", buf.String())
}

func TestLimitedWriterZeroLimitPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf}

	_, err := lw.Write([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, "anything", buf.String())
}

func TestStreamWriterCopiesFrames(t *testing.T) {
	events := make(chan StreamEvent, 1)
	w := &streamWriter{ctx: context.Background(), events: events, kind: StreamStdout}

	frame := []byte("Line 1\n")
	n, err := w.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	// stdcopy reuses its frame buffer, so the event must hold a copy.
	copy(frame, []byte("XXXXXXX"))

	ev := <-events
	assert.Equal(t, StreamStdout, ev.Kind)
	assert.Equal(t, "Line 1\n", string(ev.Data))
}

func TestStreamWriterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan StreamEvent) // unbuffered, nobody reads
	w := &streamWriter{ctx: ctx, events: events, kind: StreamStderr}

	_, err := w.Write([]byte("data"))
	assert.ErrorIs(t, err, context.Canceled)
}
