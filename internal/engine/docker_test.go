package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"codepod/pkg/models"
)

// skipIfNoDocker skips the test if Docker is not available.
func skipIfNoDocker(t *testing.T) {
	cmd := exec.Command("docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("Docker not available, skipping engine tests")
	}
}

const testImage = "alpine:latest"

func newTestEngine(t *testing.T) *Docker {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := NewDocker(ctx, Config{LabelPrefix: "codepod-test"})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.EnsureImage(ctx, testImage); err != nil {
		t.Fatalf("Failed to ensure image: %v", err)
	}
	return d
}

func startTestContainer(t *testing.T, d *Docker) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	limits := models.ResourceLimits{MemoryBytes: 256 * 1024 * 1024, CPUCores: 0.5, MaxProcesses: 128}
	spec := CreateSpec{
		Name:    ContainerName("codepod-test", fmt.Sprintf("%d", time.Now().UnixNano())),
		Image:   testImage,
		Workdir: "/workspace",
		Limits:  limits,
		Network: models.NetworkNone,
		Labels:  Labels("codepod-test", limits, models.NetworkNone, time.Now()),
	}

	c, err := d.CreateContainer(ctx, spec)
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cleanupCancel()
		_ = d.Delete(cleanupCtx, c.ID)
	})
	return c.ID
}

func TestDockerContainerLifecycle(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deadline := time.Now().Add(15 * time.Second)
	for {
		c, err := d.Inspect(ctx, id)
		if err != nil {
			t.Fatalf("Inspect failed: %v", err)
		}
		if c == nil {
			t.Fatal("Inspect returned nil for a live container")
		}
		if c.Running() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Container never reached running, last status %q", c.DockerStatus)
		}
		time.Sleep(250 * time.Millisecond)
	}

	managed, err := d.ListManaged(ctx)
	if err != nil {
		t.Fatalf("ListManaged failed: %v", err)
	}
	found := false
	for _, c := range managed {
		if c.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("ListManaged did not include the test container")
	}

	if err := d.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	c, err := d.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect after delete failed: %v", err)
	}
	if c != nil {
		t.Errorf("Expected nil after delete, got status %q", c.DockerStatus)
	}

	if err := d.Delete(ctx, id); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}
}

func TestDockerExecCapturesStreams(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := d.Exec(ctx, id, d.ShellWrap("echo to-stdout; echo to-stderr 1>&2; exit 3"), "/workspace", 0)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	if !strings.Contains(string(res.Stdout), "to-stdout") {
		t.Errorf("Expected stdout to contain 'to-stdout', got %q", res.Stdout)
	}
	if !strings.Contains(string(res.Stderr), "to-stderr") {
		t.Errorf("Expected stderr to contain 'to-stderr', got %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if res.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}
}

func TestDockerExecTimeoutReturnsPartialOutput(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := d.Exec(ctx, id, d.ShellWrap("echo started; sleep 30; echo finished"), "/workspace", 2*time.Second)
	if err != nil {
		t.Fatalf("Timed-out exec should not error, got: %v", err)
	}
	if !strings.Contains(string(res.Stdout), "started") {
		t.Errorf("Expected the partial output before the deadline, got %q", res.Stdout)
	}
	if strings.Contains(string(res.Stdout), "finished") {
		t.Error("Output after the deadline must not appear")
	}
	if res.ExitCode != -1 {
		t.Errorf("Expected exit code -1 for an unfinished exec, got %d", res.ExitCode)
	}
}

func TestDockerExecCancelPropagates(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Second)
		cancel()
	}()

	_, err := d.Exec(ctx, id, d.ShellWrap("sleep 30"), "/workspace", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestDockerArchiveRoundTrip(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := []byte("Hello, this is a test file!\n测试中文内容")
	if err := d.Upload(ctx, id, "/workspace/data/test.txt", content); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	got, err := d.Download(ctx, id, "/workspace/data/test.txt")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Round trip mismatch: got %q want %q", got, content)
	}

	entries, err := d.List(ctx, id, "/workspace/data")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "test.txt" {
			found = true
			if e.IsDir {
				t.Error("test.txt listed as a directory")
			}
			if e.Size != int64(len(content)) {
				t.Errorf("Expected size %d, got %d", len(content), e.Size)
			}
		}
	}
	if !found {
		t.Errorf("List did not include test.txt: %+v", entries)
	}

	if _, err := d.Download(ctx, id, "/workspace/data"); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("Expected ErrIsDirectory for a directory download, got %v", err)
	}

	if _, err := d.Download(ctx, id, "/workspace/absent.txt"); err == nil {
		t.Error("Expected an error downloading a missing path")
	} else if errors.Is(err, ErrContainerNotFound) {
		t.Error("A missing path must not be reported as a missing container")
	}
}

func TestDockerStats(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	usage, err := d.Stats(ctx, id)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if usage == nil {
		t.Fatal("Stats returned nil usage")
	}
}

func TestDockerExecStream(t *testing.T) {
	skipIfNoDocker(t)

	d := newTestEngine(t)
	id := startTestContainer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := d.ExecStream(ctx, id, d.ShellWrap("echo Line 1; sleep 0.2; echo Line 2; sleep 0.2; echo Line 3"), "/workspace", 0)
	if err != nil {
		t.Fatalf("ExecStream failed: %v", err)
	}

	var stdout strings.Builder
	sawExit := false
	for ev := range events {
		switch ev.Kind {
		case StreamStdout:
			stdout.Write(ev.Data)
		case StreamExit:
			sawExit = true
			if ev.ExitCode != 0 {
				t.Errorf("Expected exit code 0, got %d", ev.ExitCode)
			}
		}
	}

	if !sawExit {
		t.Fatal("Stream ended without an exit event")
	}
	for _, want := range []string{"Line 1", "Line 2", "Line 3"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("Expected stream output to contain %q, got %q", want, stdout.String())
		}
	}
}
