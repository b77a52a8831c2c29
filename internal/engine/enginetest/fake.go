// Package enginetest provides an in-memory Engine for tests of the layers
// above the adapter. Containers, files, and exec behavior live in maps; the
// default exec handler understands the handful of shell commands the core
// issues (echo, mkdir, rm), and tests script anything else with Handle.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"codepod/internal/engine"
	"codepod/pkg/models"
)

// ExecFunc is a scripted response for commands matched by Handle.
type ExecFunc func(argv []string, cwd string) (stdout, stderr []byte, exit int)

// ExecRecord captures one Exec or ExecStream call for assertions.
type ExecRecord struct {
	ContainerID string
	Argv        []string
	Cwd         string
	Timeout     time.Duration
}

type handler struct {
	substr string
	fn     ExecFunc
}

type fakeContainer struct {
	model    models.Container
	state    string
	inspects int
	files    map[string][]byte
	dirs     map[string]bool
}

// Fake implements engine.Engine in memory.
type Fake struct {
	mu    sync.Mutex
	seq   int
	conts map[string]*fakeContainer

	handlers []handler

	// Failure injection and timing knobs.
	PingErr   error
	CreateErr error
	ExecErr   error
	UploadErr error
	// HoldCreated keeps new containers in the created state until
	// MarkRunning.
	HoldCreated bool
	// RunningAfterInspects delays the running state until the container has
	// been inspected that many times. Zero means running immediately.
	RunningAfterInspects int

	pulled  []string
	deleted []string
	execs   []ExecRecord
}

var _ engine.Engine = (*Fake)(nil)

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{conts: make(map[string]*fakeContainer)}
}

// Handle scripts a response for any exec whose joined argv contains substr.
// Handlers are matched in registration order, before the defaults.
func (f *Fake) Handle(substr string, fn ExecFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{substr: substr, fn: fn})
}

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

func (f *Fake) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec engine.CreateSpec) (*models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	f.seq++
	id := fmt.Sprintf("fake-container-%04d", f.seq)

	state := "running"
	if f.HoldCreated || f.RunningAfterInspects > 0 {
		state = "created"
	}

	fc := &fakeContainer{
		model: models.Container{
			ID:           id,
			Name:         spec.Name,
			Image:        spec.Image,
			DockerStatus: "created",
			CreatedAt:    time.Now().UTC(),
			Labels:       spec.Labels,
		},
		state: state,
		files: make(map[string][]byte),
		dirs:  map[string]bool{spec.Workdir: true, path.Join(spec.Workdir, "artifacts"): true},
	}
	f.conts[id] = fc

	out := fc.model
	return &out, nil
}

func (f *Fake) ListManaged(ctx context.Context) ([]models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.Container, 0, len(f.conts))
	for _, fc := range f.conts {
		c := fc.model
		c.DockerStatus = fc.state
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (*models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc, ok := f.conts[id]
	if !ok {
		return nil, nil
	}

	fc.inspects++
	if fc.state == "created" && !f.HoldCreated &&
		f.RunningAfterInspects > 0 && fc.inspects >= f.RunningAfterInspects {
		fc.state = "running"
	}

	c := fc.model
	c.DockerStatus = fc.state
	return &c, nil
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.conts, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *Fake) Exec(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (*engine.ExecResult, error) {
	stdout, stderr, exit, err := f.runExec(id, argv, cwd, timeout)
	if err != nil {
		return nil, err
	}
	return &engine.ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exit,
		Elapsed:  time.Millisecond,
	}, nil
}

func (f *Fake) ExecStream(ctx context.Context, id string, argv []string, cwd string, timeout time.Duration) (<-chan engine.StreamEvent, error) {
	stdout, stderr, exit, err := f.runExec(id, argv, cwd, timeout)
	if err != nil {
		return nil, err
	}

	events := make(chan engine.StreamEvent, 16)
	go func() {
		defer close(events)
		for _, line := range splitAfterLines(stdout) {
			events <- engine.StreamEvent{Kind: engine.StreamStdout, Data: line}
		}
		if len(stderr) > 0 {
			events <- engine.StreamEvent{Kind: engine.StreamStderr, Data: stderr}
		}
		events <- engine.StreamEvent{Kind: engine.StreamExit, ExitCode: exit, Elapsed: time.Millisecond}
	}()
	return events, nil
}

func (f *Fake) runExec(id string, argv []string, cwd string, timeout time.Duration) ([]byte, []byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs = append(f.execs, ExecRecord{ContainerID: id, Argv: argv, Cwd: cwd, Timeout: timeout})

	if f.ExecErr != nil {
		return nil, nil, 0, f.ExecErr
	}
	fc, ok := f.conts[id]
	if !ok {
		return nil, nil, 0, fmt.Errorf("exec create: %w", engine.ErrContainerNotFound)
	}

	joined := strings.Join(argv, " ")
	for _, h := range f.handlers {
		if strings.Contains(joined, h.substr) {
			stdout, stderr, exit := h.fn(argv, cwd)
			return stdout, stderr, exit, nil
		}
	}
	stdout, stderr, exit := f.defaultExec(fc, argv)
	return stdout, stderr, exit, nil
}

// defaultExec interprets the shell commands the core issues on its own:
// echo, mkdir -p, and rm -f.
func (f *Fake) defaultExec(fc *fakeContainer, argv []string) ([]byte, []byte, int) {
	cmd := strings.Join(argv, " ")
	if len(argv) == 3 && argv[0] == "/bin/sh" && argv[1] == "-lc" {
		cmd = argv[2]
	}

	switch {
	case strings.HasPrefix(cmd, "echo "):
		payload := strings.TrimPrefix(cmd, "echo ")
		payload = strings.Trim(payload, "'\"")
		return []byte(payload + "\n"), nil, 0

	case strings.HasPrefix(cmd, "mkdir -p "):
		for _, dir := range strings.Fields(strings.TrimPrefix(cmd, "mkdir -p ")) {
			fc.dirs[path.Clean(dir)] = true
		}
		return nil, nil, 0

	case strings.HasPrefix(cmd, "rm -f "):
		target := strings.TrimPrefix(cmd, "rm -f ")
		target = strings.TrimSpace(strings.TrimPrefix(target, "-- "))
		delete(fc.files, path.Clean(target))
		return nil, nil, 0

	case strings.Contains(cmd, "nonexistent_command_12345"):
		return nil, []byte("/bin/sh: nonexistent_command_12345: not found\n"), 127

	default:
		return nil, nil, 0
	}
}

func (f *Fake) Upload(ctx context.Context, id, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UploadErr != nil {
		return f.UploadErr
	}
	fc, ok := f.conts[id]
	if !ok {
		return fmt.Errorf("upload: %w", engine.ErrContainerNotFound)
	}

	clean := path.Clean(p)
	buf := make([]byte, len(data))
	copy(buf, data)
	fc.files[clean] = buf

	for dir := path.Dir(clean); dir != "/" && dir != "."; dir = path.Dir(dir) {
		fc.dirs[dir] = true
	}
	return nil
}

func (f *Fake) List(ctx context.Context, id, dir string) ([]engine.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc, ok := f.conts[id]
	if !ok {
		return nil, fmt.Errorf("list files: %w", engine.ErrContainerNotFound)
	}

	clean := path.Clean(dir)
	if !fc.dirs[clean] && !f.hasChildren(fc, clean) {
		return nil, &engine.OpError{Op: "list files", Err: fmt.Errorf("path %q not found", dir)}
	}

	prefix := clean + "/"
	if clean == "/" {
		prefix = "/"
	}

	entries := []engine.FileEntry{}
	for p, data := range fc.files {
		if strings.HasPrefix(p, prefix) {
			entries = append(entries, engine.FileEntry{
				Name:    strings.TrimPrefix(p, prefix),
				Size:    int64(len(data)),
				ModTime: time.Now().UTC(),
			})
		}
	}
	for d := range fc.dirs {
		if d != clean && strings.HasPrefix(d, prefix) {
			entries = append(entries, engine.FileEntry{
				Name:    strings.TrimPrefix(d, prefix),
				IsDir:   true,
				ModTime: time.Now().UTC(),
			})
		}
	}
	return entries, nil
}

func (f *Fake) Download(ctx context.Context, id, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc, ok := f.conts[id]
	if !ok {
		return nil, fmt.Errorf("download: %w", engine.ErrContainerNotFound)
	}

	clean := path.Clean(p)
	if data, ok := fc.files[clean]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if fc.dirs[clean] || f.hasChildren(fc, clean) {
		return nil, fmt.Errorf("download %s: %w", p, engine.ErrIsDirectory)
	}
	return nil, &engine.OpError{Op: "download", Err: fmt.Errorf("path %q not found", p)}
}

func (f *Fake) Stats(ctx context.Context, id string) (*engine.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.conts[id]; !ok {
		return nil, fmt.Errorf("stats: %w", engine.ErrContainerNotFound)
	}
	return &engine.Usage{
		CPUTotalNanos:   2_000_000_000,
		MemoryBytes:     32 * 1024 * 1024,
		MemoryPeakBytes: 48 * 1024 * 1024,
		RxBytes:         1024,
		TxBytes:         2048,
	}, nil
}

func (f *Fake) ShellWrap(cmd string) []string {
	return []string{"/bin/sh", "-lc", cmd}
}

func (f *Fake) RemoveFileCmd(p string) []string {
	return []string{"rm", "-f", "--", p}
}

func (f *Fake) Close() error { return nil }

func (f *Fake) hasChildren(fc *fakeContainer, dir string) bool {
	prefix := dir + "/"
	for p := range fc.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for d := range fc.dirs {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}

// MarkRunning flips a held container to the running state.
func (f *Fake) MarkRunning(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.conts[id]; ok {
		fc.state = "running"
	}
}

// SetState overrides a container's engine state (running, exited, ...).
func (f *Fake) SetState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.conts[id]; ok {
		fc.state = state
	}
}

// AddManaged seeds an engine-side container that no store row knows about.
func (f *Fake) AddManaged(c models.Container, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conts[c.ID] = &fakeContainer{
		model: c,
		state: state,
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

// Remove drops a container without recording a Delete, as if it vanished
// behind the library's back.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conts, id)
}

// FileContent reads back an uploaded file.
func (f *Fake) FileContent(id, p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.conts[id]
	if !ok {
		return nil, false
	}
	data, ok := fc.files[path.Clean(p)]
	return data, ok
}

// ContainerIDs returns the ids the engine currently holds.
func (f *Fake) ContainerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.conts))
	for id := range f.conts {
		ids = append(ids, id)
	}
	return ids
}

// Deleted returns the ids passed to Delete, in order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Execs returns every recorded exec, in order.
func (f *Fake) Execs() []ExecRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecRecord(nil), f.execs...)
}

// Pulled returns the images passed to EnsureImage, in order.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

func splitAfterLines(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var out [][]byte
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			out = append(out, b)
			break
		}
		out = append(out, b[:i+1])
		b = b[i+1:]
	}
	return out
}
