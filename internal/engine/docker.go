package engine

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"codepod/internal/logging"
	"codepod/pkg/models"
)

// Config carries the engine-facing slice of the library configuration.
type Config struct {
	// Host is the engine endpoint; empty means take it from the environment
	// (DOCKER_HOST et al).
	Host string
	// LabelPrefix namespaces the managed labels and container names.
	LabelPrefix string
	// Windows switches command dialects to Windows containers and disables
	// the process cap, which their isolation does not support.
	Windows bool
	// StopGrace is the stop timeout granted before force-removal.
	StopGrace time.Duration
}

// Docker implements Engine over the official SDK client.
type Docker struct {
	cli *client.Client
	cfg Config
	log *zap.Logger
}

var _ Engine = (*Docker)(nil)

// NewDocker builds the SDK client and verifies the daemon is reachable.
func NewDocker(ctx context.Context, cfg Config) (*Docker, error) {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}

	d := &Docker{cli: cli, cfg: cfg, log: logging.L().Named("engine")}
	if err := d.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return d, nil
}

// Ping verifies the daemon answers.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return wrapErr("ping", err)
}

// Close releases the SDK client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// EnsureImage pulls the image if inspect reports it absent. Pull progress is
// drained and discarded.
func (d *Docker) EnsureImage(ctx context.Context, imageName string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return wrapErr("image inspect", err)
	}

	d.log.Info("pulling image", zap.String("image", imageName))
	rc, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return wrapErr("image pull", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return wrapErr("image pull", err)
	}
	return nil
}

// CreateContainer creates and starts one pool container running the
// platform keepalive command, then prepares its working directory. The
// returned record echoes the spec labels; its Status is left unset for the
// caller.
func (d *Docker) CreateContainer(ctx context.Context, spec CreateSpec) (*models.Container, error) {
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			NanoCPUs:   int64(spec.Limits.CPUCores * 1_000_000_000),
		},
	}
	if !d.cfg.Windows {
		pids := spec.Limits.MaxProcesses
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        keepaliveCmd(d.cfg.Windows),
		WorkingDir: spec.Workdir,
		Labels:     spec.Labels,
	}, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return nil, wrapErr("container create", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, wrapErr("container start", err)
	}

	if err := d.prepareWorkdir(ctx, created.ID, spec.Workdir); err != nil {
		_ = d.Delete(context.Background(), created.ID)
		return nil, err
	}

	return &models.Container{
		ID:           created.ID,
		Name:         spec.Name,
		Image:        spec.Image,
		DockerStatus: "created",
		CreatedAt:    time.Now().UTC(),
		Labels:       spec.Labels,
	}, nil
}

// prepareWorkdir creates the working directory and its artifacts
// subdirectory inside a freshly started container.
func (d *Docker) prepareWorkdir(ctx context.Context, id, workdir string) error {
	argv := mkdirCmd(d.cfg.Windows, workdir, path.Join(workdir, "artifacts"))
	res, err := d.execCapture(ctx, id, argv, "", utilOutputCap)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &OpError{Op: "prepare workdir", Err: fmt.Errorf("mkdir exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))}
	}
	return nil
}

// ListManaged returns every container carrying the managed label, running or
// not.
func (d *Docker) ListManaged(ctx context.Context) ([]models.Container, error) {
	args := filters.NewArgs()
	args.Add("label", ManagedLabel(d.cfg.LabelPrefix)+"=true")

	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, wrapErr("container list", err)
	}

	out := make([]models.Container, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, *containerFromSummary(s))
	}
	return out, nil
}

// Inspect returns the container record, or (nil, nil) when the engine does
// not know the id. Callers poll this during warm-up, so absence is not an
// error here.
func (d *Docker) Inspect(ctx context.Context, id string) (*models.Container, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr("container inspect", err)
	}
	return containerFromInspect(info), nil
}

// Delete stops the container with the configured grace and force-removes
// it. A container the engine no longer knows is not an error.
func (d *Docker) Delete(ctx context.Context, id string) error {
	grace := int(d.cfg.StopGrace / time.Second)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !errdefs.IsNotFound(err) {
		d.log.Debug("stop before remove failed",
			zap.String("container_id", id), zap.Error(err))
	}

	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return wrapErr("container remove", err)
}

// ShellWrap converts a shell command string into the platform argv.
func (d *Docker) ShellWrap(cmd string) []string {
	return shellWrap(d.cfg.Windows, cmd)
}

// RemoveFileCmd returns the platform argv that deletes a single file.
func (d *Docker) RemoveFileCmd(path string) []string {
	return removeFileCmd(d.cfg.Windows, path)
}

func containerFromSummary(s types.Container) *models.Container {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	return &models.Container{
		ID:           s.ID,
		Name:         name,
		Image:        s.Image,
		DockerStatus: s.State,
		CreatedAt:    time.Unix(s.Created, 0).UTC(),
		Labels:       s.Labels,
	}
}

func containerFromInspect(info types.ContainerJSON) *models.Container {
	c := &models.Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.DockerStatus = info.State.Status
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			started := t.UTC()
			c.StartedAt = &started
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = t.UTC()
	}
	return c
}
