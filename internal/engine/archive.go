package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"

	"codepod/internal/metrics"
)

// Upload writes content to an absolute path inside the container through a
// single-entry tar stream. The daemon creates missing parent directories
// when it extracts against the container root.
func (d *Docker) Upload(ctx context.Context, id, dest string, content []byte) error {
	rel := strings.TrimPrefix(path.Clean("/"+dest), "/")
	if rel == "" {
		return &OpError{Op: "upload", Err: fmt.Errorf("destination %q is not a file path", dest)}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    rel,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return &OpError{Op: "upload", Err: err}
	}
	if _, err := tw.Write(content); err != nil {
		return &OpError{Op: "upload", Err: err}
	}
	if err := tw.Close(); err != nil {
		return &OpError{Op: "upload", Err: err}
	}

	if err := d.cli.CopyToContainer(ctx, id, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return d.archiveErr(ctx, "upload", id, dest, err)
	}
	metrics.Get().FileBytes.WithLabelValues("upload").Add(float64(len(content)))
	return nil
}

// List walks the tar archive of dir and returns its entries with paths
// relative to dir. Nested entries keep their subdirectory prefix.
func (d *Docker) List(ctx context.Context, id, dir string) ([]FileEntry, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, id, dir)
	if err != nil {
		return nil, d.archiveErr(ctx, "list files", id, dir, err)
	}
	defer rc.Close()

	base := path.Base(path.Clean(dir))
	entries := []FileEntry{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &OpError{Op: "list files", Err: err}
		}

		name := strings.TrimPrefix(hdr.Name, base)
		name = strings.Trim(name, "/")
		if name == "" {
			// The archive's root entry is dir itself.
			continue
		}
		entries = append(entries, FileEntry{
			Name:    name,
			Size:    hdr.Size,
			IsDir:   hdr.FileInfo().IsDir(),
			ModTime: hdr.ModTime,
		})
	}
	return entries, nil
}

// Download reads one file out of the container. Directories are refused
// with ErrIsDirectory.
func (d *Docker) Download(ctx context.Context, id, p string) ([]byte, error) {
	rc, stat, err := d.cli.CopyFromContainer(ctx, id, p)
	if err != nil {
		return nil, d.archiveErr(ctx, "download", id, p, err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("download %s: %w", p, ErrIsDirectory)
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &OpError{Op: "download", Err: err}
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, &OpError{Op: "download", Err: err}
		}
		metrics.Get().FileBytes.WithLabelValues("download").Add(float64(len(data)))
		return data, nil
	}
	return nil, &OpError{Op: "download", Err: fmt.Errorf("archive for %q held no file entry", p)}
}

// archiveErr disambiguates the daemon's not-found on archive calls: either
// the container itself is gone, or only the path inside it is missing.
func (d *Docker) archiveErr(ctx context.Context, op, id, p string, err error) error {
	if !errdefs.IsNotFound(err) {
		return wrapErr(op, err)
	}
	if _, ierr := d.cli.ContainerInspect(ctx, id); ierr != nil {
		return wrapErr(op, ierr)
	}
	metrics.Get().EngineErrors.WithLabelValues(op).Inc()
	return &OpError{Op: op, Err: fmt.Errorf("path %q not found", p)}
}
