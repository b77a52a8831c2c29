package engine

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"
)

// Stats reads a one-shot resource snapshot for the container. The daemon's
// one-shot mode skips the priming sample, so this returns immediately.
func (d *Docker) Stats(ctx context.Context, id string) (*Usage, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, wrapErr("stats", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &OpError{Op: "stats", Err: err}
	}

	u := &Usage{
		CPUTotalNanos:   raw.CPUStats.CPUUsage.TotalUsage,
		MemoryBytes:     raw.MemoryStats.Usage,
		MemoryPeakBytes: raw.MemoryStats.MaxUsage,
	}
	for _, nw := range raw.Networks {
		u.RxBytes += nw.RxBytes
		u.TxBytes += nw.TxBytes
	}
	return u, nil
}
