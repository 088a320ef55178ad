package container

import (
	"context"
	"fmt"
)

// Stats holds a point-in-time resource usage snapshot for a container.
type Stats struct {
	MemoryUsageBytes int64 `json:"memoryUsageBytes"`
	PidsCurrent      int64 `json:"pidsCurrent"`
}

// GetStats reads current cgroup resource usage for a container.
func GetStats(ctx context.Context, id, stateRoot string) (*Stats, error) {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return nil, fmt.Errorf("load container: %w", err)
	}

	mgr, err := cgroupManagerFor(c)
	if err != nil {
		return nil, err
	}

	mem, err := mgr.MemoryUsage()
	if err != nil {
		mem = -1
	}
	pids, err := mgr.PidsCurrent()
	if err != nil {
		pids = -1
	}

	return &Stats{MemoryUsageBytes: mem, PidsCurrent: pids}, nil
}
