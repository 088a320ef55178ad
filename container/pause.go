// Package container implements the pause/resume operations.
package container

import (
	"context"
	"fmt"

	"ocirun/cgroup"
	"ocirun/spec"
)

// Pause freezes all processes in the container's cgroup.
func Pause(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	if c.State.Status != spec.StatusRunning {
		return fmt.Errorf("container %s is not running", id)
	}

	mgr, err := cgroupManagerFor(c)
	if err != nil {
		return err
	}
	if err := mgr.Freeze(ctx); err != nil {
		return fmt.Errorf("freeze cgroup: %w", err)
	}

	return c.UpdateStatus(spec.StatusPaused)
}

// Resume thaws a paused container back to running.
func Resume(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	if c.State.Status != spec.StatusPaused {
		return fmt.Errorf("container %s is not paused", id)
	}

	mgr, err := cgroupManagerFor(c)
	if err != nil {
		return err
	}
	if err := mgr.Thaw(ctx); err != nil {
		return fmt.Errorf("thaw cgroup: %w", err)
	}

	return c.UpdateStatus(spec.StatusRunning)
}

// cgroupManagerFor reconstructs the cgroup manager that was used to create
// the container, from the backend recorded in its state.
func cgroupManagerFor(c *Container) (cgroup.Manager, error) {
	cgroupsPath := c.State.CgroupsPath
	if cgroupsPath == "" {
		cgroupsPath = cgroup.DefaultPath(c.ID, "")
	}
	mgr, err := cgroup.NewManager(c.ID, cgroupsPath, c.State.SystemdCgroup)
	if err != nil {
		return nil, fmt.Errorf("open cgroup manager: %w", err)
	}
	if sysd, ok := mgr.(*cgroup.SystemdManager); ok {
		if err := sysd.Reattach(); err != nil {
			return nil, fmt.Errorf("reattach systemd cgroup: %w", err)
		}
	}
	return mgr, nil
}

// Update applies new resource limits to a running or paused container.
func Update(ctx context.Context, id, stateRoot string, resources *spec.LinuxResources) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	if !c.IsRunning() {
		return fmt.Errorf("container %s is not running", id)
	}

	mgr, err := cgroupManagerFor(c)
	if err != nil {
		return err
	}
	return mgr.Set(resources)
}
