package cgroup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ocirun/errors"
	"ocirun/spec"
)

const cgroupRoot = "/sys/fs/cgroup"

// validCgroupKey matches valid cgroup v2 controller file names, e.g.
// cpu.max, memory.max, io.bfq.weight.
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

// freezeRetryBudget bounds how long Freeze/Thaw will poll cgroup.events
// waiting for the kernel to settle out of the transient FREEZING state.
const freezeRetryBudget = 200 * time.Millisecond

// V2Manager drives a single cgroup under the unified hierarchy.
type V2Manager struct {
	path string
}

// NewV2Manager creates or opens a cgroup at cgroupPath, always taken
// relative to /sys/fs/cgroup; a leading slash does not make it absolute.
func NewV2Manager(cgroupPath string) (*V2Manager, error) {
	full := filepath.Join(cgroupRoot, cgroupPath)
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, errors.WrapCgroup(err, "create", "", "", false)
	}
	if err := enableParentControllers(cgroupPath); err != nil {
		return nil, err
	}
	return &V2Manager{path: full}, nil
}

func (m *V2Manager) Path() string { return m.path }

func (m *V2Manager) Apply(pid int) error {
	procsPath := filepath.Join(m.path, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return errors.WrapCgroup(err, "apply", "", "cgroup.procs", false)
	}
	return nil
}

func (m *V2Manager) Set(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}
	if err := m.applyMemory(resources.Memory); err != nil {
		return err
	}
	if err := m.applyCPU(resources.CPU); err != nil {
		return err
	}
	if err := m.applyPids(resources.Pids); err != nil {
		return err
	}
	if err := m.applyHugepages(resources.HugepageLimits); err != nil {
		return err
	}
	if err := ApplyDeviceRules(m.path, resources.Devices); err != nil {
		return err
	}
	for key, value := range resources.Unified {
		if err := validateCgroupKey(key); err != nil {
			return errors.WrapCgroup(fmt.Errorf("invalid cgroup key %q: %w", key, err), "set", "unified", key, false)
		}
		if err := os.WriteFile(filepath.Join(m.path, key), []byte(value), 0644); err != nil {
			return errors.WrapCgroup(err, "set", "unified", key, false)
		}
	}
	return nil
}

func (m *V2Manager) applyMemory(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}
	if memory.Limit != nil && *memory.Limit > 0 {
		if err := m.write("memory", "memory.max", strconv.FormatInt(*memory.Limit, 10)); err != nil {
			return err
		}
	}
	if memory.Reservation != nil && *memory.Reservation > 0 {
		if err := m.write("memory", "memory.low", strconv.FormatInt(*memory.Reservation, 10)); err != nil {
			return err
		}
	}
	if memory.Swap != nil {
		swapLimit := *memory.Swap
		if memory.Limit != nil {
			swapLimit = *memory.Swap - *memory.Limit
			if swapLimit < 0 {
				swapLimit = 0
			}
		}
		path := filepath.Join(m.path, "memory.swap.max")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(swapLimit, 10)), 0644); err != nil {
			if !errors.IsSubsystemNotEnabled(errors.WrapCgroup(err, "set", "memory", "memory.swap.max", os.IsNotExist(err))) {
				return errors.WrapCgroup(err, "set", "memory", "memory.swap.max", false)
			}
		}
	}
	return nil
}

func (m *V2Manager) applyCPU(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Quota != nil || cpu.Period != nil {
		quota := "max"
		if cpu.Quota != nil && *cpu.Quota > 0 {
			quota = strconv.FormatInt(*cpu.Quota, 10)
		}
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		if err := m.write("cpu", "cpu.max", fmt.Sprintf("%s %d", quota, period)); err != nil {
			return err
		}
	}
	if cpu.Shares != nil && *cpu.Shares > 0 {
		weight := sharesToWeight(*cpu.Shares)
		if err := m.write("cpu", "cpu.weight", strconv.FormatUint(weight, 10)); err != nil {
			return err
		}
	}
	if cpu.RealtimeRuntime != nil || cpu.RealtimePeriod != nil {
		return errors.ErrRealtimeUnsupported
	}
	if cpu.Cpus != "" {
		if err := m.write("cpuset", "cpuset.cpus", cpu.Cpus); err != nil {
			return err
		}
	}
	if cpu.Mems != "" {
		if err := m.write("cpuset", "cpuset.mems", cpu.Mems); err != nil {
			return err
		}
	}
	return nil
}

// sharesToWeight maps the OCI (cgroup v1) shares range [2, 262144] onto
// the cgroup v2 cpu.weight range [1, 10000], matching the affine formula
// systemd and runc both use so v1-authored specs behave the same under v2.
func sharesToWeight(shares uint64) uint64 {
	if shares <= 2 {
		return 1
	}
	weight := 1 + (shares-2)*9999/262142
	if weight > 10000 {
		weight = 10000
	}
	return weight
}

func (m *V2Manager) applyPids(pids *spec.LinuxPids) error {
	if pids == nil || pids.Limit <= 0 {
		return nil
	}
	return m.write("pids", "pids.max", strconv.FormatInt(pids.Limit, 10))
}

func (m *V2Manager) applyHugepages(limits []spec.LinuxHugepageLimit) error {
	for _, l := range limits {
		size, err := parseHugepageSize(l.Pagesize)
		if err != nil {
			return errors.WrapCgroup(err, "set", "hugetlb", l.Pagesize, false)
		}
		key := fmt.Sprintf("hugetlb.%s.max", size)
		if err := m.write("hugetlb", key, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
	}
	return nil
}

// parseHugepageSize validates and normalizes an OCI hugepage size string
// (e.g. "2MB", "1GB") into the form cgroupfs expects in its filenames.
// The numeric prefix must be a power of two; any other value names a page
// size the kernel cannot back with a hugetlb pool.
func parseHugepageSize(pagesize string) (string, error) {
	idx := strings.IndexFunc(pagesize, func(r rune) bool { return r < '0' || r > '9' })
	if idx <= 0 {
		return "", fmt.Errorf("malformed hugepage size %q", pagesize)
	}
	n, err := strconv.ParseUint(pagesize[:idx], 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed hugepage size %q: %w", pagesize, err)
	}
	if n == 0 || n&(n-1) != 0 {
		return "", fmt.Errorf("hugepage size %q is not a power of two", pagesize)
	}
	return pagesize, nil
}

func (m *V2Manager) write(subsystem, file, value string) error {
	path := filepath.Join(m.path, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return errors.WrapCgroup(err, "set", subsystem, file, os.IsNotExist(err))
	}
	return nil
}

func (m *V2Manager) Destroy() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return errors.WrapCgroup(err, "destroy", "", "", false)
	}
	return nil
}

func (m *V2Manager) MemoryUsage() (int64, error) {
	data, err := os.ReadFile(filepath.Join(m.path, "memory.current"))
	if err != nil {
		return 0, errors.WrapCgroup(err, "read", "memory", "memory.current", false)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (m *V2Manager) PidsCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(m.path, "pids.current"))
	if err != nil {
		return 0, errors.WrapCgroup(err, "read", "pids", "pids.current", false)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (m *V2Manager) Freeze(ctx context.Context) error {
	return m.setFreeze(ctx, "1")
}

func (m *V2Manager) Thaw(ctx context.Context) error {
	return m.setFreeze(ctx, "0")
}

// setFreeze writes cgroup.freeze and polls cgroup.events until the
// transition settles or freezeRetryBudget elapses. The kernel can briefly
// report the cgroup as still transitioning even after the write succeeds.
func (m *V2Manager) setFreeze(ctx context.Context, value string) error {
	path := filepath.Join(m.path, "cgroup.freeze")
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return errors.WrapCgroup(err, "set", "freezer", "cgroup.freeze", false)
	}

	deadline := time.Now().Add(freezeRetryBudget)
	want := "frozen 1"
	if value == "0" {
		want = "frozen 0"
	}
	for {
		data, err := os.ReadFile(filepath.Join(m.path, "cgroup.events"))
		if err != nil {
			return errors.WrapCgroup(err, "read", "freezer", "cgroup.events", false)
		}
		if strings.Contains(string(data), want) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.WrapCgroup(fmt.Errorf("freezer did not settle within %s", freezeRetryBudget), "set", "freezer", "cgroup.events", false)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// enableParentControllers enables the controllers this manager needs on
// every ancestor of cgroupPath, since cgroup v2 requires a controller be
// active in cgroup.subtree_control of a parent before a child can use it.
func enableParentControllers(cgroupPath string) error {
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := cgroupRoot
	controllers := "+cpu +memory +pids +cpuset +hugetlb +io"

	for _, part := range parts {
		controlFile := filepath.Join(current, "cgroup.subtree_control")
		_ = os.WriteFile(controlFile, []byte(controllers), 0644)
		current = filepath.Join(current, part)
	}
	return nil
}

func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}

// DefaultPath returns the default cgroup path for a container when the
// spec leaves Linux.CgroupsPath unset.
func DefaultPath(containerID, specPath string) string {
	if specPath != "" {
		return specPath
	}
	return filepath.Join("ocirun", containerID)
}
