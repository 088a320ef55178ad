package cgroup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ocirun/errors"
	"ocirun/spec"
)

// legacyRoot is the mountpoint under which each v1 controller gets its own
// hierarchy, e.g. /sys/fs/cgroup/memory, /sys/fs/cgroup/cpu,cpuacct.
const legacyRoot = "/sys/fs/cgroup"

// v1 controller hierarchies a container may need, keyed by the name runc
// and the kernel use for the per-controller directory.
var v1Controllers = []string{"memory", "cpu", "cpuset", "pids", "devices", "freezer", "hugetlb"}

// V1Manager drives one cgroup per legacy controller hierarchy.
type V1Manager struct {
	relPath string
	paths   map[string]string // controller -> absolute directory
}

// NewV1Manager creates (or opens) the per-controller directories for
// cgroupPath across every mounted v1 hierarchy this host exposes.
func NewV1Manager(cgroupPath string) (*V1Manager, error) {
	m := &V1Manager{relPath: cgroupPath, paths: make(map[string]string)}
	for _, ctrl := range v1Controllers {
		hierarchy := filepath.Join(legacyRoot, ctrl)
		if _, err := os.Stat(hierarchy); err != nil {
			continue // controller not mounted on this host
		}
		full := filepath.Join(hierarchy, cgroupPath)
		if err := os.MkdirAll(full, 0755); err != nil {
			return nil, errors.WrapCgroup(err, "create", ctrl, "", false)
		}
		m.paths[ctrl] = full
	}
	return m, nil
}

func (m *V1Manager) Path() string {
	if p, ok := m.paths["memory"]; ok {
		return p
	}
	for _, p := range m.paths {
		return p
	}
	return filepath.Join(legacyRoot, m.relPath)
}

func (m *V1Manager) Apply(pid int) error {
	for ctrl, path := range m.paths {
		procsPath := filepath.Join(path, "cgroup.procs")
		if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
			return errors.WrapCgroup(err, "apply", ctrl, "cgroup.procs", false)
		}
	}
	return nil
}

func (m *V1Manager) Set(resources *spec.LinuxResources) error {
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
	return m.applyDevices(resources.Devices)
}

func (m *V1Manager) write(ctrl, file, value string) error {
	dir, ok := m.paths[ctrl]
	if !ok {
		return errors.WrapCgroup(fmt.Errorf("controller %q not mounted", ctrl), "set", ctrl, file, true)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0644); err != nil {
		return errors.WrapCgroup(err, "set", ctrl, file, false)
	}
	return nil
}

func (m *V1Manager) applyMemory(mem *spec.LinuxMemory) error {
	if mem == nil {
		return nil
	}
	if mem.Limit != nil && *mem.Limit > 0 {
		if err := m.write("memory", "memory.limit_in_bytes", strconv.FormatInt(*mem.Limit, 10)); err != nil {
			return err
		}
	}
	if mem.Reservation != nil && *mem.Reservation > 0 {
		if err := m.write("memory", "memory.soft_limit_in_bytes", strconv.FormatInt(*mem.Reservation, 10)); err != nil {
			return err
		}
	}
	if mem.Swap != nil {
		if err := m.write("memory", "memory.memsw.limit_in_bytes", strconv.FormatInt(*mem.Swap, 10)); err != nil {
			return err
		}
	}
	if mem.DisableOOMKiller != nil && *mem.DisableOOMKiller {
		if err := m.write("memory", "memory.oom_control", "1"); err != nil {
			return err
		}
	}
	return nil
}

func (m *V1Manager) applyCPU(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Shares != nil && *cpu.Shares > 0 {
		if err := m.write("cpu", "cpu.shares", strconv.FormatUint(*cpu.Shares, 10)); err != nil {
			return err
		}
	}
	if cpu.Quota != nil && *cpu.Quota > 0 {
		if err := m.write("cpu", "cpu.cfs_quota_us", strconv.FormatInt(*cpu.Quota, 10)); err != nil {
			return err
		}
	}
	if cpu.Period != nil && *cpu.Period > 0 {
		if err := m.write("cpu", "cpu.cfs_period_us", strconv.FormatUint(*cpu.Period, 10)); err != nil {
			return err
		}
	}
	if cpu.RealtimeRuntime != nil {
		if err := m.write("cpu", "cpu.rt_runtime_us", strconv.FormatInt(*cpu.RealtimeRuntime, 10)); err != nil {
			return err
		}
	}
	if cpu.RealtimePeriod != nil {
		if err := m.write("cpu", "cpu.rt_period_us", strconv.FormatUint(*cpu.RealtimePeriod, 10)); err != nil {
			return err
		}
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

func (m *V1Manager) applyPids(pids *spec.LinuxPids) error {
	if pids == nil || pids.Limit <= 0 {
		return nil
	}
	return m.write("pids", "pids.max", strconv.FormatInt(pids.Limit, 10))
}

func (m *V1Manager) applyHugepages(limits []spec.LinuxHugepageLimit) error {
	for _, l := range limits {
		size, err := parseHugepageSize(l.Pagesize)
		if err != nil {
			return errors.WrapCgroup(err, "set", "hugetlb", l.Pagesize, false)
		}
		key := fmt.Sprintf("hugetlb.%s.limit_in_bytes", size)
		if err := m.write("hugetlb", key, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
	}
	return nil
}

// applyDevices writes the folded allow/deny rule list to the devices
// controller's own text-based interface (devices.allow/devices.deny),
// using the same fold semantics as the v2 BPF emulator so v1 and v2 hosts
// enforce identical policy for the same config.json.
func (m *V1Manager) applyDevices(rules []spec.LinuxDeviceCgroup) error {
	if len(rules) == 0 {
		return nil
	}
	if _, ok := m.paths["devices"]; !ok {
		return nil
	}

	e := newDeviceEmulator(false)
	e.addRules(rules)

	defaultFile := "devices.deny"
	if e.defaultAllow {
		defaultFile = "devices.allow"
	}
	if err := m.write("devices", defaultFile, "a"); err != nil {
		return err
	}
	for _, r := range e.rules {
		file := "devices.deny"
		if r.allow {
			file = "devices.allow"
		}
		major := "*"
		if r.major != nil {
			major = strconv.FormatInt(*r.major, 10)
		}
		minor := "*"
		if r.minor != nil {
			minor = strconv.FormatInt(*r.minor, 10)
		}
		value := fmt.Sprintf("%c %s:%s %s", r.typ, major, minor, r.access)
		if err := m.write("devices", file, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *V1Manager) Destroy() error {
	var firstErr error
	for ctrl, path := range m.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errors.WrapCgroup(err, "destroy", ctrl, "", false)
		}
	}
	return firstErr
}

func (m *V1Manager) MemoryUsage() (int64, error) {
	dir, ok := m.paths["memory"]
	if !ok {
		return 0, errors.WrapCgroup(fmt.Errorf("memory controller not mounted"), "read", "memory", "memory.usage_in_bytes", true)
	}
	data, err := os.ReadFile(filepath.Join(dir, "memory.usage_in_bytes"))
	if err != nil {
		return 0, errors.WrapCgroup(err, "read", "memory", "memory.usage_in_bytes", false)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (m *V1Manager) PidsCurrent() (int64, error) {
	dir, ok := m.paths["pids"]
	if !ok {
		return 0, errors.WrapCgroup(fmt.Errorf("pids controller not mounted"), "read", "pids", "pids.current", true)
	}
	data, err := os.ReadFile(filepath.Join(dir, "pids.current"))
	if err != nil {
		return 0, errors.WrapCgroup(err, "read", "pids", "pids.current", false)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (m *V1Manager) Freeze(ctx context.Context) error {
	return m.setFreezerState(ctx, "FROZEN")
}

func (m *V1Manager) Thaw(ctx context.Context) error {
	return m.setFreezerState(ctx, "THAWED")
}

// setFreezerState drives the v1 freezer.state three-value state machine
// (THAWED, FREEZING, FROZEN), retrying within freezeRetryBudget since a
// FREEZING write settles to FROZEN asynchronously.
func (m *V1Manager) setFreezerState(ctx context.Context, want string) error {
	dir, ok := m.paths["freezer"]
	if !ok {
		return errors.WrapCgroup(fmt.Errorf("freezer controller not mounted"), "set", "freezer", "freezer.state", true)
	}
	statePath := filepath.Join(dir, "freezer.state")
	if err := os.WriteFile(statePath, []byte(want), 0644); err != nil {
		return errors.WrapCgroup(err, "set", "freezer", "freezer.state", false)
	}

	deadline := time.Now().Add(freezeRetryBudget)
	for {
		data, err := os.ReadFile(statePath)
		if err != nil {
			return errors.WrapCgroup(err, "read", "freezer", "freezer.state", false)
		}
		current := strings.TrimSpace(string(data))
		if current == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.WrapCgroup(fmt.Errorf("freezer stuck in %s, expected %s", current, want), "set", "freezer", "freezer.state", false)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
