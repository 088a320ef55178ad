package cgroup

import (
	"context"
	"fmt"
	"strings"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	"ocirun/errors"
	"ocirun/spec"
)

const (
	cpuQuotaProp  = "CPUQuotaPerSecUSec"
	cpuPeriodProp = "CPUQuotaPeriodUSec"
	cpuWeightProp = "CPUWeight"

	microsecsPerSec = 1_000_000
	defaultPeriod   = uint64(100_000)
)

// SystemdManager drives a transient systemd scope unit for the container
// and writes whatever the unit's own property set cannot express (device
// rules, cgroup v2 "unified" passthrough keys) directly into the unit's
// delegated cgroup path.
type SystemdManager struct {
	conn      *systemdDbus.Conn
	unitName  string
	slice     string
	cgroup    *V2Manager
	delegated bool
}

// NewSystemdManager connects to the system D-Bus and prepares (but does
// not yet start) a transient scope unit named ocirun-<id>.scope.
func NewSystemdManager(containerID, cgroupsPath string) (*SystemdManager, error) {
	conn, err := systemdDbus.NewSystemConnectionContext(context.Background())
	if err != nil {
		return nil, errors.ErrDbusConnect
	}

	unitName := fmt.Sprintf("ocirun-%s.scope", containerID)
	slice := "system.slice"
	if cgroupsPath != "" {
		slice = sliceFromCgroupsPath(cgroupsPath)
	}

	return &SystemdManager{conn: conn, unitName: unitName, slice: slice}, nil
}

// sliceFromCgroupsPath turns an OCI cgroupsPath of the form "slice:prefix:name"
// or a plain cgroupfs-style path into a systemd slice name, falling back to
// system.slice when it cannot be parsed.
func sliceFromCgroupsPath(cgroupsPath string) string {
	if strings.Contains(cgroupsPath, ":") {
		parts := strings.SplitN(cgroupsPath, ":", 3)
		if len(parts) > 0 && strings.HasSuffix(parts[0], ".slice") {
			return parts[0]
		}
	}
	return "system.slice"
}

func (m *SystemdManager) Path() string {
	if m.cgroup != nil {
		return m.cgroup.Path()
	}
	return ""
}

// Apply starts the transient scope with pid as its sole initial member,
// then resolves the ControlGroup property systemd assigned so later
// resource writes outside systemd's property vocabulary land in the right
// place.
func (m *SystemdManager) Apply(pid int) error {
	props := []systemdDbus.Property{
		systemdDbus.PropSlice(m.slice),
		systemdDbus.PropPids(uint32(pid)),
		newProperty("Delegate", true),
		newProperty("MemoryAccounting", true),
		newProperty("CPUAccounting", true),
		newProperty("TasksAccounting", true),
	}

	ch := make(chan string, 1)
	if _, err := m.conn.StartTransientUnitContext(context.Background(), m.unitName, "replace", props, ch); err != nil {
		return errors.WrapDbus(err, "start-transient-unit")
	}
	<-ch
	m.delegated = true

	cgPath, err := m.controlGroupPath()
	if err != nil {
		return err
	}
	cg, err := NewV2Manager(strings.TrimPrefix(cgPath, "/"))
	if err != nil {
		return err
	}
	m.cgroup = cg
	return nil
}

// Reattach resolves the delegated cgroup of a unit this process did not
// itself start with Apply, e.g. after a process restart or for a pause,
// resume, or update against an already-running container.
func (m *SystemdManager) Reattach() error {
	cgPath, err := m.controlGroupPath()
	if err != nil {
		return err
	}
	cg, err := NewV2Manager(strings.TrimPrefix(cgPath, "/"))
	if err != nil {
		return err
	}
	m.cgroup = cg
	m.delegated = true
	return nil
}

func (m *SystemdManager) controlGroupPath() (string, error) {
	prop, err := m.conn.GetUnitTypePropertyContext(context.Background(), m.unitName, "Scope", "ControlGroup")
	if err != nil {
		return "", errors.WrapDbus(err, "get-control-group")
	}
	path, ok := prop.Value.Value().(string)
	if !ok {
		return "", errors.WrapDbus(fmt.Errorf("unexpected ControlGroup property type"), "get-control-group")
	}
	return path, nil
}

// Set maps OCI resources onto systemd unit properties where systemd has
// one, and falls through to direct cgroupfs writes (via the delegated
// V2Manager) for everything systemd does not model, such as device rules.
func (m *SystemdManager) Set(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}

	props, err := m.cpuProperties(resources.CPU)
	if err != nil {
		return err
	}
	if resources.Memory != nil && resources.Memory.Limit != nil && *resources.Memory.Limit > 0 {
		props = append(props, newProperty("MemoryMax", uint64(*resources.Memory.Limit)))
	}
	if resources.Pids != nil && resources.Pids.Limit > 0 {
		props = append(props, newProperty("TasksMax", uint64(resources.Pids.Limit)))
	}

	if len(props) > 0 {
		if err := m.conn.SetUnitPropertiesContext(context.Background(), m.unitName, true, props...); err != nil {
			return errors.WrapDbus(err, "set-unit-properties")
		}
	}

	if m.cgroup == nil {
		return nil
	}
	if len(resources.Devices) > 0 {
		if err := ApplyDeviceRules(m.cgroup.Path(), resources.Devices); err != nil {
			return err
		}
	}
	for key, value := range resources.Unified {
		if err := validateCgroupKey(key); err != nil {
			return errors.WrapCgroup(fmt.Errorf("invalid cgroup key %q: %w", key, err), "set", "unified", key, false)
		}
		if err := m.cgroup.write("unified", key, value); err != nil {
			return err
		}
	}
	return nil
}

// cpuProperties mirrors runc's systemd cpu-shares-to-weight mapping and its
// quota/period defaulting, including the exact edge cases: shares of zero
// emits no CPUWeight property at all, an unset or non-positive quota maps
// to "no limit" (math.MaxUint64), and realtime scheduling is rejected since
// the systemd cgroup backend cannot express it.
func (m *SystemdManager) cpuProperties(cpu *spec.LinuxCPU) ([]systemdDbus.Property, error) {
	if cpu == nil {
		return nil, nil
	}
	if cpu.RealtimeRuntime != nil || cpu.RealtimePeriod != nil {
		return nil, errors.ErrRealtimeUnsupported
	}

	var props []systemdDbus.Property

	if cpu.Shares != nil && *cpu.Shares != 0 {
		if weight := sharesToWeight(*cpu.Shares); weight != 0 {
			props = append(props, newProperty(cpuWeightProp, weight))
		}
	}

	period := defaultPeriod
	if cpu.Period != nil && *cpu.Period > 0 {
		period = *cpu.Period
	}
	props = append(props, newProperty(cpuPeriodProp, period))

	quota := uint64(1<<64 - 1)
	if cpu.Quota != nil && *cpu.Quota > 0 {
		quota = uint64(*cpu.Quota) * microsecsPerSec / period
	}
	props = append(props, newProperty(cpuQuotaProp, quota))

	return props, nil
}

func (m *SystemdManager) Destroy() error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(context.Background(), m.unitName, "replace", ch); err != nil {
		return errors.WrapDbus(err, "stop-unit")
	}
	<-ch
	return nil
}

func (m *SystemdManager) MemoryUsage() (int64, error) {
	if m.cgroup == nil {
		return 0, fmt.Errorf("cgroup not yet delegated")
	}
	return m.cgroup.MemoryUsage()
}

func (m *SystemdManager) PidsCurrent() (int64, error) {
	if m.cgroup == nil {
		return 0, fmt.Errorf("cgroup not yet delegated")
	}
	return m.cgroup.PidsCurrent()
}

func (m *SystemdManager) Freeze(ctx context.Context) error {
	if m.cgroup == nil {
		return fmt.Errorf("cgroup not yet delegated")
	}
	return m.cgroup.Freeze(ctx)
}

func (m *SystemdManager) Thaw(ctx context.Context) error {
	if m.cgroup == nil {
		return fmt.Errorf("cgroup not yet delegated")
	}
	return m.cgroup.Thaw(ctx)
}

func newProperty(name string, value interface{}) systemdDbus.Property {
	return systemdDbus.Property{Name: name, Value: dbus.MakeVariant(value)}
}
