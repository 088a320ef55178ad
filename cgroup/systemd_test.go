package cgroup

import (
	"testing"

	"ocirun/errors"
	"ocirun/spec"
)

func TestSliceFromCgroupsPath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"", "system.slice"},
		{"user.slice:ocirun:abc123", "user.slice"},
		{"machine.slice:libpod:xyz", "machine.slice"},
		{"some/plain/path", "system.slice"},
		{"noslice:prefix:name", "system.slice"},
	}
	for _, tc := range tests {
		if got := sliceFromCgroupsPath(tc.path); got != tc.expected {
			t.Errorf("sliceFromCgroupsPath(%q) = %q, want %q", tc.path, got, tc.expected)
		}
	}
}

func TestCPUPropertiesNil(t *testing.T) {
	m := &SystemdManager{}
	props, err := m.cpuProperties(nil)
	if err != nil {
		t.Fatalf("cpuProperties(nil): %v", err)
	}
	if props != nil {
		t.Errorf("expected no properties for nil cpu spec, got %v", props)
	}
}

func TestCPUPropertiesRealtimeRejected(t *testing.T) {
	m := &SystemdManager{}
	rt := int64(1000)
	_, err := m.cpuProperties(&spec.LinuxCPU{RealtimeRuntime: &rt})
	if !errors.Is(err, errors.ErrRealtimeUnsupported) {
		t.Fatalf("expected ErrRealtimeUnsupported, got %v", err)
	}
}

func TestCPUPropertiesSharesZeroOmitsWeight(t *testing.T) {
	m := &SystemdManager{}
	shares := uint64(0)
	props, err := m.cpuProperties(&spec.LinuxCPU{Shares: &shares})
	if err != nil {
		t.Fatalf("cpuProperties: %v", err)
	}
	for _, p := range props {
		if p.Name == cpuWeightProp {
			t.Errorf("expected no %s property for shares=0, got one", cpuWeightProp)
		}
	}
}

func TestCPUPropertiesDefaultsNoLimit(t *testing.T) {
	m := &SystemdManager{}
	props, err := m.cpuProperties(&spec.LinuxCPU{})
	if err != nil {
		t.Fatalf("cpuProperties: %v", err)
	}

	var sawPeriod, sawQuota bool
	for _, p := range props {
		switch p.Name {
		case cpuPeriodProp:
			sawPeriod = true
			if v, ok := p.Value.Value().(uint64); !ok || v != defaultPeriod {
				t.Errorf("%s = %v, want %d", cpuPeriodProp, p.Value.Value(), defaultPeriod)
			}
		case cpuQuotaProp:
			sawQuota = true
			if v, ok := p.Value.Value().(uint64); !ok || v != uint64(1<<64-1) {
				t.Errorf("%s = %v, want max uint64 (no limit)", cpuQuotaProp, p.Value.Value())
			}
		}
	}
	if !sawPeriod || !sawQuota {
		t.Error("expected both period and quota properties even with an empty cpu spec")
	}
}

func TestCPUPropertiesQuotaComputed(t *testing.T) {
	m := &SystemdManager{}
	quota := int64(50000)
	period := uint64(100000)
	props, err := m.cpuProperties(&spec.LinuxCPU{Quota: &quota, Period: &period})
	if err != nil {
		t.Fatalf("cpuProperties: %v", err)
	}

	for _, p := range props {
		if p.Name == cpuQuotaProp {
			got, _ := p.Value.Value().(uint64)
			want := uint64(quota) * microsecsPerSec / period
			if got != want {
				t.Errorf("%s = %d, want %d", cpuQuotaProp, got, want)
			}
		}
	}
}

func TestNewProperty(t *testing.T) {
	p := newProperty("CPUWeight", uint64(42))
	if p.Name != "CPUWeight" {
		t.Errorf("Name = %q, want CPUWeight", p.Name)
	}
	if v, ok := p.Value.Value().(uint64); !ok || v != 42 {
		t.Errorf("Value = %v, want 42", p.Value.Value())
	}
}
