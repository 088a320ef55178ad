package cgroup

import (
	"testing"

	"ocirun/spec"
)

func int64p(v int64) *int64 { return &v }

func TestDeviceEmulatorAddRuleWildcardResets(t *testing.T) {
	e := newDeviceEmulator(false)
	e.addRule(spec.LinuxDeviceCgroup{Allow: false, Type: "c", Access: "rwm", Major: int64p(1), Minor: int64p(5)})
	if len(e.rules) != 1 {
		t.Fatalf("expected 1 rule after first add, got %d", len(e.rules))
	}

	// A wildcard "a" rule resets defaultAllow and discards prior rules,
	// matching the kernel's own v1 fold semantics.
	e.addRule(spec.LinuxDeviceCgroup{Allow: true, Type: "a"})
	if !e.defaultAllow {
		t.Error("expected defaultAllow true after wildcard allow rule")
	}
	if len(e.rules) != 0 {
		t.Errorf("expected rules cleared after wildcard rule, got %d", len(e.rules))
	}
}

func TestDeviceEmulatorAddRuleEmptyAccessDiscarded(t *testing.T) {
	e := newDeviceEmulator(false)
	e.addRule(spec.LinuxDeviceCgroup{Allow: true, Type: "c", Access: ""})
	if len(e.rules) != 0 {
		t.Errorf("expected rule with empty access to be discarded, got %d rules", len(e.rules))
	}
}

func TestDeviceEmulatorAddRuleDefaultsToWildcard(t *testing.T) {
	e := newDeviceEmulator(false)
	e.addRule(spec.LinuxDeviceCgroup{Allow: true})
	if !e.defaultAllow {
		t.Error("expected empty Type to be treated as wildcard 'a'")
	}
}

func TestDevTypeCode(t *testing.T) {
	if devTypeCode('b') != devTypeBlock {
		t.Errorf("devTypeCode('b') = %d, want %d", devTypeCode('b'), devTypeBlock)
	}
	if devTypeCode('c') != devTypeChar {
		t.Errorf("devTypeCode('c') = %d, want %d", devTypeCode('c'), devTypeChar)
	}
}

func TestAccessMask(t *testing.T) {
	tests := []struct {
		access   string
		expected int32
	}{
		{"r", accRead},
		{"w", accWrite},
		{"m", accMknod},
		{"rwm", accRead | accWrite | accMknod},
		{"", 0},
		{"rw", accRead | accWrite},
	}
	for _, tc := range tests {
		if got := accessMask(tc.access); got != tc.expected {
			t.Errorf("accessMask(%q) = %d, want %d", tc.access, got, tc.expected)
		}
	}
}

func TestCompileDeviceProgramFallsThroughToDefault(t *testing.T) {
	e := newDeviceEmulator(true)
	e.addRule(spec.LinuxDeviceCgroup{Allow: false, Type: "c", Access: "rwm", Major: int64p(1), Minor: int64p(3)})

	insns, err := compileDeviceProgram(e)
	if err != nil {
		t.Fatalf("compileDeviceProgram: %v", err)
	}
	if len(insns) == 0 {
		t.Fatal("expected non-empty instruction stream")
	}
}

func TestCompileDeviceProgramReverseOrderFirstMatch(t *testing.T) {
	e := newDeviceEmulator(false)
	// Two conflicting rules for the same device; the later addRule call
	// must win because rules are walked in reverse addition order.
	e.addRule(spec.LinuxDeviceCgroup{Allow: false, Type: "c", Access: "rwm", Major: int64p(1), Minor: int64p(3)})
	e.addRule(spec.LinuxDeviceCgroup{Allow: true, Type: "c", Access: "rwm", Major: int64p(1), Minor: int64p(3)})

	if len(e.rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(e.rules))
	}
	if !e.rules[len(e.rules)-1].allow {
		t.Error("expected last-added rule to be the allow rule")
	}

	insns, err := compileDeviceProgram(e)
	if err != nil {
		t.Fatalf("compileDeviceProgram: %v", err)
	}
	if len(insns) == 0 {
		t.Fatal("expected non-empty instruction stream")
	}
}
