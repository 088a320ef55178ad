package cgroup

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"ocirun/errors"
	"ocirun/spec"
)

// deviceRule is a folded device-cgroup rule ready for code generation.
// Major/Minor nil means "any".
type deviceRule struct {
	allow  bool
	typ    byte // 'c' or 'b'
	major  *int64
	minor  *int64
	access string
}

// deviceEmulator folds a list of OCI device rules the way cgroup v1 would
// apply them sequentially, so the same config.json produces equivalent
// behavior on v2 hosts. A rule of type 'a' resets the default action and
// discards every rule seen so far, matching the kernel's own v1 semantics.
type deviceEmulator struct {
	defaultAllow bool
	rules        []deviceRule
}

func newDeviceEmulator(defaultAllow bool) *deviceEmulator {
	return &deviceEmulator{defaultAllow: defaultAllow}
}

func (e *deviceEmulator) addRules(rules []spec.LinuxDeviceCgroup) {
	for _, r := range rules {
		e.addRule(r)
	}
}

func (e *deviceEmulator) addRule(r spec.LinuxDeviceCgroup) {
	typ := r.Type
	if typ == "" {
		typ = "a"
	}
	if typ == "a" {
		e.defaultAllow = r.Allow
		e.rules = nil
		return
	}
	if r.Access == "" {
		return
	}
	e.rules = append(e.rules, deviceRule{
		allow:  r.Allow,
		typ:    typ[0],
		major:  r.Major,
		minor:  r.Minor,
		access: r.Access,
	})
}

// Kernel device-cgroup context layout (struct bpf_cgroup_dev_ctx):
// access_type is (access_bitmask << 16) | device_type.
const (
	devTypeBlock = 1
	devTypeChar  = 2

	accRead  = 1 << 1
	accWrite = 1 << 2
	accMknod = 1 << 0
)

func devTypeCode(t byte) int32 {
	if t == 'b' {
		return devTypeBlock
	}
	return devTypeChar
}

func accessMask(access string) int32 {
	var mask int32
	for _, c := range access {
		switch c {
		case 'r':
			mask |= accRead
		case 'w':
			mask |= accWrite
		case 'm':
			mask |= accMknod
		}
	}
	return mask
}

// compileDeviceProgram lowers the folded rule set into a cgroup-device BPF
// program. Rules are evaluated in reverse addition order, first match wins,
// matching the kernel's own reference filter and the fold semantics above.
func compileDeviceProgram(e *deviceEmulator) (asm.Instructions, error) {
	regType := asm.R2
	regAccess := asm.R3
	regMajor := asm.R4
	regMinor := asm.R5

	var insns asm.Instructions

	// Load access_type/major/minor out of the context (R1) into registers.
	insns = append(insns,
		asm.LoadMem(regType, asm.R1, 0, asm.Word),
		asm.LoadMem(regMajor, asm.R1, 4, asm.Word),
		asm.LoadMem(regMinor, asm.R1, 8, asm.Word),
		asm.Mov.Reg(regAccess, regType),
		asm.RSh.Imm32(regAccess, 16),
		asm.And.Imm32(regType, 0xffff),
	)

	labels := make([]string, len(e.rules))
	for i := range e.rules {
		labels[i] = fmt.Sprintf("rule_%d", i)
	}

	for i := len(e.rules) - 1; i >= 0; i-- {
		r := e.rules[i]

		next := "device_default"
		if i > 0 {
			next = labels[i-1]
		}

		var block asm.Instructions
		block = append(block, asm.JNE.Imm(regType, devTypeCode(r.typ), next))

		// The rule matches when every requested access bit is one it grants.
		want := accessMask(r.access)
		block = append(block,
			asm.Mov.Reg(asm.R0, regAccess),
			asm.And.Imm32(asm.R0, ^want),
			asm.JNE.Imm(asm.R0, 0, next),
		)
		if r.major != nil {
			block = append(block, asm.JNE.Imm(regMajor, int32(*r.major), next))
		}
		if r.minor != nil {
			block = append(block, asm.JNE.Imm(regMinor, int32(*r.minor), next))
		}
		ret := int32(0)
		if r.allow {
			ret = 1
		}
		block = append(block, asm.Mov.Imm(asm.R0, ret), asm.Return())

		block[0] = block[0].WithSymbol(labels[i])
		insns = append(insns, block...)
	}

	defaultRet := int32(0)
	if e.defaultAllow {
		defaultRet = 1
	}
	insns = append(insns,
		asm.Mov.Imm(asm.R0, defaultRet).WithSymbol("device_default"),
		asm.Return(),
	)

	return insns, nil
}

// ApplyDeviceRules folds the OCI device list and (re)loads it as the
// cgroup's device-access BPF program.
func ApplyDeviceRules(cgroupPath string, rules []spec.LinuxDeviceCgroup) error {
	if len(rules) == 0 {
		return nil
	}
	e := newDeviceEmulator(false)
	e.addRules(rules)

	insns, err := compileDeviceProgram(e)
	if err != nil {
		return errors.WrapBPF(err, "compile")
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.CGroupDevice,
		License:      "GPL",
		Instructions: insns,
	})
	if err != nil {
		return errors.WrapBPF(err, "load")
	}
	defer prog.Close()

	return attachDeviceProgram(cgroupPath, prog)
}

// attachDeviceProgram attaches the new program with BPF_F_ALLOW_MULTI and
// only then detaches whatever program(s) were previously attached, so a
// container is never briefly left with no device filter installed.
func attachDeviceProgram(cgroupPath string, prog *ebpf.Program) error {
	cgroupFile, err := os.Open(cgroupPath)
	if err != nil {
		return errors.WrapBPF(err, "open-cgroup")
	}
	defer cgroupFile.Close()

	existing, _ := link.QueryPrograms(link.QueryOptions{
		Target: int(cgroupFile.Fd()),
		Attach: ebpf.AttachCGroupDevice,
	})

	if err := link.RawAttachProgram(link.RawAttachProgramOptions{
		Target:  int(cgroupFile.Fd()),
		Program: prog,
		Attach:  ebpf.AttachCGroupDevice,
		Flags:   unix.BPF_F_ALLOW_MULTI,
	}); err != nil {
		return errors.WrapBPF(err, "attach")
	}

	if existing == nil {
		return nil
	}
	for _, p := range existing.Programs {
		old, err := ebpf.NewProgramFromID(p.ID())
		if err != nil {
			continue
		}
		_ = link.RawDetachProgram(link.RawDetachProgramOptions{
			Target:  int(cgroupFile.Fd()),
			Program: old,
			Attach:  ebpf.AttachCGroupDevice,
		})
		old.Close()
	}

	return nil
}
