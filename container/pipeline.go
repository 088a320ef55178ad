package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"syscall"

	cerrors "ocirun/errors"
	"ocirun/linux"
	"ocirun/spec"
	"ocirun/utils"
)

// runMainHandshake drives Main's side of CHAN_A (spec §4.6): it waits for
// the intermediate stage to announce itself, performs the uid/gid mapping
// handback for user namespaces, and returns once the intermediate stage has
// forked init, handing back init's pid so Main can apply cgroups and
// persist state against the real container process rather than the
// intermediate supervisor.
func runMainHandshake(chanA *utils.Channel, s *spec.Spec, intermediatePid int) (int, error) {
	t, _, err := chanA.Recv()
	if err != nil {
		return 0, lifecycleErr(err, "intermediate")
	}
	if t != utils.MsgIntermediateReady {
		return 0, cerrors.WrapLifecycle(fmt.Errorf("unexpected msg type %d, want intermediate-ready", t), "intermediate")
	}

	if linux.WantsUserNamespace(s) {
		t, _, err := chanA.Recv()
		if err != nil {
			return 0, lifecycleErr(err, "intermediate")
		}
		if t != utils.MsgWriteMappingRequest {
			return 0, cerrors.WrapLifecycle(fmt.Errorf("unexpected msg type %d, want write-mapping-request", t), "intermediate")
		}
		if err := linux.WriteIDMappings(intermediatePid, s.Linux.UIDMappings, s.Linux.GIDMappings); err != nil {
			return 0, cerrors.WrapLifecycle(fmt.Errorf("write id mappings: %w", err), "main")
		}
		if err := chanA.Send(utils.MsgMappingWritten, nil); err != nil {
			return 0, cerrors.WrapLifecycle(fmt.Errorf("send mapping-written: %w", err), "main")
		}
	}

	t, payload, err := chanA.Recv()
	if err != nil {
		return 0, lifecycleErr(err, "intermediate")
	}
	switch t {
	case utils.MsgExecFailed:
		return 0, cerrors.WrapLifecycle(fmt.Errorf("init exec failed: %s", string(payload)), "init")
	case utils.MsgInitReady:
		if len(payload) != 4 {
			return 0, cerrors.WrapLifecycle(fmt.Errorf("init-ready payload has %d bytes, want 4", len(payload)), "intermediate")
		}
		return int(binary.BigEndian.Uint32(payload)), nil
	default:
		return 0, cerrors.WrapLifecycle(fmt.Errorf("unexpected msg type %d, want init-ready", t), "intermediate")
	}
}

// setupSeccompWithHandoff installs config, obtaining a notify listener fd
// when the profile uses SCMP_ACT_NOTIFY, and hands that fd off the way the
// OCI runtime spec describes: to the unix socket at ListenerPath when one
// is configured, otherwise to the intermediate stage over chanB so the
// pipeline has an owner for it.
func setupSeccompWithHandoff(chanB *utils.Channel, config *spec.LinuxSeccomp) error {
	fd, err := linux.SetupSeccompListener(config)
	if err != nil {
		return err
	}
	if fd < 0 {
		// No notify action in this profile; SetupSeccompListener already
		// installed the filter the ordinary way.
		return nil
	}

	if config.ListenerPath != "" {
		if err := utils.SendFDToSocket(config.ListenerPath, fd, []byte(config.ListenerMetadata)); err != nil {
			syscall.Close(fd)
			return fmt.Errorf("hand off seccomp listener fd to %s: %w", config.ListenerPath, err)
		}
		syscall.Close(fd) // init's copy; the agent at ListenerPath now owns one
		if err := chanB.Send(utils.MsgSeccompNotify, []byte("external")); err != nil {
			return fmt.Errorf("notify intermediate of seccomp handoff: %w", err)
		}
	} else {
		if err := chanB.SendFD(utils.MsgSeccompNotify, fd); err != nil {
			return fmt.Errorf("send seccomp listener fd to intermediate: %w", err)
		}
		syscall.Close(fd) // intermediate now holds its own duplicate
	}

	t, _, err := chanB.Recv()
	if err != nil {
		return fmt.Errorf("recv seccomp-notify-done: %w", err)
	}
	if t != utils.MsgSeccompNotifyDone {
		return fmt.Errorf("unexpected msg type %d, want seccomp-notify-done", t)
	}
	return nil
}

// lifecycleErr maps a CHAN_A read failure to the sentinel the spec's §8
// boundary case names: the intermediate stage exiting or closing its end
// before signaling InitReady surfaces as EOF here.
func lifecycleErr(err error, stage string) error {
	if err == io.EOF {
		if stage == "intermediate" {
			return cerrors.ErrIntermediateFailed
		}
		return cerrors.ErrInitFailed
	}
	return cerrors.WrapLifecycle(err, stage)
}
