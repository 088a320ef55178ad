// Package container implements the intermediate pipeline stage.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"ocirun/linux"
	"ocirun/spec"
	"ocirun/utils"
)

// initSysProcAttr builds the SysProcAttr intermediate uses to fork init.
// No Cloneflags are needed: the pid namespace was already unshared, and
// every other namespace was created atomically by Main's original clone.
func initSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// chanAFD is the ExtraFiles index Main passes CHAN_A's remote end at.
// cmd.ExtraFiles always start at fd 3 in the child.
const chanAFD = 3

// RunIntermediate is the entry point of the hidden "intermediate" command.
// It runs as the middle stage of the Main -> Intermediate -> Init bootstrap
// pipeline: it was cloned by Main with most namespaces already created
// (everything except pid, spec §4.6), relays the uid/gid mapping handback
// to Main, then unshares its own pid namespace and forks init so init lands
// as pid 1 of it.
func RunIntermediate() error {
	chanA := utils.NewChannelFromFD(chanAFD, "chanA")
	defer chanA.Close()

	bundle := os.Getenv("_RUNC_GO_INIT_BUNDLE")
	fifoPath := os.Getenv("_RUNC_GO_INIT_FIFO")
	containerID := os.Getenv("_RUNC_GO_INIT_ID")
	stateDir := os.Getenv("_RUNC_GO_STATE_DIR")
	if bundle == "" || fifoPath == "" {
		return fmt.Errorf("missing intermediate environment")
	}

	s, err := spec.LoadSpec(filepath.Join(bundle, "config.json"))
	if err != nil {
		return fmt.Errorf("load spec: %w", err)
	}

	if err := chanA.Send(utils.MsgIntermediateReady, nil); err != nil {
		return fmt.Errorf("send intermediate-ready: %w", err)
	}

	if linux.WantsUserNamespace(s) {
		if err := chanA.Send(utils.MsgWriteMappingRequest, nil); err != nil {
			return fmt.Errorf("send write-mapping-request: %w", err)
		}
		t, _, err := chanA.Recv()
		if err != nil {
			return fmt.Errorf("recv mapping-written: %w", err)
		}
		if t != utils.MsgMappingWritten {
			return fmt.Errorf("expected mapping-written, got msg type %d", t)
		}
	}

	if linux.WantsPIDNamespace(s) {
		if err := linux.UnshareNewPID(); err != nil {
			return fmt.Errorf("unshare pid namespace: %w", err)
		}
	}

	chanB, chanBRemote, err := utils.NewChannelPair()
	if err != nil {
		return fmt.Errorf("create chan-b: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		chanBRemote.Close()
		return fmt.Errorf("get executable: %w", err)
	}

	initCmd := exec.Command(self, "init")
	initCmd.Dir = bundle
	initCmd.ExtraFiles = []*os.File{chanBRemote}
	initCmd.Env = append(os.Environ(),
		fmt.Sprintf("_RUNC_GO_INIT_BUNDLE=%s", bundle),
		fmt.Sprintf("_RUNC_GO_INIT_FIFO=%s", fifoPath),
		fmt.Sprintf("_RUNC_GO_INIT_ID=%s", containerID),
		fmt.Sprintf("_RUNC_GO_STATE_DIR=%s", stateDir),
	)
	initCmd.Stdin = os.Stdin
	initCmd.Stdout = os.Stdout
	initCmd.Stderr = os.Stderr
	// Setsid so init becomes its own session leader, same as when Main
	// started "init" directly in the two-stage bootstrap. A terminal
	// controlling tty is still claimed explicitly by init itself.
	initCmd.SysProcAttr = initSysProcAttr()

	if err := initCmd.Start(); err != nil {
		chanBRemote.Close()
		chanB.Close()
		chanA.Send(utils.MsgExecFailed, []byte(err.Error()))
		return fmt.Errorf("start init: %w", err)
	}
	chanBRemote.Close()

	// Block for init's own readiness ping on CHAN_B before proxying
	// InitReady{pid_of_N} up to Main (spec §4.6 step 5): an OS-level
	// exec succeeding isn't the same as init having reached a state
	// safe to cgroup-join, since init still does namespace/rootfs setup
	// of its own after forking.
	t, _, err := chanB.Recv()
	if err != nil || t != utils.MsgInitReady {
		reason := fmt.Sprintf("init did not become ready: %v (msg type %d)", err, t)
		chanA.Send(utils.MsgExecFailed, []byte(reason))
		initCmd.Wait()
		return fmt.Errorf("%s", reason)
	}

	pidPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(pidPayload, uint32(initCmd.Process.Pid))
	if err := chanA.Send(utils.MsgInitReady, pidPayload); err != nil {
		chanB.Close()
		return fmt.Errorf("send init-ready: %w", err)
	}

	// initCmd.Wait() reaps init once it exits; the kernel tearing down
	// its fd table on exit also closes its copy of chanB's remote end,
	// which is what unblocks relaySeccompNotify's read below without
	// the two goroutines needing to coordinate directly.
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- initCmd.Wait()
	}()

	relaySeccompNotify(chanB, s.Linux)

	return <-waitErr
}

// relaySeccompNotify handles the one piece of Process Pipeline traffic that
// continues after InitReady: init's handoff of the seccomp notify listener
// fd (spec §4.5/§4.6). When the profile names a listenerPath, init connects
// to it directly and only acks over chanB; only when no listenerPath is
// configured does the raw fd travel over chanB, in which case this process
// becomes the de-facto monitor. Since implementing a full notify-response
// policy engine is out of scope, an un-listened-to fd is simply closed,
// which makes the kernel fail notified syscalls with ENOSYS rather than
// block forever.
func relaySeccompNotify(chanB *utils.Channel, l *spec.Linux) {
	if l == nil || l.Seccomp == nil {
		return
	}
	for {
		t, _, fd, err := chanB.RecvAny()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "[intermediate] warning: chan-b recv: %v\n", err)
			}
			return
		}
		switch t {
		case utils.MsgSeccompNotify:
			if fd >= 0 {
				fmt.Fprintf(os.Stderr, "[intermediate] warning: no seccomp listenerPath configured, closing notify fd\n")
				syscall.Close(fd)
			}
			chanB.Send(utils.MsgSeccompNotifyDone, nil)
		}
	}
}
