package linux

import (
	selinux "github.com/opencontainers/selinux/go-selinux"
)

// ApplyMountLabel sets the SELinux context on rootfs once it's mounted.
// A no-op on hosts without SELinux enabled.
func ApplyMountLabel(path, label string) error {
	if label == "" || !selinux.GetEnabled() {
		return nil
	}
	return selinux.SetFileLabel(path, label)
}

// ApplyProcessLabel sets the SELinux exec context the init process carries
// into its final exec. Must run before the exec call, after namespaces and
// rootfs are set up.
func ApplyProcessLabel(label string) error {
	if label == "" || !selinux.GetEnabled() {
		return nil
	}
	return selinux.SetExecLabel(label)
}
