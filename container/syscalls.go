// Package container provides syscall wrappers.
package container

import (
	"ocirun/syscallgw"
)

// Gateway is the syscall gateway the init process issues identity and exec
// calls through. Tests substitute a *syscallgw.Recording to assert on the
// setgroups/setgid/setuid/exec sequence without running as root.
var Gateway syscallgw.Interface = syscallgw.Real{}

// execProcess executes a process (does not return on success).
func execProcess(path string, args []string, env []string) error {
	return Gateway.Exec(path, args, env)
}

// setUid sets the user ID.
func setUid(uid int) error {
	return Gateway.Setuid(uid)
}

// setGid sets the group ID.
func setGid(gid int) error {
	return Gateway.Setgid(gid)
}

// setUmask sets the umask and returns the old value.
func setUmask(mask int) int {
	return Gateway.Setumask(mask)
}

// setGroups sets supplementary group IDs.
func setGroups(gids []int) error {
	return Gateway.Setgroups(gids)
}
