// Package syscallgw gates the small set of identity and exec syscalls the
// init process makes while dropping into the container's user process, so
// tests can exercise that sequencing without actually changing the test
// process's credentials.
package syscallgw

import "syscall"

// Interface is the set of syscalls the init process issues between
// pivot_root and the final exec of the user command.
type Interface interface {
	Setuid(uid int) error
	Setgid(gid int) error
	Setgroups(gids []int) error
	Setumask(mask int) int
	Exec(path string, args, env []string) error
}

// Real issues the actual syscalls via the standard library.
type Real struct{}

func (Real) Setuid(uid int) error { return syscall.Setuid(uid) }

func (Real) Setgid(gid int) error { return syscall.Setgid(gid) }

func (Real) Setgroups(gids []int) error { return syscall.Setgroups(gids) }

func (Real) Setumask(mask int) int { return syscall.Umask(mask) }

func (Real) Exec(path string, args, env []string) error {
	return syscall.Exec(path, args, env)
}

// Call records one invocation made against a Recording gateway.
type Call struct {
	Name string
	Args []any
}

// Recording is a test double that records every call instead of making it,
// so a test can assert on the exact sequence of identity transitions (e.g.
// that setgroups/setgid/setuid run in that order) without running as root.
type Recording struct {
	Calls []Call

	// SetuidErr, SetgidErr, SetgroupsErr let a test force a failure at a
	// specific step to exercise the caller's error path.
	SetuidErr    error
	SetgidErr    error
	SetgroupsErr error
}

func (r *Recording) Setuid(uid int) error {
	r.Calls = append(r.Calls, Call{Name: "Setuid", Args: []any{uid}})
	return r.SetuidErr
}

func (r *Recording) Setgid(gid int) error {
	r.Calls = append(r.Calls, Call{Name: "Setgid", Args: []any{gid}})
	return r.SetgidErr
}

func (r *Recording) Setgroups(gids []int) error {
	r.Calls = append(r.Calls, Call{Name: "Setgroups", Args: []any{gids}})
	return r.SetgroupsErr
}

func (r *Recording) Setumask(mask int) int {
	r.Calls = append(r.Calls, Call{Name: "Setumask", Args: []any{mask}})
	return 0
}

func (r *Recording) Exec(path string, args, env []string) error {
	r.Calls = append(r.Calls, Call{Name: "Exec", Args: []any{path, args, env}})
	return nil
}
