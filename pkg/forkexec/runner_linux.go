package forkexec

import (
	"syscall"

	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
)

// Runner is the configuration of one fork: the exec target, the resource
// limits and the identity the child assumes before it execs.
//
// The child performs its steps in a fixed order:
//
//	dup3 files, setsid, mounts (private mount namespace only),
//	prlimit64 for each RLimits entry,
//	securebits lock (DropCaps),
//	setgroups, setgid, setuid,
//	prctl(PR_SET_DUMPABLE, 1) if Dumpable,
//	sync with parent (SyncFunc), chdir,
//	no_new_privs, capset, seccomp,
//	execve
//
// Limits are applied while the child still holds the zygote's privileges so
// that hard limits may be raised. Identity is changed before anything else
// can create a thread in the child.
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// if exec_fd is defined, then at the end, fd_execve is called
	ExecFile uintptr

	// POSIX Resource limit set by prlimit64, in order
	RLimits []rlimit.RLimit

	// file descriptors map for new process, from 0 to len - 1
	Files []uintptr

	// work path set by chdir(dir) after the identity change
	WorkDir string

	// Credential holds user and group identities to be assumed.
	// Groups are applied unless NoSetGroups is set, so an empty non-nil
	// list clears the supplementary groups inherited from the zygote.
	Credential *syscall.Credential

	// Dumpable calls prctl(PR_SET_DUMPABLE, 1) after setuid so that a
	// debugger running as the same uid may attach before execve. The flag
	// belongs to the mm and execve resets it for the new image.
	Dumpable bool

	// seccomp syscall filter applied right before execve
	Seccomp *syscall.SockFprog

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to disable calls to
	// setuid processes. It is automatically enabled when seccomp filter is provided
	NoNewPrivs bool

	// DropCaps locks securebits before the identity change and clears the
	// capability sets before execve so that the child cannot regain root
	DropCaps bool

	// CloneFlags passed to clone; only CLONE_NEWNS is honoured
	CloneFlags uintptr

	// Mounts performed inside the private mount namespace, as root
	Mounts []mount.SyscallParams

	// SyncFunc is invoked with the child pid once the child reports that it
	// has been specialized and before it execs. If it returns an error the
	// child is killed and the error reported
	SyncFunc func(int) error

	// KeepZombie leaves a failed child killed but unreaped, for a reaper
	// that collects every child of the process
	KeepZombie bool
}
