package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation defines the specialization step where the child process failed
type ErrorLocation int

// ChildError defines the specific error and location where it failed.
// The child writes it on the status socket and exits immediately after.
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// Location constants, in the order the child performs them
const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocGetPid
	LocDup3
	LocFcntl
	LocSetSid
	LocMountRoot
	LocMountMkdir
	LocMount
	LocSetRlimit
	LocDropCapability
	LocSetGroups
	LocSetGid
	LocSetUid
	LocSetDumpable
	LocSyncWrite
	LocSyncRead
	LocChdir
	LocSetNoNewPrivs
	LocSetCap
	LocSeccomp
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"dup3",
	"fcntl",
	"setsid",
	"mount(root)",
	"mount(mkdir)",
	"mount",
	"setrlimit",
	"securebits",
	"setgroups",
	"setgid",
	"setuid",
	"set_dumpable",
	"sync_write",
	"sync_read",
	"chdir",
	"set_no_new_privs",
	"set_cap",
	"seccomp",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Specialization reports whether the failure happened while the child was
// changing its limits or identity
func (e ErrorLocation) Specialization() bool {
	return e >= LocSetRlimit && e <= LocSetDumpable
}

func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap exposes the errno to errors.Is
func (e ChildError) Unwrap() error {
	return e.Err
}
