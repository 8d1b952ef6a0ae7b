// Package libseccomp compiles syscall name lists into seccomp filters
package libseccomp

import (
	"github.com/zqzqsb/zygote/pkg/seccomp"
	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// ToSeccompAction converts the action to the go-seccomp-bpf action.
// Unknown actions kill the process.
func ToSeccompAction(a seccomp.Action) libseccomp.Action {
	switch a.Action() {
	case seccomp.ActionAllow:
		return libseccomp.ActionAllow
	case seccomp.ActionErrno:
		return libseccomp.ActionErrno
	default:
		return libseccomp.ActionKillProcess
	}
}
