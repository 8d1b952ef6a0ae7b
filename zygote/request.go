package zygote

import (
	"fmt"
	"math"
	"path/filepath"
	"syscall"

	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/seccomp/libseccomp"
)

// ForkRequest is the identity and the limits a child is specialized to
type ForkRequest struct {
	UID int
	GID int
	// GIDs are the supplementary groups. A nil list leaves the inherited
	// groups alone and an empty list clears them.
	GIDs []int

	// EnableDebugger makes the child dumpable so that a debugger running
	// with its uid can attach. Own-image children keep the flag across
	// execve through Init. For a program in Args it holds until execve
	// only; the kernel then decides whether the new image is dumpable.
	EnableDebugger bool

	// RLimits are (resource, soft, hard) tuples applied in order before
	// the identity change. A negative limit means unlimited.
	RLimits [][3]int64

	// NiceName names the child in logs and is argv[0] of own-image children
	NiceName string

	// Args is the program to exec; the zygote's own image when empty
	Args []string
	Env  []string

	// Files become fd 0..len-1 of the child; the runtime default when empty
	Files   []uintptr
	WorkDir string

	Seccomp *libseccomp.Builder

	// Mounts are performed in a private mount namespace of the child
	Mounts []mount.Mount

	NoNewPrivs bool
	DropCaps   bool

	// Cgroup places the child into its own process group before it execs
	Cgroup bool
}

// Validate checks the request without side effects
func (r *ForkRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if !validID(r.UID) {
		return fmt.Errorf("%w: uid %d", ErrInvalidRequest, r.UID)
	}
	if !validID(r.GID) {
		return fmt.Errorf("%w: gid %d", ErrInvalidRequest, r.GID)
	}
	for _, g := range r.GIDs {
		if !validID(g) {
			return fmt.Errorf("%w: supplementary gid %d", ErrInvalidRequest, g)
		}
	}
	if _, err := rlimit.FromTuples(r.RLimits); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(r.Args) > 0 && r.Args[0] == "" {
		return fmt.Errorf("%w: empty program", ErrInvalidRequest)
	}
	for _, m := range r.Mounts {
		if !filepath.IsAbs(m.Target) {
			return fmt.Errorf("%w: mount target %q is not absolute", ErrInvalidRequest, m.Target)
		}
	}
	return nil
}

// -1 is reserved by the kernel for "unchanged"
func validID(id int) bool {
	return id >= 0 && id < math.MaxUint32
}

// Credential is the identity of the child. Groups are left alone when GIDs
// is nil.
func (r *ForkRequest) Credential() *syscall.Credential {
	cred := &syscall.Credential{
		Uid:         uint32(r.UID),
		Gid:         uint32(r.GID),
		NoSetGroups: r.GIDs == nil,
	}
	if r.GIDs != nil {
		cred.Groups = make([]uint32, 0, len(r.GIDs))
		for _, g := range r.GIDs {
			cred.Groups = append(cred.Groups, uint32(g))
		}
	}
	return cred
}

func (r *ForkRequest) name() string {
	switch {
	case r == nil:
		return "child"
	case r.NiceName != "":
		return r.NiceName
	case len(r.Args) > 0:
		return filepath.Base(r.Args[0])
	}
	return "child"
}
