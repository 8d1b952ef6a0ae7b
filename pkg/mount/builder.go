package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bind  = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE | unix.MS_REC
	mFlag = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
)

// Builder collects the mounts of one child
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Build converts the mounts into syscall parameters. Every target must be
// absolute and every bind source must exist.
func (b *Builder) Build() ([]SyscallParams, error) {
	ret := make([]SyscallParams, 0, len(b.Mounts))
	for _, m := range b.Mounts {
		if !filepath.IsAbs(m.Target) {
			return nil, fmt.Errorf("%w: %q", ErrRelativeTarget, m.Target)
		}
		mknod, err := isBindMountFile(m)
		if err != nil {
			return nil, err
		}
		sp, err := m.ToSyscall()
		if err != nil {
			return nil, err
		}
		sp.MakeNod = mknod
		ret = append(ret, *sp)
	}
	return ret, nil
}

// FilterNotExist drops bind mounts whose source is missing
func (b *Builder) FilterNotExist() *Builder {
	rt := b.Mounts[:0]
	for _, m := range b.Mounts {
		if m.IsBindMount() {
			if _, err := os.Stat(m.Source); os.IsNotExist(err) {
				continue
			}
		}
		rt = append(rt, m)
	}
	b.Mounts = rt
	return b
}

func isBindMountFile(m Mount) (bool, error) {
	if !m.IsBindMount() {
		return false, nil
	}
	fi, err := os.Stat(m.Source)
	if err != nil {
		return false, err
	}
	return !fi.IsDir(), nil
}

// WithMounts appends mounts
func (b *Builder) WithMounts(m []Mount) *Builder {
	b.Mounts = append(b.Mounts, m...)
	return b
}

// WithMount appends a mount
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithBind appends a bind mount of source onto target
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	b.Mounts = append(b.Mounts, bindMount(source, target, readonly))
	return b
}

// WithTmpfs appends a tmpfs at target, data being e.g. "size=64m,mode=755"
func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Flags:  mFlag,
		Data:   data,
	})
	return b
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
