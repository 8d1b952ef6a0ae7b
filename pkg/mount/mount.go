// Package mount describes the mounts a child performs inside its private
// mount namespace before it drops privileges.
package mount

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrRelativeTarget is returned when a mount target is not absolute. A
// child has no new root, so every target is resolved against the host tree.
var ErrRelativeTarget = errors.New("mount: target must be an absolute path")

// Mount defines a single mount(2) call
type Mount struct {
	Source string
	Target string
	FsType string
	Data   string
	Flags  uintptr
}

// SyscallParams is Mount with every string converted to a C string, so the
// child can use it without allocating
type SyscallParams struct {
	Source, Target, FsType, Data *byte
	Flags                        uintptr
	// Prefixes are the target and its parents, created before mounting
	Prefixes []*byte
	// MakeNod creates the last prefix as a file (bind mount of a file)
	MakeNod bool
}

// ToSyscall converts the mount into syscall parameters
func (m *Mount) ToSyscall() (*SyscallParams, error) {
	var data *byte
	source, err := syscall.BytePtrFromString(m.Source)
	if err != nil {
		return nil, err
	}
	target, err := syscall.BytePtrFromString(m.Target)
	if err != nil {
		return nil, err
	}
	fsType, err := syscall.BytePtrFromString(m.FsType)
	if err != nil {
		return nil, err
	}
	if m.Data != "" {
		data, err = syscall.BytePtrFromString(m.Data)
		if err != nil {
			return nil, err
		}
	}
	paths, err := arrayPtrFromStrings(pathPrefix(m.Target))
	if err != nil {
		return nil, err
	}
	return &SyscallParams{
		Source:   source,
		Target:   target,
		FsType:   fsType,
		Flags:    m.Flags,
		Data:     data,
		Prefixes: paths,
	}, nil
}

// ParseBind parses "source:target[:ro]"
func ParseBind(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("mount: invalid bind %q", s)
	}
	readonly := false
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			readonly = true
		case "rw":
		default:
			return Mount{}, fmt.Errorf("mount: invalid bind option %q", parts[2])
		}
	}
	if !filepath.IsAbs(parts[1]) {
		return Mount{}, fmt.Errorf("%w: %q", ErrRelativeTarget, parts[1])
	}
	return bindMount(parts[0], parts[1], readonly), nil
}

func bindMount(source, target string, readonly bool) Mount {
	var flags uintptr = bind
	if readonly {
		flags |= syscall.MS_RDONLY
	}
	return Mount{Source: source, Target: target, Flags: flags}
}

// IsBindMount reports whether MS_BIND is set
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly reports whether MS_RDONLY is set
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// IsTmpFs reports whether the mount is a tmpfs
func (m Mount) IsTmpFs() bool {
	return m.FsType == "tmpfs"
}

func (m Mount) String() string {
	flag := "rw"
	if m.IsReadOnly() {
		flag = "ro"
	}
	switch {
	case m.IsBindMount():
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)
	case m.IsTmpFs():
		return fmt.Sprintf("tmpfs[%s]", m.Target)
	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}

// pathPrefix returns "/a", "/a/b", "/a/b/c" for "/a/b/c"
func pathPrefix(path string) []string {
	ret := make([]string, 0)
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			ret = append(ret, path[:i])
		}
	}
	ret = append(ret, path)
	return ret
}

func arrayPtrFromStrings(str []string) ([]*byte, error) {
	bytes := make([]*byte, 0, len(str))
	for _, s := range str {
		b, err := syscall.BytePtrFromString(s)
		if err != nil {
			return nil, err
		}
		bytes = append(bytes, b)
	}
	return bytes, nil
}
