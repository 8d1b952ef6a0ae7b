// Package rlimit provides the data structures used to apply POSIX resource
// limits to a specializing child through prlimit64.
package rlimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Infinity is RLIM_INFINITY. A negative soft or hard value in a tuple maps to it.
const Infinity = ^uint64(0)

// ErrInvalid is returned for malformed resource limit tuples
var ErrInvalid = errors.New("rlimit: invalid resource limit")

// RLimit is the resource limit defined by Linux setrlimit
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

var resourceNames = []struct {
	name string
	res  int
}{
	{"cpu", unix.RLIMIT_CPU},
	{"fsize", unix.RLIMIT_FSIZE},
	{"data", unix.RLIMIT_DATA},
	{"stack", unix.RLIMIT_STACK},
	{"core", unix.RLIMIT_CORE},
	{"rss", unix.RLIMIT_RSS},
	{"nproc", unix.RLIMIT_NPROC},
	{"nofile", unix.RLIMIT_NOFILE},
	{"memlock", unix.RLIMIT_MEMLOCK},
	{"as", unix.RLIMIT_AS},
	{"locks", unix.RLIMIT_LOCKS},
	{"sigpending", unix.RLIMIT_SIGPENDING},
	{"msgqueue", unix.RLIMIT_MSGQUEUE},
	{"nice", unix.RLIMIT_NICE},
	{"rtprio", unix.RLIMIT_RTPRIO},
	{"rttime", unix.RLIMIT_RTTIME},
}

// maxResource is RLIM_NLIMITS
const maxResource = 16

// ParseResource accepts either a resource name ("nofile", "RLIMIT_NOFILE")
// or its number
func ParseResource(s string) (int, error) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "rlimit_")
	for _, r := range resourceNames {
		if r.name == n {
			return r.res, nil
		}
	}
	res, err := strconv.Atoi(n)
	if err != nil || res < 0 || res >= maxResource {
		return 0, fmt.Errorf("%w: unknown resource %q", ErrInvalid, s)
	}
	return res, nil
}

// ResourceName returns the short name of a resource, or Resource(n)
func ResourceName(res int) string {
	for _, r := range resourceNames {
		if r.res == res {
			return r.name
		}
	}
	return fmt.Sprintf("Resource(%d)", res)
}

func toLimit(v int64) uint64 {
	if v < 0 {
		return Infinity
	}
	return uint64(v)
}

// FromTuples validates (resource, soft, hard) tuples and converts them in order.
// The soft limit must not exceed the hard limit. Whether the calling process
// may raise a hard limit is only known when the limit is applied, which
// happens before credentials are dropped.
func FromTuples(tuples [][3]int64) ([]RLimit, error) {
	ret := make([]RLimit, 0, len(tuples))
	for i, t := range tuples {
		if t[0] < 0 || t[0] >= maxResource {
			return nil, fmt.Errorf("%w: rlimit[%d] resource %d", ErrInvalid, i, t[0])
		}
		cur, max := toLimit(t[1]), toLimit(t[2])
		if cur > max {
			return nil, fmt.Errorf("%w: rlimit[%d] %s soft %d exceeds hard %d", ErrInvalid, i, ResourceName(int(t[0])), t[1], t[2])
		}
		ret = append(ret, RLimit{
			Res:  int(t[0]),
			Rlim: syscall.Rlimit{Cur: cur, Max: max},
		})
	}
	return ret, nil
}

// Tuples converts limits back to (resource, soft, hard) triples
func Tuples(limits []RLimit) [][3]int64 {
	ret := make([][3]int64, 0, len(limits))
	for _, l := range limits {
		ret = append(ret, [3]int64{int64(l.Res), fromLimit(l.Rlim.Cur), fromLimit(l.Rlim.Max)})
	}
	return ret
}

func fromLimit(v uint64) int64 {
	if v == Infinity {
		return -1
	}
	return int64(v)
}

// Bound lowers the (resource, soft, hard) tuples to the bounds given for
// the same resource. A tuple without a bound is kept. The soft limit never
// ends up above the hard limit.
func Bound(tuples, bounds [][3]int64) [][3]int64 {
	limits := make(map[int64][2]uint64, len(bounds))
	for _, b := range bounds {
		limits[b[0]] = [2]uint64{toLimit(b[1]), toLimit(b[2])}
	}
	ret := make([][3]int64, 0, len(tuples))
	for _, t := range tuples {
		b, ok := limits[t[0]]
		if !ok {
			ret = append(ret, t)
			continue
		}
		hard := min(toLimit(t[2]), b[1])
		soft := min(toLimit(t[1]), b[0], hard)
		ret = append(ret, [3]int64{t[0], fromLimit(soft), fromLimit(hard)})
	}
	return ret
}

// Exceeds returns the index of the first tuple whose hard limit is above
// the calling process's own hard limit for that resource, or -1 if none is
func Exceeds(tuples [][3]int64) (int, error) {
	for i, t := range tuples {
		var cur unix.Rlimit
		if err := unix.Prlimit(0, int(t[0]), nil, &cur); err != nil {
			return i, err
		}
		if toLimit(t[2]) > cur.Max {
			return i, nil
		}
	}
	return -1, nil
}

// Apply sets the limits on the calling process in order and stops at the
// first failure, reporting its index
func Apply(limits []RLimit) (int, error) {
	for i, l := range limits {
		lim := unix.Rlimit{Cur: l.Rlim.Cur, Max: l.Rlim.Max}
		if err := unix.Prlimit(0, l.Res, &lim, nil); err != nil {
			return i, err
		}
	}
	return -1, nil
}

// RLimits is the configuration-file shape of common resource limits
type RLimits struct {
	CPU          uint64 `yaml:"cpu,omitempty"`          // in s
	CPUHard      uint64 `yaml:"cpuHard,omitempty"`      // in s
	Data         uint64 `yaml:"data,omitempty"`         // in bytes
	FileSize     uint64 `yaml:"fileSize,omitempty"`     // in bytes
	Stack        uint64 `yaml:"stack,omitempty"`        // in bytes
	AddressSpace uint64 `yaml:"addressSpace,omitempty"` // in bytes
	OpenFile     uint64 `yaml:"openFile,omitempty"`     // count
	Processes    uint64 `yaml:"processes,omitempty"`    // count
	DisableCore  bool   `yaml:"disableCore,omitempty"`  // set core to 0
}

func getRlimit(cur, max uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: cur, Max: max}
}

// PrepareRLimit creates the rlimit list for the configured fields
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit
	if r.CPU > 0 {
		cpuHard := r.CPUHard
		if cpuHard < r.CPU {
			cpuHard = r.CPU
		}
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CPU,
			Rlim: getRlimit(r.CPU, cpuHard),
		})
	}
	if r.Data > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_DATA,
			Rlim: getRlimit(r.Data, r.Data),
		})
	}
	if r.FileSize > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_FSIZE,
			Rlim: getRlimit(r.FileSize, r.FileSize),
		})
	}
	if r.Stack > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_STACK,
			Rlim: getRlimit(r.Stack, r.Stack),
		})
	}
	if r.AddressSpace > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_AS,
			Rlim: getRlimit(r.AddressSpace, r.AddressSpace),
		})
	}
	if r.OpenFile > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_NOFILE,
			Rlim: getRlimit(r.OpenFile, r.OpenFile),
		})
	}
	if r.Processes > 0 {
		ret = append(ret, RLimit{
			Res:  unix.RLIMIT_NPROC,
			Rlim: getRlimit(r.Processes, r.Processes),
		})
	}
	if r.DisableCore {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CORE,
			Rlim: getRlimit(0, 0),
		})
	}
	return ret
}

func limitString(v uint64) string {
	if v == Infinity {
		return "inf"
	}
	return strconv.FormatUint(v, 10)
}

func (r RLimit) String() string {
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%s s:%s s]", limitString(r.Rlim.Cur), limitString(r.Rlim.Max))
	case syscall.RLIMIT_NOFILE:
		return fmt.Sprintf("OpenFile[%s:%s]", limitString(r.Rlim.Cur), limitString(r.Rlim.Max))
	}
	return fmt.Sprintf("%s[%s:%s]", ResourceName(r.Res), limitString(r.Rlim.Cur), limitString(r.Rlim.Max))
}

func (r *RLimits) String() string {
	var s []string
	if r.CPU > 0 {
		s = append(s, fmt.Sprintf("CPU=%d", r.CPU))
	}
	if r.CPUHard > 0 {
		s = append(s, fmt.Sprintf("CPUHard=%d", r.CPUHard))
	}
	if r.Data > 0 {
		s = append(s, fmt.Sprintf("Data=%d", r.Data))
	}
	if r.FileSize > 0 {
		s = append(s, fmt.Sprintf("FileSize=%d", r.FileSize))
	}
	if r.Stack > 0 {
		s = append(s, fmt.Sprintf("Stack=%d", r.Stack))
	}
	if r.AddressSpace > 0 {
		s = append(s, fmt.Sprintf("AddressSpace=%d", r.AddressSpace))
	}
	if r.OpenFile > 0 {
		s = append(s, fmt.Sprintf("OpenFile=%d", r.OpenFile))
	}
	if r.Processes > 0 {
		s = append(s, fmt.Sprintf("Processes=%d", r.Processes))
	}
	if r.DisableCore {
		s = append(s, "DisableCore=true")
	}
	return fmt.Sprintf("RLimits{%s}", strings.Join(s, ", "))
}
