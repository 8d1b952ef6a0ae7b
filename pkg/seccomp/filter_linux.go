// Package seccomp holds the seccomp filter in the shape the kernel loads
package seccomp

import "syscall"

// Filter is a compiled seccomp BPF program
type Filter []syscall.SockFilter

// SockFprog returns the program header passed to seccomp(2). The filter
// must not be empty.
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
