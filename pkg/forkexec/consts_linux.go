package forkexec

import (
	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_STRICT   = 0
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// CloneFlags honoured by the child; a private mount namespace is the only
	// namespace a specialized application process gets
	CloneFlags = unix.CLONE_NEWNS

	// Read-only bind mount need to be remounted
	bindRo = unix.MS_BIND | unix.MS_RDONLY
)

var (
	none  = []byte("none\000")
	slash = []byte("/\000")
	empty = []byte("\000")

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD

	// Drop all capabilities
	dropCapHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	// version 3 takes two 32 bit halves
	dropCapData = [2]unix.CapUserData{}

	// wait 1ms between execve retries on ETXTBSY
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)

// Securebits flags
const (
	_SECURE_NOROOT = 1 << iota
	_SECURE_NOROOT_LOCKED

	_SECURE_NO_SETUID_FIXUP
	_SECURE_NO_SETUID_FIXUP_LOCKED

	_SECURE_KEEP_CAPS
	_SECURE_KEEP_CAPS_LOCKED

	_SECURE_NO_CAP_AMBIENT_RAISE
	_SECURE_NO_CAP_AMBIENT_RAISE_LOCKED
)
