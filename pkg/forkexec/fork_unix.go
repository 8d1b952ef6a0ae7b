package forkexec

import _ "unsafe" // required for go:linkname

// beforeFork blocks signals and prepares the runtime for a raw clone
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork restores the signal mask in the parent after clone
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild resets signal handlers in the child. Only the calling
// thread exists in the child afterwards, so nothing past this call may
// allocate or enter the scheduler.
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
