package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sync is the parent's end of the status socket shared with a freshly
// cloned child
type Sync struct {
	r   *Runner
	p   int
	pid int
}

// Start forks a child, waits until it is specialized and has execed, and
// returns its pid
func (r *Runner) Start() (int, error) {
	pid, s, err := r.Fork()
	if err != nil {
		return 0, err
	}
	if err := s.Wait(); err != nil {
		return 0, err
	}
	return pid, nil
}

// Fork clones the child and returns immediately with its pid. The child
// carries on with its specialization on its own; the returned Sync must be
// waited on to learn whether it reached execve.
func (r *Runner) Fork() (int, *Sync, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, nil, err
	}

	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, nil, err
	}

	// socketpair p reports child errors and syncs with parent before the final execve
	// p[0] is used by parent and p[1] is used by child
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, nil, err
	}

	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	unix.Close(p[1])
	if err1 != 0 {
		unix.Close(p[0])
		return 0, nil, ChildError{Err: err1, Location: LocClone}
	}
	return int(pid), &Sync{r: r, p: p[0], pid: int(pid)}, nil
}

// Pid returns the child pid
func (s *Sync) Pid() int {
	return s.pid
}

// Wait completes the handshake: it waits for the child to report its
// specialization, runs SyncFunc, lets the child continue and waits for the
// status socket to close on execve. On any failure the child has exited or
// is killed and reaped, and the error is returned.
func (s *Sync) Wait() error {
	var (
		err      error
		err1     syscall.Errno
		childErr ChildError
	)

	n, err := readChildErr(s.p, &childErr)
	// the child writes a bare errno on success and a ChildError on failure
	if (n != int(unsafe.Sizeof(err1)) && n != int(unsafe.Sizeof(childErr))) || childErr.Err != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto fail
	}

	if s.r.SyncFunc != nil {
		if err = s.r.SyncFunc(s.pid); err != nil {
			goto fail
		}
	}
	// ack child
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(s.p), uintptr(unsafe.Pointer(&err1)), uintptr(unsafe.Sizeof(err1)))

	// anything read after the ack means the child failed before execve
	// (the socket is close_on_exec so it does not block)
	n, err = readChildErr(s.p, &childErr)
	unix.Close(s.p)
	if n != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto failAfterClose
	}
	return nil

fail:
	unix.Close(s.p)

failAfterClose:
	handleChildFailed(s.pid, !s.r.KeepZombie)
	if childErr.Err == 0 {
		return err
	}
	return childErr
}

// readChildErr reads the child's status, retrying on EINTR
func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(unsafe.Sizeof(*childErr)))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// check pipe error
func handlePipeError(r1 int, errno syscall.Errno) syscall.Errno {
	if uintptr(r1) >= unsafe.Sizeof(errno) {
		return syscall.Errno(errno)
	}
	return syscall.EPIPE
}

func handleChildFailed(pid int, reap bool) {
	var wstatus syscall.WaitStatus
	// make sure not blocked
	syscall.Kill(pid, syscall.SIGKILL)
	if !reap {
		return
	}
	// child failed; wait for it to exit, to make sure the zombies don't accumulate.
	// A supervisor reaping every child may have collected it already (ECHILD).
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
