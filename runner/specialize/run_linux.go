// Package specialize runs a single program in a freshly specialized child
// and waits for it, without a zygote or a supervisor.
package specialize

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote/pkg/forkexec"
	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/seccomp"
	"github.com/zqzqsb/zygote/runner"
)

// Limit is checked against the rusage of the finished child
type Limit struct {
	TimeLimit   time.Duration
	MemoryLimit runner.Size
}

// Runner forks, specializes and execs one program and waits for it
type Runner struct {
	Args     []string
	Env      []string
	ExecFile uintptr
	WorkDir  string
	Files    []uintptr

	RLimits    []rlimit.RLimit
	Credential *syscall.Credential
	Dumpable   bool
	Seccomp    seccomp.Filter
	Mounts     []mount.SyscallParams
	DropCaps   bool

	Limit Limit

	// SyncFunc runs once the child is specialized, before it execs
	SyncFunc func(pid int) error

	Logger *slog.Logger
}

var _ runner.Runner = &Runner{}

// Run starts the child and waits for it. Cancelling c kills the child's
// process group.
func (r *Runner) Run(c context.Context) (result runner.Result) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ch := &forkexec.Runner{
		Args:       r.Args,
		Env:        r.Env,
		ExecFile:   r.ExecFile,
		RLimits:    r.RLimits,
		Files:      r.Files,
		WorkDir:    r.WorkDir,
		Credential: r.Credential,
		Dumpable:   r.Dumpable,
		DropCaps:   r.DropCaps,
		NoNewPrivs: r.DropCaps,
		Mounts:     r.Mounts,
		SyncFunc:   r.SyncFunc,
	}
	if len(r.Seccomp) > 0 {
		ch.Seccomp = r.Seccomp.SockFprog()
	}
	if len(r.Mounts) > 0 {
		ch.CloneFlags = unix.CLONE_NEWNS
	}

	var (
		wstatus unix.WaitStatus
		rusage  unix.Rusage
		sTime   = time.Now()
		fTime   time.Time
	)

	pid, err := ch.Start()
	logger.Debug("started", "pid", pid, "error", err)
	if err != nil {
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		return
	}
	fTime = time.Now()

	ctx, cancel := context.WithCancel(c)
	defer cancel()
	go func() {
		<-ctx.Done()
		killAll(pid)
	}()

	defer func() {
		killAll(pid)
		collectZombie(pid)
		result.SetUpTime = fTime.Sub(sTime)
		result.RunningTime = time.Since(fTime)
	}()

	for {
		_, err := unix.Wait4(pid, &wstatus, 0, &rusage)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			result.Status = runner.StatusRunnerError
			result.Error = err.Error()
			result.Pid = pid
			return
		}
		if !wstatus.Exited() && !wstatus.Signaled() {
			continue
		}
		logger.Debug("wait4", "pid", pid, "status", wstatus)

		result = runner.FromWaitStatus(pid, wstatus, &rusage)
		if r.Limit.TimeLimit > 0 && result.Time > r.Limit.TimeLimit {
			result.Status = runner.StatusTimeLimitExceeded
		}
		if r.Limit.MemoryLimit > 0 && result.Memory > r.Limit.MemoryLimit {
			result.Status = runner.StatusMemoryLimitExceeded
		}
		if err := c.Err(); err != nil && result.Status == runner.StatusSignalled {
			result.Status = runner.StatusTimeLimitExceeded
			result.Error = err.Error()
		}
		return
	}
}

// killAll kills the process group led by the child
func killAll(pgid int) {
	unix.Kill(-pgid, unix.SIGKILL)
}

// collectZombie reaps whatever is left of the process group
func collectZombie(pgid int) {
	var wstatus unix.WaitStatus
	for {
		if _, err := unix.Wait4(-pgid, &wstatus, unix.WALL|unix.WNOHANG, nil); err != unix.EINTR && err != nil {
			break
		}
	}
}
