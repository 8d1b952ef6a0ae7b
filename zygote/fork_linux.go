package zygote

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote/pkg/forkexec"
	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
)

// Fork forks a child of the own image without changing its identity or
// limits. The child comes up in zygote state and has to call Specialize.
func (r *Runtime) Fork() ForkResult {
	if r.State() == StateSpecialized {
		return errorResult(ErrSpecialized)
	}
	ch, err := r.newRunner(nil)
	if err != nil {
		return errorResult(err)
	}
	return r.start(ch, nil, false)
}

// ForkAndSpecialize forks a child that applies req before it execs: the
// resource limits, then setgroups, setgid and setuid, then the debugger
// flag. The call does not wait for the child; ForkResult.Specialized
// reports how the child got on. A child that fails any step exits.
func (r *Runtime) ForkAndSpecialize(req *ForkRequest) ForkResult {
	return r.forkSpecialized(req, false)
}

// ForkSystemServer forks like ForkAndSpecialize and has the supervisor
// watch the child as the system server: once it terminates, for whatever
// reason, the zygote goes down with it.
func (r *Runtime) ForkSystemServer(req *ForkRequest) ForkResult {
	if r.supervisor == nil {
		return errorResult(ErrNoSupervisor)
	}
	return r.forkSpecialized(req, true)
}

func (r *Runtime) forkSpecialized(req *ForkRequest, system bool) ForkResult {
	if r.State() == StateSpecialized {
		return errorResult(ErrSpecialized)
	}
	if err := req.Validate(); err != nil {
		return errorResult(err)
	}
	ch, err := r.newRunner(req)
	if err != nil {
		return errorResult(err)
	}
	return r.start(ch, req, system)
}

// start forks the child and completes the handshake in the background.
// With a supervisor the fork and the registration of the child happen
// under the supervisor's reap lock, so a child cannot be reaped unnamed.
func (r *Runtime) start(ch *forkexec.Runner, req *ForkRequest, system bool) ForkResult {
	var (
		hs  *forkexec.Sync
		err error
		pid int
		uid = -1
	)
	if req != nil {
		uid = req.UID
	}
	fork := func() (int, error) {
		var p int
		p, hs, err = ch.Fork()
		return p, err
	}
	if r.supervisor != nil {
		pid, err = r.supervisor.Spawn(req.name(), uid, system, fork)
	} else {
		pid, err = fork()
	}
	if err != nil {
		r.logger.Error("fork failed", "name", req.name(), "error", err)
		return errorResult(err)
	}

	r.logger.Info("forked", "pid", pid, "name", req.name(), "uid", uid, "system_server", system)
	done := make(chan error, 1)
	go func() {
		err := hs.Wait()
		if err != nil {
			attrs := []any{"pid", pid, "name", req.name(), "error", err}
			var ce forkexec.ChildError
			if errors.As(err, &ce) {
				attrs = append(attrs, "location", ce.Location.String(), "specialization", ce.Location.Specialization())
			}
			r.logger.Error("child failed before exec", attrs...)
		}
		done <- err
		close(done)
	}()
	return parentResult(pid, done)
}

// newRunner translates a request into the child's fork configuration. A
// nil request forks the own image unchanged.
func (r *Runtime) newRunner(req *ForkRequest) (*forkexec.Runner, error) {
	ch := &forkexec.Runner{
		Files:      r.files,
		KeepZombie: r.supervisor != nil,
	}
	if req == nil || len(req.Args) == 0 {
		img, err := r.selfImage()
		if err != nil {
			return nil, fmt.Errorf("zygote: self image: %w", err)
		}
		marker := markerZygote
		if req != nil {
			marker = markerSpecialized
			if req.EnableDebugger {
				marker = markerDebuggable
			}
		}
		env := os.Environ()
		if req != nil {
			env = append(env, req.Env...)
		}
		ch.ExecFile = img.Fd()
		ch.Args = append([]string{r.argv0(req)}, r.childArgs...)
		ch.Env = childEnv(env, marker)
	} else {
		ch.Args = req.Args
		ch.Env = req.Env
	}
	if req == nil {
		return ch, nil
	}

	if len(req.Files) > 0 {
		ch.Files = req.Files
	}
	ch.WorkDir = req.WorkDir

	limits, err := rlimit.FromTuples(req.RLimits)
	if err != nil {
		return nil, err
	}
	ch.RLimits = limits
	ch.Credential = req.Credential()
	ch.Dumpable = req.EnableDebugger
	ch.NoNewPrivs = req.NoNewPrivs
	ch.DropCaps = req.DropCaps

	if req.Seccomp != nil {
		filter, err := req.Seccomp.Build()
		if err != nil {
			return nil, fmt.Errorf("zygote: seccomp: %w", err)
		}
		ch.Seccomp = filter.SockFprog()
	}
	if len(req.Mounts) > 0 {
		params, err := mount.NewBuilder().WithMounts(req.Mounts).Build()
		if err != nil {
			return nil, fmt.Errorf("zygote: mounts: %w", err)
		}
		ch.Mounts = params
		ch.CloneFlags = unix.CLONE_NEWNS
	}
	if req.Cgroup && r.groups != nil {
		uid := req.UID
		ch.SyncFunc = func(pid int) error {
			return r.groups.Add(uid, pid)
		}
	}
	return ch, nil
}

func (r *Runtime) argv0(req *ForkRequest) string {
	if req != nil && req.NiceName != "" {
		return req.NiceName
	}
	return os.Args[0]
}

// Specialize applies req to the calling process: the resource limits, then
// setgroups, setgid and setuid on every thread, then the dumpable flag
// following EnableDebugger. It is meant for children of Fork. A failed step
// is fatal; the process exits through the exit hook with status 1. A
// process specializes at most once.
func (r *Runtime) Specialize(req *ForkRequest) error {
	r.specializeMu.Lock()
	defer r.specializeMu.Unlock()

	if r.State() == StateSpecialized {
		return ErrSpecialized
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := r.specialize(req); err != nil {
		r.logger.Error("specialization failed", "uid", req.UID, "gid", req.GID, "error", err)
		r.exit(1)
		return err
	}
	r.debuggable.Store(req.EnableDebugger)
	r.state.Store(int32(StateSpecialized))
	r.logger.Info("specialized", "uid", req.UID, "gid", req.GID, "debuggable", req.EnableDebugger)
	return nil
}

func (r *Runtime) specialize(req *ForkRequest) error {
	limits, err := rlimit.FromTuples(req.RLimits)
	if err != nil {
		return err
	}
	if i, err := rlimit.Apply(limits); err != nil {
		return childError(forkexec.LocSetRlimit, i, err)
	}
	if req.GIDs != nil {
		if err := syscall.Setgroups(req.GIDs); err != nil {
			return childError(forkexec.LocSetGroups, 0, err)
		}
	}
	if err := syscall.Setgid(req.GID); err != nil {
		return childError(forkexec.LocSetGid, 0, err)
	}
	if err := syscall.Setuid(req.UID); err != nil {
		return childError(forkexec.LocSetUid, 0, err)
	}
	if err := setDumpable(req.EnableDebugger); err != nil {
		return childError(forkexec.LocSetDumpable, 0, err)
	}
	return nil
}

func setDumpable(on bool) error {
	var v uintptr
	if on {
		v = 1
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, v, 0, 0, 0)
}

// childError reports an in-process failure the way a forked child does
func childError(loc forkexec.ErrorLocation, idx int, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", loc, err)
	}
	return forkexec.ChildError{Err: errno, Location: loc, Index: idx}
}
