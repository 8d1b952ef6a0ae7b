// Package zygote forks pre-warmed processes and specializes them to an
// application identity.
//
// A Runtime in zygote state forks children that either exec a given
// program or re-exec the zygote's own image. Own-image children find out
// that they are the child branch of a fork by calling Init first thing in
// main:
//
//	func main() {
//		if rt, res, ok := zygote.Init(); ok {
//			runChild(rt, res)
//			return
//		}
//		rt := zygote.New(zygote.Options{...})
//		...
//	}
package zygote

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zqzqsb/zygote/pkg/cgroup"
	"github.com/zqzqsb/zygote/pkg/memfd"
)

// envState carries the child's state across the exec of the own image
const envState = "ZYGOTE_FORK_STATE"

const (
	markerZygote      = "zygote"
	markerSpecialized = "specialized"
	markerDebuggable  = "specialized+debuggable"
)

const selfExe = "/proc/self/exe"

// Options configure a Runtime
type Options struct {
	Logger *slog.Logger

	// Supervisor reaps the children and watches the system server.
	// Without it the caller reaps.
	Supervisor *Supervisor

	// Groups creates the process groups of requests with Cgroup set
	Groups *cgroup.ProcessGroups

	// ChildArgs follow argv[0] when the own image is executed
	ChildArgs []string

	// Files are the stdio of children whose request carries none.
	// When empty the child inherits the zygote's non close-on-exec fds.
	Files []uintptr

	// Exit ends the process after a failed in-process specialization.
	// Defaults to os.Exit.
	Exit func(code int)
}

// Runtime is the process-wide zygote context. A process has one Runtime,
// created by New in the zygote or returned by Init in a forked child.
type Runtime struct {
	logger     *slog.Logger
	supervisor *Supervisor
	groups     *cgroup.ProcessGroups
	childArgs  []string
	files      []uintptr
	exit       func(int)

	state      atomic.Int32
	debuggable atomic.Bool

	// specializeMu serializes Specialize
	specializeMu sync.Mutex

	imageOnce sync.Once
	image     *os.File
	imageErr  error
}

// New creates the Runtime of a zygote
func New(opts Options) *Runtime {
	r := &Runtime{
		logger:     opts.Logger,
		supervisor: opts.Supervisor,
		groups:     opts.Groups,
		childArgs:  opts.ChildArgs,
		files:      opts.Files,
		exit:       opts.Exit,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "zygote")
	if r.exit == nil {
		r.exit = os.Exit
	}
	return r
}

// Init reports whether the calling process is the child branch of a fork
// of the own image. If so it returns the child's Runtime, in the state the
// fork left it, and its KindChild result. A specialized child is made
// dumpable only if it was forked with the debugger enabled. The marker is
// removed from the
// environment so that grandchildren do not inherit it.
func Init() (*Runtime, ForkResult, bool) {
	v, ok := os.LookupEnv(envState)
	if !ok {
		return nil, ForkResult{}, false
	}
	os.Unsetenv(envState)

	r := New(Options{})
	switch v {
	case markerSpecialized:
		r.state.Store(int32(StateSpecialized))
	case markerDebuggable:
		r.state.Store(int32(StateSpecialized))
		r.debuggable.Store(true)
	}
	// execve resets the dumpable flag of the image
	if r.State() == StateSpecialized {
		if err := setDumpable(r.Debuggable()); err != nil {
			r.logger.Warn("set dumpable", "debuggable", r.Debuggable(), "error", err)
		}
	}
	return r, childResult(os.Getpid()), true
}

// State returns the state of the process
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Debuggable reports whether the process was specialized with the
// debugger enabled
func (r *Runtime) Debuggable() bool {
	return r.debuggable.Load()
}

// Supervisor returns the supervisor, or nil
func (r *Runtime) Supervisor() *Supervisor {
	return r.supervisor
}

// SetLogger replaces the logger, typically in a child returned by Init
func (r *Runtime) SetLogger(l *slog.Logger) {
	r.logger = l.With("component", "zygote")
}

// Close releases the own image
func (r *Runtime) Close() error {
	var err error
	r.imageOnce.Do(func() {})
	if r.image != nil {
		err = r.image.Close()
		r.image = nil
	}
	return err
}

// selfImage returns a sealed copy of the running executable, made on first
// use so that later changes to the file on disk do not reach children
func (r *Runtime) selfImage() (*os.File, error) {
	r.imageOnce.Do(func() {
		r.image, r.imageErr = memfd.DupFile(selfExe)
		if r.imageErr == nil {
			r.logger.Debug("self image sealed", "fd", r.image.Fd())
		}
	})
	if r.image == nil && r.imageErr == nil {
		return nil, os.ErrClosed
	}
	return r.image, r.imageErr
}

// childEnv is env with the state marker replaced
func childEnv(env []string, marker string) []string {
	ret := make([]string, 0, len(env)+1)
	for _, e := range env {
		if !strings.HasPrefix(e, envState+"=") {
			ret = append(ret, e)
		}
	}
	return append(ret, envState+"="+marker)
}
