package zygote

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote/pkg/cgroup"
	"github.com/zqzqsb/zygote/runner"
)

const defaultExitBuffer = 64

// SystemServerLink ties the zygote's life to the system server
type SystemServerLink struct {
	Pid   int
	Since time.Time
}

// ChildInfo describes a live child
type ChildInfo struct {
	Pid   int
	Name  string
	UID   int
	Since time.Time
}

// SupervisorOptions configure a Supervisor
type SupervisorOptions struct {
	Logger *slog.Logger

	// Groups are removed together with the children they belong to
	Groups *cgroup.ProcessGroups

	// OnSystemServerDeath runs once the system server is reaped. It
	// defaults to sending SIGKILL to the zygote itself.
	OnSystemServerDeath func(runner.Result)

	// ExitBuffer is the capacity of Exits; results are dropped when full
	ExitBuffer int
}

// Supervisor reaps every child of the process on SIGCHLD, records how
// they ended and watches the system server
type Supervisor struct {
	logger  *slog.Logger
	groups  *cgroup.ProcessGroups
	onDeath func(runner.Result)

	// reapMu is held while reaping, and while forking a child and
	// registering it
	reapMu sync.Mutex

	mu       sync.Mutex
	children map[int]ChildInfo
	system   *SystemServerLink

	exits    chan runner.Result
	sigs     chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor; Start begins reaping
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		logger:   opts.Logger,
		groups:   opts.Groups,
		onDeath:  opts.OnSystemServerDeath,
		children: make(map[int]ChildInfo),
		sigs:     make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.onDeath == nil {
		s.onDeath = killSelf
	}
	n := opts.ExitBuffer
	if n <= 0 {
		n = defaultExitBuffer
	}
	s.exits = make(chan runner.Result, n)
	return s
}

func killSelf(runner.Result) {
	syscall.Kill(os.Getpid(), syscall.SIGKILL)
}

// Start subscribes to SIGCHLD and reaps until ctx is done or Stop is called
func (s *Supervisor) Start(ctx context.Context) error {
	signal.Notify(s.sigs, syscall.SIGCHLD)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.exits)
		defer signal.Stop(s.sigs)

		// children may have exited before the subscription
		s.reap()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.sigs:
				s.reap()
			}
		}
	}()
	return nil
}

// Stop stops reaping and waits for the reaper to exit
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Exits delivers the result of every reaped child. It is closed once the
// supervisor stops.
func (s *Supervisor) Exits() <-chan runner.Result {
	return s.exits
}

// Spawn runs fork and registers the child it returns under the reap lock
func (s *Supervisor) Spawn(name string, uid int, system bool, fork func() (int, error)) (int, error) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()

	pid, err := fork()
	if err != nil {
		return 0, err
	}
	s.register(pid, name, uid, system)
	return pid, nil
}

// Watch names a child forked by other means
func (s *Supervisor) Watch(pid int, name string) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	s.register(pid, name, -1, false)
}

// WatchSystemServer marks pid as the system server
func (s *Supervisor) WatchSystemServer(pid int) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	s.register(pid, "system_server", -1, true)
}

func (s *Supervisor) register(pid int, name string, uid int, system bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[pid] = ChildInfo{Pid: pid, Name: name, UID: uid, Since: now}
	if system {
		if s.system != nil {
			s.logger.Warn("system server replaced", "old_pid", s.system.Pid, "pid", pid)
		}
		s.system = &SystemServerLink{Pid: pid, Since: now}
	}
}

// Children lists the live registered children by pid
func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	ret := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		ret = append(ret, c)
	}
	s.mu.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Pid < ret[j].Pid })
	return ret
}

// SystemServer returns the current system server link
func (s *Supervisor) SystemServer() (SystemServerLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.system == nil {
		return SystemServerLink{}, false
	}
	return *s.system, true
}

// reap collects every terminated child without blocking
func (s *Supervisor) reap() {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	for {
		var (
			ws unix.WaitStatus
			ru unix.Rusage
		)
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, &ru)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}
		s.handleExit(pid, ws, &ru)
	}
}

func (s *Supervisor) handleExit(pid int, ws unix.WaitStatus, ru *unix.Rusage) {
	res := runner.FromWaitStatus(pid, ws, ru)

	s.mu.Lock()
	c, known := s.children[pid]
	delete(s.children, pid)
	var link SystemServerLink
	system := s.system != nil && s.system.Pid == pid
	if system {
		link = *s.system
		s.system = nil
	}
	s.mu.Unlock()

	if known {
		res.Name = c.Name
		res.RunningTime = time.Since(c.Since)
	}
	if s.groups != nil {
		if err := s.groups.Remove(pid); err != nil {
			s.logger.Warn("remove process group", "pid", pid, "error", err)
		}
	}
	s.logger.Info("child exited", "pid", pid, "name", res.Name, "status", res.Status.String(),
		"exit_status", res.ExitStatus, "time", res.Time, "memory", res.Memory.String())

	select {
	case s.exits <- res:
	default:
		s.logger.Debug("exit dropped", "pid", pid)
	}

	if system {
		s.logger.Error("system server died, zygote terminating", "pid", pid,
			"status", res.Status.String(), "exit_status", res.ExitStatus, "uptime", time.Since(link.Since))
		s.onDeath(res)
	}
}
