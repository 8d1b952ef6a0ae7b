package zygote

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/zqzqsb/zygote/pkg/forkexec"
	"github.com/zqzqsb/zygote/runner"
)

const waitTimeout = 10 * time.Second

// newSupervised returns a runtime whose children are reaped by a running
// supervisor, and the channel its system server deaths are reported on
func newSupervised(t *testing.T) (*Runtime, *Supervisor, <-chan runner.Result) {
	t.Helper()
	deaths := make(chan runner.Result, 1)
	s := NewSupervisor(SupervisorOptions{
		Logger:              testLogger,
		OnSystemServerDeath: func(r runner.Result) { deaths <- r },
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return newTestRuntimeWith(t, Options{Logger: testLogger, Supervisor: s}), s, deaths
}

func newTestRuntimeWith(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt := New(opts)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func program(args ...string) *ForkRequest {
	req := selfRequest()
	req.Args = args
	return req
}

func awaitDeath(t *testing.T, deaths <-chan runner.Result) runner.Result {
	t.Helper()
	select {
	case r := <-deaths:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("system server death was not reported")
	}
	return runner.Result{}
}

func awaitExit(t *testing.T, s *Supervisor, pid int) runner.Result {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case r := <-s.Exits():
			if r.Pid == pid {
				return r
			}
		case <-timeout:
			t.Fatalf("exit of %d was not reported", pid)
		}
	}
}

func TestSystemServerExit(t *testing.T) {
	rt, s, deaths := newSupervised(t)

	req := program("/bin/sh", "-c", "exit 3")
	req.NiceName = "system_server"
	res := rt.ForkSystemServer(req)
	if res.Kind != KindParent {
		t.Fatalf("ForkSystemServer() = %v", res)
	}
	if err := res.Wait(); err != nil {
		t.Fatal(err)
	}

	r := awaitDeath(t, deaths)
	if r.Pid != res.Pid || r.Status != runner.StatusNonzeroExitStatus || r.ExitStatus != 3 {
		t.Errorf("death = %+v", r)
	}
	if r.Name != "system_server" {
		t.Errorf("death name = %q", r.Name)
	}
	if _, ok := s.SystemServer(); ok {
		t.Error("system server link survived its death")
	}
}

func TestSystemServerKilled(t *testing.T) {
	rt, s, deaths := newSupervised(t)

	res := rt.ForkSystemServer(program("/bin/sleep", "60"))
	if err := res.Wait(); err != nil {
		t.Fatal(err)
	}
	link, ok := s.SystemServer()
	if !ok || link.Pid != res.Pid {
		t.Fatalf("SystemServer() = %v, %v", link, ok)
	}
	if err := syscall.Kill(res.Pid, syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}

	r := awaitDeath(t, deaths)
	if r.Status != runner.StatusSignalled || r.ExitStatus != int(syscall.SIGKILL) {
		t.Errorf("death = %+v", r)
	}
}

func TestSystemServerFailedSpecialization(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root may change identity")
	}
	rt, _, deaths := newSupervised(t)

	req := program("/bin/true")
	req.UID = os.Getuid() + 1
	res := rt.ForkSystemServer(req)
	if res.Kind != KindParent {
		t.Fatalf("ForkSystemServer() = %v", res)
	}
	var ce forkexec.ChildError
	if err := res.Wait(); !errors.As(err, &ce) || ce.Location != forkexec.LocSetUid {
		t.Errorf("Specialized = %v, want setuid failure", err)
	}
	if r := awaitDeath(t, deaths); r.Pid != res.Pid {
		t.Errorf("death of %d reported, want %d", r.Pid, res.Pid)
	}
}

func TestSupervisorTracksChildren(t *testing.T) {
	rt, s, deaths := newSupervised(t)

	req := program("/bin/sh", "-c", "read x; exit 0")
	req.NiceName = "app"
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()
	req.Files = []uintptr{r.Fd(), null.Fd(), null.Fd()}

	res := rt.ForkAndSpecialize(req)
	if err := res.Wait(); err != nil {
		t.Fatal(err)
	}
	children := s.Children()
	if len(children) != 1 || children[0].Pid != res.Pid || children[0].Name != "app" || children[0].UID != os.Getuid() {
		t.Fatalf("Children() = %+v", children)
	}

	w.Close()
	exit := awaitExit(t, s, res.Pid)
	if exit.Status != runner.StatusNormal || exit.Name != "app" {
		t.Errorf("exit = %+v", exit)
	}
	if got := s.Children(); len(got) != 0 {
		t.Errorf("Children() = %+v after exit", got)
	}
	select {
	case d := <-deaths:
		t.Errorf("ordinary child reported as system server death: %+v", d)
	default:
	}
}

func TestSupervisorStopClosesExits(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{Logger: testLogger})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
	if _, ok := <-s.Exits(); ok {
		t.Error("Exits() still open after Stop")
	}
}

func TestSupervisorWatch(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{Logger: testLogger})
	s.Watch(100, "a")
	s.WatchSystemServer(50)

	children := s.Children()
	if len(children) != 2 || children[0].Pid != 50 || children[1].Name != "a" {
		t.Errorf("Children() = %+v", children)
	}
	if link, ok := s.SystemServer(); !ok || link.Pid != 50 {
		t.Errorf("SystemServer() = %v, %v", link, ok)
	}
}
