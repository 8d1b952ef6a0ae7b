package forkexec

import (
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/zqzqsb/zygote/pkg/memfd"
	"github.com/zqzqsb/zygote/pkg/pipe"
	"github.com/zqzqsb/zygote/pkg/rlimit"
)

var defaultEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

// runOutput starts r with stdout and stderr captured and returns the output
func runOutput(t *testing.T, r *Runner) (string, error) {
	t.Helper()
	null, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()

	buf, err := pipe.NewBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	r.Files = []uintptr{null.Fd(), buf.W.Fd(), buf.W.Fd()}
	pid, err := r.Start()
	buf.W.Close()
	if err != nil {
		<-buf.Done
		return buf.Buffer.String(), err
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		t.Fatal(err)
	}
	<-buf.Done
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Fatalf("child ended with %v: %s", ws, buf.Buffer.String())
	}
	return buf.Buffer.String(), nil
}

func TestStartEcho(t *testing.T) {
	out, err := runOutput(t, &Runner{
		Args: []string{"/bin/echo", "specialized"},
		Env:  defaultEnv,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "specialized\n" {
		t.Errorf("output = %q", out)
	}
}

func TestForkThenWait(t *testing.T) {
	r := &Runner{Args: []string{"/bin/true"}}
	pid, s, err := r.Fork()
	if err != nil {
		t.Fatal(err)
	}
	if s.Pid() != pid || pid <= 0 {
		t.Fatalf("Pid() = %d, Fork() = %d", s.Pid(), pid)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		t.Fatal(err)
	}
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Errorf("wait status = %v", ws)
	}
}

func TestExecFile(t *testing.T) {
	f, err := memfd.DupFile("/bin/echo")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out, err := runOutput(t, &Runner{
		Args:     []string{"echo", "from memfd"},
		Env:      defaultEnv,
		ExecFile: f.Fd(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "from memfd\n" {
		t.Errorf("output = %q", out)
	}
}

func TestRLimitAppliedInChild(t *testing.T) {
	limits, err := rlimit.FromTuples([][3]int64{{syscall.RLIMIT_NOFILE, 37, 37}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := runOutput(t, &Runner{
		Args:    []string{"/bin/sh", "-c", "ulimit -n"},
		Env:     defaultEnv,
		RLimits: limits,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "37" {
		t.Errorf("ulimit -n = %q, want 37", out)
	}
}

func TestExecveFailure(t *testing.T) {
	_, err := (&Runner{Args: []string{"/nonexistent"}}).Start()
	var ce ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("Start() error = %v, want ChildError", err)
	}
	if ce.Location != LocExecve || !errors.Is(err, syscall.ENOENT) {
		t.Errorf("ChildError = %v", ce)
	}
	if ce.Location.Specialization() {
		t.Error("execve reported as a specialization failure")
	}
}

func TestSyncFuncError(t *testing.T) {
	want := errors.New("refused")
	_, err := (&Runner{
		Args:     []string{"/bin/true"},
		SyncFunc: func(int) error { return want },
	}).Start()
	if !errors.Is(err, want) {
		t.Errorf("Start() error = %v, want %v", err, want)
	}
}

func TestSetRlimitFailureUnprivileged(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root may raise hard limits")
	}
	var cur syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &cur); err != nil {
		t.Fatal(err)
	}
	if cur.Max == rlimit.Infinity {
		t.Skip("hard limit already infinite")
	}
	_, err := (&Runner{
		Args: []string{"/bin/true"},
		RLimits: []rlimit.RLimit{
			{Res: syscall.RLIMIT_CORE, Rlim: syscall.Rlimit{Cur: 0, Max: 0}},
			{Res: syscall.RLIMIT_NOFILE, Rlim: syscall.Rlimit{Cur: cur.Max + 1, Max: cur.Max + 1}},
		},
	}).Start()
	var ce ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("Start() error = %v, want ChildError", err)
	}
	if ce.Location != LocSetRlimit || ce.Index != 1 || ce.Err != syscall.EPERM {
		t.Errorf("ChildError = %v", ce)
	}
	if !ce.Location.Specialization() {
		t.Error("setrlimit not reported as a specialization failure")
	}
}

func TestSetGroupsFailureUnprivileged(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root may change identity")
	}
	_, err := (&Runner{
		Args:       []string{"/bin/true"},
		Credential: &syscall.Credential{Uid: 12345, Gid: 12345, Groups: []uint32{}},
	}).Start()
	var ce ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("Start() error = %v, want ChildError", err)
	}
	if ce.Location != LocSetGroups || ce.Err != syscall.EPERM {
		t.Errorf("ChildError = %v", ce)
	}
}

func TestCredential(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("changing identity requires root")
	}
	out, err := runOutput(t, &Runner{
		Args:       []string{"/bin/sh", "-c", "id -u; id -g; id -G"},
		Env:        defaultEnv,
		Credential: &syscall.Credential{Uid: 10001, Gid: 10001, Groups: []uint32{3003}},
		DropCaps:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || lines[0] != "10001" || lines[1] != "10001" {
		t.Fatalf("id output = %q", out)
	}
	groups := strings.Fields(lines[2])
	if len(groups) != 2 || groups[0] != "10001" || groups[1] != "3003" {
		t.Errorf("id -G = %q, want 10001 3003", lines[2])
	}
}

func TestCannotRegainRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("changing identity requires root")
	}
	out, err := runOutput(t, &Runner{
		Args:       []string{"/bin/sh", "-c", "grep -E '^(Uid|CapEff|CapPrm|NoNewPrivs)' /proc/self/status"},
		Env:        defaultEnv,
		Credential: &syscall.Credential{Uid: 10001, Gid: 10001, Groups: []uint32{}},
		NoNewPrivs: true,
		DropCaps:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		f := strings.Fields(line)
		switch f[0] {
		case "Uid:":
			// real, effective, saved and fs uid
			for _, u := range f[1:] {
				if u != "10001" {
					t.Errorf("uid line = %q", line)
				}
			}
		case "CapEff:", "CapPrm:":
			if strings.Trim(f[1], "0") != "" {
				t.Errorf("capabilities left: %q", line)
			}
		case "NoNewPrivs:":
			if f[1] != "1" {
				t.Errorf("no_new_privs not set: %q", line)
			}
		}
	}
}

func TestErrorLocationString(t *testing.T) {
	tests := []struct {
		err  ChildError
		want string
	}{
		{ChildError{Err: syscall.EPERM, Location: LocSetUid}, "setuid: operation not permitted"},
		{ChildError{Err: syscall.EINVAL, Location: LocSetRlimit, Index: 2}, "setrlimit(2): invalid argument"},
		{ChildError{Err: syscall.EAGAIN, Location: LocClone}, "clone: resource temporarily unavailable"},
		{ChildError{Err: syscall.EPERM, Location: ErrorLocation(99)}, "unknown: operation not permitted"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
