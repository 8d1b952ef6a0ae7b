package specialize

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/zqzqsb/zygote/pkg/forkexec"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/runner"
)

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		status runner.Status
		exit   int
	}{
		{"true", []string{"/bin/true"}, runner.StatusNormal, 0},
		{"exit 3", []string{"/bin/sh", "-c", "exit 3"}, runner.StatusNonzeroExitStatus, 3},
		{"killed", []string{"/bin/sh", "-c", "kill -9 $$"}, runner.StatusSignalled, int(syscall.SIGKILL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Runner{Args: tt.args, Env: []string{"PATH=/usr/bin:/bin"}}
			res := r.Run(context.Background())
			if res.Status != tt.status || res.ExitStatus != tt.exit {
				t.Errorf("Run() = %v (%d), want %v (%d)", res.Status, res.ExitStatus, tt.status, tt.exit)
			}
		})
	}
}

func TestRunExecFailure(t *testing.T) {
	r := &Runner{Args: []string{"/nonexistent/binary"}}
	res := r.Run(context.Background())
	if res.Status != runner.StatusRunnerError {
		t.Fatalf("Run() = %v, want runner error", res)
	}
	if !strings.Contains(res.Error, "execve") {
		t.Errorf("error %q does not name execve", res.Error)
	}
}

func TestRunWorkDirFailure(t *testing.T) {
	ch := &forkexec.Runner{
		Args:    []string{"/bin/true"},
		WorkDir: "/nonexistent/dir",
	}
	_, err := ch.Start()
	var ce forkexec.ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("Start() error = %v, want ChildError", err)
	}
	if ce.Location != forkexec.LocChdir || ce.Err != syscall.ENOENT {
		t.Errorf("ChildError = %v", ce)
	}
}

func TestRunRLimitFileSize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	r := &Runner{
		Args: []string{"/bin/sh", "-c", "exec head -c 4096 /dev/zero > " + out},
		Env:  []string{"PATH=/usr/bin:/bin"},
		RLimits: []rlimit.RLimit{
			{Res: syscall.RLIMIT_FSIZE, Rlim: syscall.Rlimit{Cur: 1024, Max: 1024}},
		},
	}
	res := r.Run(context.Background())
	if res.Status != runner.StatusOutputLimitExceeded {
		t.Errorf("Run() = %v, want output limit exceeded", res)
	}
}

func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := &Runner{Args: []string{"/bin/sleep", "10"}}
	start := time.Now()
	res := r.Run(ctx)
	if time.Since(start) > 5*time.Second {
		t.Fatal("Run() did not return after cancel")
	}
	if res.Status != runner.StatusTimeLimitExceeded {
		t.Errorf("Run() = %v, want time limit exceeded", res)
	}
}

func TestRunSyncFunc(t *testing.T) {
	var got int
	r := &Runner{
		Args: []string{"/bin/true"},
		SyncFunc: func(pid int) error {
			got = pid
			return nil
		},
	}
	res := r.Run(context.Background())
	if res.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", res)
	}
	if got == 0 || got != res.Pid {
		t.Errorf("SyncFunc pid = %d, result pid = %d", got, res.Pid)
	}

	r.SyncFunc = func(int) error { return errors.New("sync refused") }
	res = r.Run(context.Background())
	if res.Status != runner.StatusRunnerError || res.Error != "sync refused" {
		t.Errorf("Run() = %v, want sync refusal", res)
	}
}
