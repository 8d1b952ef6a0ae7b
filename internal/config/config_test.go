package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/seccomp"
	"github.com/zqzqsb/zygote/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/zygote/profiler"
	"github.com/zqzqsb/zygote/runner"
	"github.com/zqzqsb/zygote/zygote"
)

const sample = `
log:
  level: debug
  format: json
socket:
  path: /run/test/zygote.sock
  allowedUids: [1000, 1001]
cgroup:
  enabled: true
  root: /sys/fs/cgroup/test
  limits:
    memoryMax: 268435456
    pidsMax: 64
systemServer:
  niceName: system_server
  args: [/usr/bin/sleep, infinity]
  uid: 1000
  gid: 1000
  gids: [3003]
  rlimits:
    openFile: 1024
child:
  rlimits:
    openFile: 256
    disableCore: true
  seccomp:
    default: allow
    deny: [ptrace]
  noNewPrivs: true
  mounts: ["/usr:/usr:ro"]
  timeLimit: 2s
  memoryLimit: 64m
profiler:
  rate: 50
  size: 512
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Errorf("log = %+v", c.Log)
	}
	if c.Socket.Path != "/run/test/zygote.sock" || len(c.Socket.AllowedUIDs) != 2 {
		t.Errorf("socket = %+v", c.Socket)
	}
	if !c.Cgroup.Enabled || c.Cgroup.Limits.PidsMax != 64 || c.Cgroup.Limits.MemoryMax != 256<<20 {
		t.Errorf("cgroup = %+v", c.Cgroup)
	}
	if c.Child.TimeLimit != 2*time.Second || c.Child.MemoryLimit != runner.Size(64<<20) {
		t.Errorf("child limits = %v %v", c.Child.TimeLimit, c.Child.MemoryLimit)
	}
	if c.Profiler.Rate != 50 || c.Profiler.Size != 512 {
		t.Errorf("profiler = %+v", c.Profiler)
	}

	req := c.SystemServer.Request()
	if req.NiceName != "system_server" || req.UID != 1000 || len(req.GIDs) != 1 || req.GIDs[0] != 3003 {
		t.Errorf("system server request = %+v", req)
	}
	if len(req.RLimits) != 1 || req.RLimits[0] != [3]int64{syscall.RLIMIT_NOFILE, 1024, 1024} {
		t.Errorf("system server rlimits = %v", req.RLimits)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Socket.Path != DefaultSocketPath || c.Profiler.Rate != DefaultProfilerRate || c.Profiler.Size != profiler.DefaultSize || c.SystemServer != nil {
		t.Errorf("defaults = %+v", c)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	bad := `
log:
  level: loud
  format: xml
socket:
  path: relative.sock
systemServer:
  uid: -1
child:
  seccomp:
    default: maybe
  mounts: ["/a:b"]
profiler:
  rate: 0
  size: 0
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"log.level", "log.format", "socket.path", "systemServer.args",
		"systemServer: zygote: invalid fork request", "child.seccomp", "child.mounts", "profiler.rate", "profiler.size",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestUnknownField(t *testing.T) {
	if _, err := Parse([]byte("sockets:\n  path: /x\n")); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zygote.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestChildApply(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	req := &zygote.ForkRequest{
		RLimits: [][3]int64{{syscall.RLIMIT_NOFILE, 64, 64}},
		WorkDir: "/tmp",
	}
	if err := c.Child.Apply(req); err != nil {
		t.Fatal(err)
	}
	// defaults first, the request's own limits last
	if n := len(req.RLimits); n != 3 || req.RLimits[n-1] != [3]int64{syscall.RLIMIT_NOFILE, 64, 64} {
		t.Errorf("rlimits = %v", req.RLimits)
	}
	if req.Seccomp == nil || req.Seccomp.Default != seccomp.ActionAllow || req.Seccomp.Deny[0] != "ptrace" {
		t.Errorf("seccomp = %+v", req.Seccomp)
	}
	if len(req.Mounts) != 1 || req.Mounts[0].Target != "/usr" || !req.Mounts[0].IsReadOnly() {
		t.Errorf("mounts = %+v", req.Mounts)
	}
	if !req.NoNewPrivs || req.WorkDir != "/tmp" {
		t.Errorf("request = %+v", req)
	}
}

func TestChildApplyBoundsRequest(t *testing.T) {
	c := Child{
		RLimits: rlimit.RLimits{Processes: 64, DisableCore: true},
		Seccomp: &Seccomp{Default: "allow", Allow: []string{"mount"}, Deny: []string{"ptrace"}},
	}
	req := &zygote.ForkRequest{
		RLimits: [][3]int64{
			{unix.RLIMIT_NPROC, -1, -1},
			{syscall.RLIMIT_CORE, -1, -1},
			{syscall.RLIMIT_NOFILE, 16, 16},
		},
		Seccomp: &libseccomp.Builder{Deny: []string{"mount", "ptrace"}, Default: seccomp.ActionAllow},
	}
	if err := c.Apply(req); err != nil {
		t.Fatal(err)
	}

	want := [][3]int64{
		{unix.RLIMIT_NPROC, 64, 64},
		{syscall.RLIMIT_CORE, 0, 0},
		{unix.RLIMIT_NPROC, 64, 64},
		{syscall.RLIMIT_CORE, 0, 0},
		{syscall.RLIMIT_NOFILE, 16, 16},
	}
	if !slices.Equal(req.RLimits, want) {
		t.Errorf("rlimits = %v, want %v", req.RLimits, want)
	}
	if !slices.Equal(req.Seccomp.Deny, []string{"ptrace", "mount"}) || len(req.Seccomp.Allow) != 0 {
		t.Errorf("seccomp = %+v", req.Seccomp)
	}

	// an empty denial list from the request keeps the configured one
	req = &zygote.ForkRequest{Seccomp: &libseccomp.Builder{Default: seccomp.ActionAllow}}
	if err := c.Apply(req); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(req.Seccomp.Deny, []string{"ptrace"}) || !slices.Equal(req.Seccomp.Allow, []string{"mount"}) {
		t.Errorf("seccomp = %+v", req.Seccomp)
	}
}
