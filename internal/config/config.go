// Package config loads the zygote configuration file
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zqzqsb/zygote/internal/logging"
	"github.com/zqzqsb/zygote/pkg/cgroup"
	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/seccomp"
	"github.com/zqzqsb/zygote/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/zygote/profiler"
	"github.com/zqzqsb/zygote/runner"
	"github.com/zqzqsb/zygote/zygote"
)

// Defaults
const (
	DefaultSocketPath   = "/run/zygote/zygote.sock"
	DefaultCgroupRoot   = "/sys/fs/cgroup/zygote"
	DefaultProfilerRate = 100
)

// Config is the zygote configuration file
type Config struct {
	Log          Log           `yaml:"log"`
	Socket       Socket        `yaml:"socket"`
	Cgroup       Cgroup        `yaml:"cgroup"`
	SystemServer *SystemServer `yaml:"systemServer,omitempty"`
	Child        Child         `yaml:"child"`
	Profiler     Profiler      `yaml:"profiler"`
}

// Log selects the logger
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Socket is the command socket
type Socket struct {
	Path string `yaml:"path"`
	// AllowedUIDs may send requests; root is always allowed
	AllowedUIDs []int `yaml:"allowedUids,omitempty"`
}

// Cgroup places every child into its own cgroup v2 group
type Cgroup struct {
	Enabled bool          `yaml:"enabled"`
	Root    string        `yaml:"root"`
	Limits  cgroup.Limits `yaml:"limits"`
}

// SystemServer is forked at startup; the zygote exits when it dies
type SystemServer struct {
	NiceName       string         `yaml:"niceName"`
	Args           []string       `yaml:"args"`
	Env            []string       `yaml:"env,omitempty"`
	UID            int            `yaml:"uid"`
	GID            int            `yaml:"gid"`
	GIDs           []int          `yaml:"gids,omitempty"`
	EnableDebugger bool           `yaml:"enableDebugger,omitempty"`
	RLimits        rlimit.RLimits `yaml:"rlimits"`
}

// Child holds the defaults of every forked child
type Child struct {
	RLimits    rlimit.RLimits `yaml:"rlimits"`
	Seccomp    *Seccomp       `yaml:"seccomp,omitempty"`
	NoNewPrivs bool           `yaml:"noNewPrivs,omitempty"`
	DropCaps   bool           `yaml:"dropCaps,omitempty"`
	WorkDir    string         `yaml:"workDir,omitempty"`
	// Mounts are bind mounts in "source:target[:ro]" form
	Mounts []string `yaml:"mounts,omitempty"`

	// TimeLimit and MemoryLimit bound children started by run
	TimeLimit   time.Duration `yaml:"timeLimit,omitempty"`
	MemoryLimit runner.Size   `yaml:"memoryLimit,omitempty"`
}

// Seccomp is a syscall policy by name
type Seccomp struct {
	Default string   `yaml:"default"`
	Allow   []string `yaml:"allow,omitempty"`
	Deny    []string `yaml:"deny,omitempty"`
}

// Profiler configures sampling sessions
type Profiler struct {
	Rate int `yaml:"rate"`
	Size int `yaml:"size"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log:      Log{Level: "info", Format: logging.FormatText},
		Socket:   Socket{Path: DefaultSocketPath},
		Cgroup:   Cgroup{Root: DefaultCgroupRoot},
		Profiler: Profiler{Rate: DefaultProfilerRate, Size: profiler.DefaultSize},
	}
}

// Load reads the file at path over the defaults and validates it. Unknown
// keys are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a configuration over the defaults and validates it
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every problem of the configuration at once
func (c *Config) Validate() error {
	var errs []string

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	switch c.Log.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}

	if !filepath.IsAbs(c.Socket.Path) {
		errs = append(errs, fmt.Sprintf("socket.path: %q is not absolute", c.Socket.Path))
	}
	for i, uid := range c.Socket.AllowedUIDs {
		if uid < 0 {
			errs = append(errs, fmt.Sprintf("socket.allowedUids[%d]: negative uid %d", i, uid))
		}
	}

	if c.Cgroup.Enabled && !filepath.IsAbs(c.Cgroup.Root) {
		errs = append(errs, fmt.Sprintf("cgroup.root: %q is not absolute", c.Cgroup.Root))
	}

	if s := c.SystemServer; s != nil {
		req := s.Request()
		if len(req.Args) == 0 {
			errs = append(errs, "systemServer.args: program is required")
		}
		if err := req.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("systemServer: %v", err))
		}
	}

	if c.Child.Seccomp != nil {
		if _, err := c.Child.SeccompBuilder(); err != nil {
			errs = append(errs, fmt.Sprintf("child.seccomp: %v", err))
		}
	}
	if _, err := c.Child.ParseMounts(); err != nil {
		errs = append(errs, fmt.Sprintf("child.mounts: %v", err))
	}
	if c.Child.TimeLimit < 0 {
		errs = append(errs, "child.timeLimit: negative duration")
	}

	if c.Profiler.Rate <= 0 {
		errs = append(errs, fmt.Sprintf("profiler.rate: %d is not positive", c.Profiler.Rate))
	}
	if c.Profiler.Size <= 0 {
		errs = append(errs, fmt.Sprintf("profiler.size: %d is not positive", c.Profiler.Size))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Request is the fork request of the system server
func (s *SystemServer) Request() *zygote.ForkRequest {
	return &zygote.ForkRequest{
		UID:            s.UID,
		GID:            s.GID,
		GIDs:           s.GIDs,
		EnableDebugger: s.EnableDebugger,
		RLimits:        rlimit.Tuples(s.RLimits.PrepareRLimit()),
		NiceName:       s.NiceName,
		Args:           s.Args,
		Env:            s.Env,
	}
}

// SeccompBuilder converts the policy; it is compiled when a child is forked
func (c *Child) SeccompBuilder() (*libseccomp.Builder, error) {
	if c.Seccomp == nil {
		return nil, nil
	}
	def, err := seccomp.ParseAction(c.Seccomp.Default)
	if err != nil {
		return nil, err
	}
	return &libseccomp.Builder{
		Allow:   c.Seccomp.Allow,
		Deny:    c.Seccomp.Deny,
		Default: def,
	}, nil
}

// ParseMounts parses the bind mounts
func (c *Child) ParseMounts() ([]mount.Mount, error) {
	var ret []mount.Mount
	for _, s := range c.Mounts {
		m, err := mount.ParseBind(s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, nil
}

// Apply merges the child defaults into req. The defaults bound the
// request: its limits are lowered to the configured ones and applied after
// them. Denied syscalls of the request add to the configured policy.
func (c *Child) Apply(req *zygote.ForkRequest) error {
	defaults := rlimit.Tuples(c.RLimits.PrepareRLimit())
	req.RLimits = append(defaults, rlimit.Bound(req.RLimits, defaults)...)

	b, err := c.SeccompBuilder()
	if err != nil {
		return err
	}
	req.Seccomp = mergeSeccomp(b, req.Seccomp)

	mounts, err := c.ParseMounts()
	if err != nil {
		return err
	}
	req.Mounts = append(mounts, req.Mounts...)
	req.NoNewPrivs = req.NoNewPrivs || c.NoNewPrivs
	req.DropCaps = req.DropCaps || c.DropCaps
	if req.WorkDir == "" {
		req.WorkDir = c.WorkDir
	}
	return nil
}

// mergeSeccomp adds the denials of req to the configured policy, whose
// default action and allow list stay in force
func mergeSeccomp(base, req *libseccomp.Builder) *libseccomp.Builder {
	if base == nil {
		return req
	}
	if req == nil {
		return base
	}
	deny := slices.Clone(base.Deny)
	for _, name := range req.Deny {
		if !slices.Contains(deny, name) {
			deny = append(deny, name)
		}
	}
	allow := slices.DeleteFunc(slices.Clone(base.Allow), func(name string) bool {
		return slices.Contains(deny, name)
	})
	return &libseccomp.Builder{Allow: allow, Deny: deny, Default: base.Default}
}
