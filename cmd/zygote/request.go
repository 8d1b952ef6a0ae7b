package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/zqzqsb/zygote/internal/protocol"
	"github.com/zqzqsb/zygote/zygote"
)

// requestFlags describe a fork request on the command line
type requestFlags struct {
	uid, gid       int
	groups         string
	noGroups       bool
	rlimits        []string
	niceName       string
	enableDebugger bool
	seccompDeny    []string
	mounts         []string
	workDir        string
	env            []string
	noNewPrivs     bool
	dropCaps       bool
	cgroup         bool
}

func (f *requestFlags) bind(fs *pflag.FlagSet, withCgroup bool) {
	fs.IntVar(&f.uid, "uid", -1, "user id of the child (default: own)")
	fs.IntVar(&f.gid, "gid", -1, "group id of the child (default: own)")
	fs.StringVar(&f.groups, "groups", "", "comma separated supplementary groups")
	fs.BoolVar(&f.noGroups, "clear-groups", false, "drop every supplementary group")
	fs.StringArrayVar(&f.rlimits, "rlimit", nil, "resource limit as resource,soft,hard (repeatable)")
	fs.StringVar(&f.niceName, "nice-name", "", "name of the child")
	fs.BoolVar(&f.enableDebugger, "enable-debugger", false, "make the child dumpable")
	fs.StringSliceVar(&f.seccompDeny, "seccomp-deny", nil, "syscalls failing with EPERM in the child")
	fs.StringArrayVar(&f.mounts, "mount", nil, "bind mount source:target[:ro] (repeatable)")
	fs.StringVar(&f.workDir, "workdir", "", "working directory of the child")
	fs.StringArrayVar(&f.env, "env", nil, "environment KEY=VALUE (repeatable)")
	fs.BoolVar(&f.noNewPrivs, "no-new-privs", false, "set no_new_privs before exec")
	fs.BoolVar(&f.dropCaps, "drop-caps", false, "clear every capability before exec")
	if withCgroup {
		fs.BoolVar(&f.cgroup, "cgroup", false, "place the child into its own cgroup")
	}
}

// request converts the flags through the command socket argument format,
// so that both accept the same values
func (f *requestFlags) request(argv []string) (*zygote.ForkRequest, error) {
	uid, gid := f.uid, f.gid
	if uid < 0 {
		uid = os.Getuid()
	}
	if gid < 0 {
		gid = os.Getgid()
	}
	args := []string{
		"--setuid=" + strconv.Itoa(uid),
		"--setgid=" + strconv.Itoa(gid),
	}
	if f.groups != "" || f.noGroups {
		args = append(args, "--setgroups="+f.groups)
	}
	for _, r := range f.rlimits {
		args = append(args, "--rlimit="+r)
	}
	if f.niceName != "" {
		args = append(args, "--nice-name="+f.niceName)
	}
	if f.enableDebugger {
		args = append(args, "--enable-debugger")
	}
	if len(f.seccompDeny) > 0 {
		args = append(args, "--seccomp-deny="+strings.Join(f.seccompDeny, ","))
	}
	for _, m := range f.mounts {
		args = append(args, "--mount="+m)
	}
	if f.workDir != "" {
		args = append(args, "--workdir="+f.workDir)
	}
	for _, e := range f.env {
		args = append(args, "--env="+e)
	}
	if f.noNewPrivs {
		args = append(args, "--no-new-privs")
	}
	if f.dropCaps {
		args = append(args, "--drop-caps")
	}
	if f.cgroup {
		args = append(args, "--cgroup")
	}
	if len(argv) > 0 {
		args = append(args, "--")
		args = append(args, argv...)
	}
	return protocol.ParseArgs(args)
}
