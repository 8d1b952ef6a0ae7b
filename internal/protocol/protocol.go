// Package protocol encodes the requests and replies of the zygote command
// socket.
//
// A request is one packet of newline separated arguments. Options come
// first, then "--" and the argument vector of the program to run. Without
// "--" the child runs the zygote's own image.
//
//	--setuid=10001
//	--setgid=10001
//	--setgroups=3003,3004
//	--rlimit=nofile,256,256
//	--enable-debugger
//	--nice-name=app
//	--
//	/system/bin/app
//
// The reply is "ok <pid> <request-id>" or "error <message>".
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zqzqsb/zygote/pkg/mount"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/seccomp"
	"github.com/zqzqsb/zygote/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/zygote/zygote"
)

// MaxPacket is the largest request or reply
const MaxPacket = 64 << 10

// ErrProtocol is returned for malformed requests and replies
var ErrProtocol = errors.New("protocol: malformed message")

// Options
const (
	optSetUID         = "--setuid"
	optSetGID         = "--setgid"
	optSetGroups      = "--setgroups"
	optRLimit         = "--rlimit"
	optEnableDebugger = "--enable-debugger"
	optNiceName       = "--nice-name"
	optSeccompDeny    = "--seccomp-deny"
	optMount          = "--mount"
	optWorkDir        = "--workdir"
	optEnv            = "--env"
	optNoNewPrivs     = "--no-new-privs"
	optDropCaps       = "--drop-caps"
	optCgroup         = "--cgroup"
	endOfOptions      = "--"
)

// Encode joins arguments into a packet
func Encode(args []string) ([]byte, error) {
	for _, a := range args {
		if strings.ContainsRune(a, '\n') {
			return nil, fmt.Errorf("%w: newline in argument %q", ErrProtocol, a)
		}
	}
	b := []byte(strings.Join(args, "\n"))
	if len(b) > MaxPacket {
		return nil, fmt.Errorf("%w: %d bytes", ErrProtocol, len(b))
	}
	return b, nil
}

// Decode splits a packet into arguments
func Decode(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), "\n")
}

// ParseArgs builds a fork request from arguments. The uid and gid are
// required; every option but --rlimit, --mount and --env may appear once.
func ParseArgs(args []string) (*zygote.ForkRequest, error) {
	req := new(zygote.ForkRequest)
	seen := make(map[string]bool)
	var hasUID, hasGID bool

	for i, a := range args {
		if a == endOfOptions {
			req.Args = append([]string(nil), args[i+1:]...)
			break
		}
		name, value, hasValue := strings.Cut(a, "=")
		switch name {
		case optRLimit, optMount, optEnv:
		default:
			if seen[name] {
				return nil, fmt.Errorf("%w: duplicate %s", ErrProtocol, name)
			}
		}
		seen[name] = true

		var err error
		switch name {
		case optSetUID:
			req.UID, err = parseID(value)
			hasUID = true
		case optSetGID:
			req.GID, err = parseID(value)
			hasGID = true
		case optSetGroups:
			req.GIDs, err = parseGroups(value)
		case optRLimit:
			var t [3]int64
			t, err = parseRLimit(value)
			req.RLimits = append(req.RLimits, t)
		case optEnableDebugger:
			req.EnableDebugger = true
		case optNiceName:
			req.NiceName = value
		case optSeccompDeny:
			req.Seccomp = &libseccomp.Builder{
				Deny:    splitList(value),
				Default: seccomp.ActionAllow,
			}
		case optMount:
			var m mount.Mount
			m, err = mount.ParseBind(value)
			req.Mounts = append(req.Mounts, m)
		case optWorkDir:
			req.WorkDir = value
		case optEnv:
			if !strings.Contains(value, "=") {
				err = fmt.Errorf("environment %q is not KEY=VALUE", value)
			}
			req.Env = append(req.Env, value)
		case optNoNewPrivs:
			req.NoNewPrivs = true
		case optDropCaps:
			req.DropCaps = true
		case optCgroup:
			req.Cgroup = true
		default:
			return nil, fmt.Errorf("%w: unknown option %q", ErrProtocol, a)
		}
		if err == nil && takesValue(name) != hasValue {
			err = fmt.Errorf("option value mismatch")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, name, err)
		}
	}
	if !hasUID || !hasGID {
		return nil, fmt.Errorf("%w: %s and %s are required", ErrProtocol, optSetUID, optSetGID)
	}
	return req, nil
}

func takesValue(name string) bool {
	switch name {
	case optEnableDebugger, optNoNewPrivs, optDropCaps, optCgroup:
		return false
	}
	return true
}

// FormatArgs is the inverse of ParseArgs for the fields the protocol
// carries. Files travel out of band.
func FormatArgs(req *zygote.ForkRequest) []string {
	args := []string{
		optSetUID + "=" + strconv.Itoa(req.UID),
		optSetGID + "=" + strconv.Itoa(req.GID),
	}
	if req.GIDs != nil {
		gs := make([]string, 0, len(req.GIDs))
		for _, g := range req.GIDs {
			gs = append(gs, strconv.Itoa(g))
		}
		args = append(args, optSetGroups+"="+strings.Join(gs, ","))
	}
	for _, r := range req.RLimits {
		args = append(args, fmt.Sprintf("%s=%s,%d,%d", optRLimit, rlimit.ResourceName(int(r[0])), r[1], r[2]))
	}
	if req.EnableDebugger {
		args = append(args, optEnableDebugger)
	}
	if req.NiceName != "" {
		args = append(args, optNiceName+"="+req.NiceName)
	}
	if req.Seccomp != nil && len(req.Seccomp.Deny) > 0 {
		args = append(args, optSeccompDeny+"="+strings.Join(req.Seccomp.Deny, ","))
	}
	for _, m := range req.Mounts {
		opt := "rw"
		if m.IsReadOnly() {
			opt = "ro"
		}
		args = append(args, fmt.Sprintf("%s=%s:%s:%s", optMount, m.Source, m.Target, opt))
	}
	if req.WorkDir != "" {
		args = append(args, optWorkDir+"="+req.WorkDir)
	}
	for _, e := range req.Env {
		args = append(args, optEnv+"="+e)
	}
	if req.NoNewPrivs {
		args = append(args, optNoNewPrivs)
	}
	if req.DropCaps {
		args = append(args, optDropCaps)
	}
	if req.Cgroup {
		args = append(args, optCgroup)
	}
	if len(req.Args) > 0 {
		args = append(args, endOfOptions)
		args = append(args, req.Args...)
	}
	return args
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, fmt.Errorf("negative id %d", id)
	}
	return id, nil
}

// parseGroups returns an empty, non-nil list for an empty value
func parseGroups(s string) ([]int, error) {
	ret := []int{}
	for _, g := range splitList(s) {
		id, err := parseID(g)
		if err != nil {
			return nil, err
		}
		ret = append(ret, id)
	}
	return ret, nil
}

// parseRLimit parses "resource,soft,hard"; the resource is a name or a
// number and -1 means unlimited
func parseRLimit(s string) ([3]int64, error) {
	f := strings.Split(s, ",")
	if len(f) != 3 {
		return [3]int64{}, fmt.Errorf("want resource,soft,hard, got %q", s)
	}
	res, err := rlimit.ParseResource(f[0])
	if err != nil {
		return [3]int64{}, err
	}
	soft, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return [3]int64{}, err
	}
	hard, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return [3]int64{}, err
	}
	return [3]int64{int64(res), soft, hard}, nil
}

func splitList(s string) []string {
	var ret []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}

// Reply is the answer to one request
type Reply struct {
	Pid       int
	RequestID string
	Err       string
}

// RemoteError is a failure reported by the zygote
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "zygote: " + e.Msg
}

// OK formats a successful reply
func OK(pid int, requestID string) []byte {
	return []byte(fmt.Sprintf("ok %d %s", pid, requestID))
}

// Error formats a failed reply on a single line
func Error(err error) []byte {
	return []byte("error " + strings.ReplaceAll(err.Error(), "\n", "; "))
}

// ParseReply parses a reply. A failure reported by the zygote is returned
// as a *RemoteError.
func ParseReply(b []byte) (Reply, error) {
	s := string(b)
	if msg, ok := strings.CutPrefix(s, "error "); ok {
		return Reply{Err: msg}, &RemoteError{Msg: msg}
	}
	f := strings.Fields(s)
	if len(f) != 3 || f[0] != "ok" {
		return Reply{}, fmt.Errorf("%w: reply %q", ErrProtocol, s)
	}
	pid, err := strconv.Atoi(f[1])
	if err != nil || pid <= 0 {
		return Reply{}, fmt.Errorf("%w: reply pid %q", ErrProtocol, f[1])
	}
	return Reply{Pid: pid, RequestID: f[2]}, nil
}
