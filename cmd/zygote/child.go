package main

import (
	"fmt"
	"os"

	"github.com/zqzqsb/zygote/internal/logging"
	"github.com/zqzqsb/zygote/zygote"
)

// childMain runs in a re-executed own image. It reports the identity the
// fork left it with.
func childMain(rt *zygote.Runtime, res zygote.ForkResult) int {
	l, err := logging.New(os.Stderr, logging.FormatText, "info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	rt.SetLogger(l)
	groups, _ := os.Getgroups()
	l.Info("child running", "result", res.String(), "state", rt.State().String(),
		"debuggable", rt.Debuggable(), "uid", os.Getuid(), "gid", os.Getgid(), "groups", groups)
	return 0
}
