// Command zygote forks pre-warmed, specialized processes
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/zqzqsb/zygote/zygote"
)

func main() {
	// a re-executed own image is the child branch of a fork
	if rt, res, ok := zygote.Init(); ok {
		os.Exit(childMain(rt, res))
	}

	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the command with a status and no further message
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
