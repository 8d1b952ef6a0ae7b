package runner

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Result is the outcome of a child process
type Result struct {
	Status
	ExitStatus int    // exit code, or signal number if signalled
	Error      string // detailed error for runner errors

	Pid  int
	Name string

	Time   time.Duration // user CPU time
	Memory Size          // max resident set size

	SetUpTime   time.Duration
	RunningTime time.Duration
}

// FromWaitStatus classifies the wait status of a terminated child
func FromWaitStatus(pid int, ws unix.WaitStatus, ru *unix.Rusage) Result {
	r := Result{Pid: pid}
	if ru != nil {
		r.Time = time.Duration(ru.Utime.Nano())
		r.Memory = Size(ru.Maxrss << 10)
	}
	switch {
	case ws.Exited():
		r.ExitStatus = ws.ExitStatus()
		r.Status = StatusNormal
		if r.ExitStatus != 0 {
			r.Status = StatusNonzeroExitStatus
		}

	case ws.Signaled():
		sig := ws.Signal()
		r.ExitStatus = int(sig)
		switch sig {
		case unix.SIGXCPU:
			r.Status = StatusTimeLimitExceeded
		case unix.SIGXFSZ:
			r.Status = StatusOutputLimitExceeded
		case unix.SIGSYS:
			r.Status = StatusDisallowedSyscall
		default:
			r.Status = StatusSignalled
		}

	default:
		r.Status = StatusInvalid
	}
	return r
}

// Terminated reports whether the result describes a terminated process
func (r Result) Terminated() bool {
	return r.Status != StatusInvalid && r.Status != StatusRunnerError
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%v %v][%v %v]", r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%v %v][%v %v]", r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case StatusRunnerError:
		return fmt.Sprintf("Result[RunnerFailed(%s)][%v %v][%v %v]", r.Error, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%v %v][%v %v]", r.Status, r.Error, r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)
	}
}
