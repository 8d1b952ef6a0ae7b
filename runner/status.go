package runner

// Status is the result status
type Status int

// Result statuses
const (
	StatusInvalid Status = iota
	StatusNormal

	// resource limits, from the terminating signal
	StatusTimeLimitExceeded
	StatusMemoryLimitExceeded
	StatusOutputLimitExceeded

	// killed by seccomp
	StatusDisallowedSyscall

	StatusSignalled
	StatusNonzeroExitStatus

	// fork or specialization failed
	StatusRunnerError
)

var (
	statusString = []string{
		"Invalid",
		"",
		"Time Limit Exceeded",
		"Memory Limit Exceeded",
		"Output Limit Exceeded",
		"Disallowed Syscall",
		"Signalled",
		"Nonzero Exit Status",
		"Runner Error",
	}
)

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (t Status) Error() string {
	return t.String()
}
