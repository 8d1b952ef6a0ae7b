package zygote

import "fmt"

// Kind tells which branch of a fork a ForkResult belongs to
type Kind int

// Fork branches
const (
	KindError Kind = iota
	KindParent
	KindChild
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindParent:
		return "parent"
	case KindChild:
		return "child"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ForkResult is the outcome of a fork as seen by one process. Exactly one
// of the three kinds holds:
//
//	KindParent: Pid is the child and Specialized yields nil once it has
//	            execed, or the forkexec.ChildError it died with
//	KindChild:  Pid is the calling process, returned by Init
//	KindError:  Err is why no child was created
type ForkResult struct {
	Kind        Kind
	Pid         int
	Err         error
	Specialized <-chan error
}

func parentResult(pid int, specialized <-chan error) ForkResult {
	return ForkResult{Kind: KindParent, Pid: pid, Specialized: specialized}
}

func childResult(pid int) ForkResult {
	return ForkResult{Kind: KindChild, Pid: pid}
}

func errorResult(err error) ForkResult {
	return ForkResult{Kind: KindError, Err: err}
}

// Wait blocks until a parent result's child has execed or failed. It
// returns Err for error results and nil for child results.
func (r ForkResult) Wait() error {
	switch r.Kind {
	case KindParent:
		return <-r.Specialized
	case KindError:
		return r.Err
	}
	return nil
}

func (r ForkResult) String() string {
	switch r.Kind {
	case KindParent:
		return fmt.Sprintf("Parent(%d)", r.Pid)
	case KindChild:
		return fmt.Sprintf("Child(%d)", r.Pid)
	}
	return fmt.Sprintf("Error(%v)", r.Err)
}
