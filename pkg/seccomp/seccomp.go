package seccomp

import "fmt"

// Action is the seccomp decision for a syscall. The low 16 bits hold the
// action and the high 16 bits an optional return code.
type Action uint32

// Action defines seccomp action to the syscall
const (
	ActionInvalid Action = iota
	ActionAllow
	ActionErrno
	ActionKill
)

// ParseAction parses "allow", "errno" or "kill"
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "errno":
		return ActionErrno, nil
	case "kill", "":
		return ActionKill, nil
	}
	return ActionInvalid, fmt.Errorf("seccomp: unknown action %q", s)
}

// ReturnCode returns the return code stored in the high 16 bits
func (a Action) ReturnCode() uint16 {
	return uint16(a >> 16)
}

// WithReturnCode stores a return code in the high 16 bits
func (a Action) WithReturnCode(code uint16) Action {
	return a.Action() | Action(code)<<16
}

// Action returns the action without the return code
func (a Action) Action() Action {
	return Action(a & 0xffff)
}

func (a Action) String() string {
	switch a.Action() {
	case ActionAllow:
		return "allow"
	case ActionErrno:
		return "errno"
	case ActionKill:
		return "kill"
	}
	return fmt.Sprintf("Action(%d)", uint32(a))
}
