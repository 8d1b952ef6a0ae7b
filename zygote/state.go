package zygote

import (
	"errors"
	"fmt"
)

// State is the specialization state of a process. It only ever moves from
// StateZygote to StateSpecialized.
type State int32

// Process states
const (
	StateZygote State = iota
	StateSpecialized
)

func (s State) String() string {
	switch s {
	case StateZygote:
		return "zygote"
	case StateSpecialized:
		return "specialized"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrSpecialized is returned by fork and specialize calls made from a
	// process that is already specialized
	ErrSpecialized = errors.New("zygote: process is already specialized")

	// ErrInvalidRequest is returned when a ForkRequest fails validation.
	// Nothing has been forked or changed when it is returned.
	ErrInvalidRequest = errors.New("zygote: invalid fork request")

	// ErrNoSupervisor is returned by ForkSystemServer when the runtime has
	// no supervisor to watch the system server
	ErrNoSupervisor = errors.New("zygote: no supervisor")
)
