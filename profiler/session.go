package profiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionState is the state of a sampling session
type SessionState int

// Session states, in the only order they can be entered
const (
	StatePaused SessionState = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

var (
	// ErrShuttingDown is returned by operations on a session that is
	// shutting down or has terminated
	ErrShuttingDown = errors.New("profiler: session is shutting down")

	// ErrInvalidArgument is returned for rejected arguments; the session
	// is left unchanged
	ErrInvalidArgument = errors.New("profiler: invalid argument")
)

// DefaultSize is the table size of the default configuration
const DefaultSize = 1024

// Options configure a Session
type Options struct {
	Logger *slog.Logger
	// Size is the number of distinct traces the table holds
	Size int
}

// Stats describe the table of a session
type Stats struct {
	Size       int
	Collisions int
}

// Session drives a backend from one sampling goroutine
type Session struct {
	logger  *slog.Logger
	backend Backend
	handle  *handle

	// mu guards state, delay and every use of the handle
	mu    sync.Mutex
	cond  *sync.Cond
	state SessionState
	delay time.Duration

	// stop interrupts the sleep between samples on shutdown
	stop chan struct{}
	done chan struct{}
}

// New allocates a table from the backend and starts the sampling goroutine
// in the paused state
func New(b Backend, opts Options) (*Session, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, opts.Size)
	}
	h, err := newHandle(b, opts.Size)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		logger:  logger.With("component", "profiler"),
		backend: b,
		handle:  h,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.state == StatePaused {
			s.cond.Wait()
		}
		if s.state != StateRunning {
			s.mu.Unlock()
			return
		}
		err := s.backend.Sample(s.handle.id)
		delay := s.delay
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("sample failed", "error", err)
		}
		select {
		case <-time.After(delay):
		case <-s.stop:
		}
	}
}

// Start samples at the given rate, resuming a paused session or changing
// the rate of a running one
func (s *Session) Start(samplesPerSecond int) error {
	if samplesPerSecond <= 0 || samplesPerSecond > int(time.Second) {
		return fmt.Errorf("%w: %d samples per second", ErrInvalidArgument, samplesPerSecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateShuttingDown {
		return ErrShuttingDown
	}
	s.delay = time.Second / time.Duration(samplesPerSecond)
	s.state = StateRunning
	s.cond.Broadcast()
	s.logger.Debug("sampling", "rate", samplesPerSecond, "delay", s.delay)
	return nil
}

// Pause stops sampling until the next Start
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateShuttingDown {
		return ErrShuttingDown
	}
	s.state = StatePaused
	return nil
}

// Snapshot returns the encoded samples taken since the last snapshot and
// clears them. It returns nil when nothing was sampled.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateShuttingDown {
		return nil, ErrShuttingDown
	}
	return s.backend.Snapshot(s.handle.id)
}

// SetEventThread marks the thread whose samples are reported apart from
// the others
func (s *Session) SetEventThread(tid int) error {
	if tid <= 0 {
		return fmt.Errorf("%w: thread %d", ErrInvalidArgument, tid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateShuttingDown {
		return ErrShuttingDown
	}
	return s.backend.SetEventThread(s.handle.id, tid)
}

// Stats reports the fill of the table
func (s *Session) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateShuttingDown {
		return Stats{}, ErrShuttingDown
	}
	return Stats{
		Size:       s.backend.Size(s.handle.id),
		Collisions: s.backend.Collisions(s.handle.id),
	}, nil
}

// ShutDown stops the sampling goroutine, waits for it to exit and frees
// the table. Only the first call does anything; later calls return
// ErrShuttingDown.
func (s *Session) ShutDown() error {
	s.mu.Lock()
	if s.state >= StateShuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.state = StateShuttingDown
	s.cond.Broadcast()
	close(s.stop)
	// the goroutine needs the lock to observe the state
	s.mu.Unlock()

	<-s.done
	s.handle.release()

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.logger.Debug("session terminated")
	return nil
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the session is sampling
func (s *Session) Running() bool {
	return s.State() == StateRunning
}
