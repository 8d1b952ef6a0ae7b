// Package profiler samples the threads of a process at a fixed rate.
//
// A Session owns one backend handle and one sampling goroutine. The handle
// is freed exactly once, when ShutDown has joined the goroutine.
package profiler

// Backend stores samples in tables addressed by opaque handles
type Backend interface {
	// Allocate creates a table holding at most size distinct traces
	Allocate(size int) (uintptr, error)
	// Free releases a table; the handle is invalid afterwards
	Free(h uintptr)
	// Sample records one sample batch into the table
	Sample(h uintptr) error
	// Snapshot encodes and clears the table, returning nil when it is empty
	Snapshot(h uintptr) ([]byte, error)
	// SetEventThread marks the thread whose samples are counted apart
	SetEventThread(h uintptr, tid int) error
	// Size is the number of distinct traces held
	Size(h uintptr) int
	// Collisions is the number of samples that hit an occupied slot
	Collisions(h uintptr) int
}
