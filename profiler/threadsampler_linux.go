package profiler

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/zqzqsb/zygote/pkg/seccomp/libseccomp"
)

var errUnknownHandle = errors.New("profiler: unknown handle")

var threadStates = map[byte]string{
	'R': "running",
	'S': "sleeping",
	'D': "disk-sleep",
	'T': "stopped",
	't': "tracing-stop",
	'Z': "zombie",
	'X': "dead",
	'I': "idle",
	'P': "parked",
}

// ThreadSampler is a Backend that samples the threads of one process
// through procfs. Each sample records the scheduler state, the kernel wait
// channel and the current system call of every thread.
type ThreadSampler struct {
	pid      int
	fs       procfs.FS
	procRoot string

	mu     sync.Mutex
	next   uintptr
	tables map[uintptr]*table
}

// NewThreadSampler samples the threads of pid
func NewThreadSampler(pid int) (*ThreadSampler, error) {
	return newThreadSampler(procfs.DefaultMountPoint, pid)
}

func newThreadSampler(procRoot string, pid int) (*ThreadSampler, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("profiler: %w", err)
	}
	return &ThreadSampler{
		pid:      pid,
		fs:       fs,
		procRoot: procRoot,
		tables:   make(map[uintptr]*table),
	}, nil
}

// Pid returns the sampled process
func (t *ThreadSampler) Pid() int {
	return t.pid
}

func (t *ThreadSampler) Allocate(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: table size %d", ErrInvalidArgument, size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.tables[t.next] = newTable(size)
	return t.next, nil
}

func (t *ThreadSampler) Free(h uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tables, h)
}

func (t *ThreadSampler) table(h uintptr) (*table, error) {
	tb, ok := t.tables[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownHandle, h)
	}
	return tb, nil
}

func (t *ThreadSampler) Sample(h uintptr) error {
	threads, err := t.fs.AllThreads(t.pid)
	if err != nil {
		return fmt.Errorf("profiler: list threads of %d: %w", t.pid, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tb, err := t.table(h)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		key, ok := t.readThread(thread)
		if !ok {
			// exited between listing and reading
			continue
		}
		tb.add(key, thread.PID == tb.eventTid)
	}
	return nil
}

func (t *ThreadSampler) Snapshot(h uintptr) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tb, err := t.table(h)
	if err != nil {
		return nil, err
	}
	if tb.samples == 0 {
		return nil, nil
	}
	d := tb.snapshot(t.pid)
	tb.reset()
	return d.Marshal(), nil
}

func (t *ThreadSampler) SetEventThread(h uintptr, tid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tb, err := t.table(h)
	if err != nil {
		return err
	}
	tb.eventTid = tid
	return nil
}

func (t *ThreadSampler) Size(h uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tb, ok := t.tables[h]; ok {
		return tb.used
	}
	return 0
}

func (t *ThreadSampler) Collisions(h uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tb, ok := t.tables[h]; ok {
		return tb.collisions
	}
	return 0
}

// readThread reads the sampled attributes of one thread. Only the state is
// required; wchan and syscall may be hidden from the caller.
func (t *ThreadSampler) readThread(thread procfs.Proc) (traceKey, bool) {
	stat, err := thread.Stat()
	if err != nil || stat.State == "" {
		return traceKey{}, false
	}
	key := traceKey{state: stateName(stat.State)}
	if w, err := thread.Wchan(); err == nil {
		key.wchan = parseWchan(w)
	}
	// procfs has no reader for the syscall file
	path := filepath.Join(t.procRoot, strconv.Itoa(t.pid), "task", strconv.Itoa(thread.PID), "syscall")
	if b, err := os.ReadFile(path); err == nil {
		key.syscall = parseSyscall(string(b))
	}
	return key, true
}

// stateName names the state letter of a stat line
func stateName(state string) string {
	if name, ok := threadStates[state[0]]; ok {
		return name
	}
	return state
}

func parseWchan(s string) string {
	s = strings.TrimSpace(s)
	if s == "0" {
		return ""
	}
	return s
}

// parseSyscall names the system call in /proc/<pid>/task/<tid>/syscall,
// which is "running", "-1 sp pc" outside a call, or "nr args... sp pc"
func parseSyscall(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 || f[0] == "running" {
		return ""
	}
	nr, err := strconv.Atoi(f[0])
	if err != nil || nr < 0 {
		return ""
	}
	name, err := libseccomp.ToSyscallName(uint(nr))
	if err != nil {
		return "syscall_" + f[0]
	}
	return name
}

type traceKey struct {
	state   string
	wchan   string
	syscall string
}

type slot struct {
	key   traceKey
	used  bool
	event uint32
	other uint32
}

// table is an open addressing hash table of fixed size
type table struct {
	slots      []slot
	used       int
	collisions int
	samples    uint64
	eventTid   int
}

func newTable(size int) *table {
	return &table{slots: make([]slot, size)}
}

func (k traceKey) hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.state))
	h.Write([]byte{0})
	h.Write([]byte(k.wchan))
	h.Write([]byte{0})
	h.Write([]byte(k.syscall))
	return h.Sum64()
}

// add counts one sample of k. A sample whose home slot holds another trace
// is a collision; it is probed linearly and dropped when the table is full.
func (t *table) add(k traceKey, event bool) {
	t.samples++
	n := len(t.slots)
	home := int(k.hash() % uint64(n))
	for i := 0; i < n; i++ {
		s := &t.slots[(home+i)%n]
		if s.used && s.key != k {
			if i == 0 {
				t.collisions++
			}
			continue
		}
		if !s.used {
			s.used = true
			s.key = k
			t.used++
		}
		if event {
			s.event++
		} else {
			s.other++
		}
		return
	}
}

func (t *table) snapshot(pid int) *SnapshotData {
	d := &SnapshotData{
		Version:    SnapshotVersion,
		Pid:        pid,
		Samples:    t.samples,
		Collisions: uint32(t.collisions),
	}
	for _, s := range t.slots {
		if s.used {
			d.Traces = append(d.Traces, Trace{
				State:      s.key.state,
				Wchan:      s.key.wchan,
				Syscall:    s.key.syscall,
				EventCount: s.event,
				OtherCount: s.other,
			})
		}
	}
	return d
}

func (t *table) reset() {
	clear(t.slots)
	t.used = 0
	t.collisions = 0
	t.samples = 0
}
