package cgroup

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
)

const (
	removeRetries  = 40
	removeInterval = 5 * time.Millisecond
)

// Limits are applied to every process group; zero leaves a limit unset
type Limits struct {
	MemoryMax uint64 `yaml:"memoryMax,omitempty"`
	PidsMax   uint64 `yaml:"pidsMax,omitempty"`
	CPUWeight uint64 `yaml:"cpuWeight,omitempty"`
}

// ProcessGroups keeps one cgroup per child at root/uid_<uid>/pid_<pid>.
// Everything the child forks stays in its group, so the whole group can be
// killed once the child is reaped.
type ProcessGroups struct {
	root   *V2
	limits Limits

	mu   sync.Mutex
	uids map[int]*V2
	pids map[int]*V2
}

// NewProcessGroups opens root, which must be an existing cgroup v2
// directory delegated to the zygote
func NewProcessGroups(root string, limits Limits) (*ProcessGroups, error) {
	r, err := OpenV2(root)
	if err != nil {
		return nil, fmt.Errorf("cgroup: open root %s: %w", root, err)
	}
	return &ProcessGroups{
		root:   r,
		limits: limits,
		uids:   make(map[int]*V2),
		pids:   make(map[int]*V2),
	}, nil
}

// Root returns the root cgroup
func (p *ProcessGroups) Root() *V2 {
	return p.root
}

// Add creates the group of pid under uid, applies the limits and moves
// pid into it
func (p *ProcessGroups) Add(uid, pid int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ucg, ok := p.uids[uid]
	if !ok {
		if ucg, err = p.root.New(fmt.Sprintf("uid_%d", uid)); err != nil {
			return err
		}
		p.uids[uid] = ucg
	}
	cg, err := ucg.New(fmt.Sprintf("pid_%d", pid))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			cg.Destroy()
		}
	}()
	if err = p.applyLimits(cg); err != nil {
		return err
	}
	if err = cg.AddProc(pid); err != nil {
		return err
	}
	p.pids[pid] = cg
	return nil
}

func (p *ProcessGroups) applyLimits(cg *V2) error {
	if p.limits.MemoryMax > 0 {
		if err := cg.SetMemoryLimit(p.limits.MemoryMax); err != nil {
			return err
		}
	}
	if p.limits.PidsMax > 0 {
		if err := cg.SetProcLimit(p.limits.PidsMax); err != nil {
			return err
		}
	}
	if p.limits.CPUWeight > 0 {
		if err := cg.SetCPUWeight(p.limits.CPUWeight); err != nil {
			return err
		}
	}
	return nil
}

// Group returns the group of pid
func (p *ProcessGroups) Group(pid int) (*V2, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cg, ok := p.pids[pid]
	return cg, ok
}

// Remove kills whatever is left in the group of pid and removes it. It is
// a no-op for pids without a group.
func (p *ProcessGroups) Remove(pid int) error {
	p.mu.Lock()
	cg, ok := p.pids[pid]
	delete(p.pids, pid)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if procs, err := cg.Processes(); err == nil && len(procs) > 0 {
		if err := cg.Kill(); err != nil {
			for _, pp := range procs {
				syscall.Kill(pp, syscall.SIGKILL)
			}
		}
	}
	// rmdir fails with EBUSY until the killed processes are gone
	var err error
	for i := 0; i < removeRetries; i++ {
		if err = cg.Destroy(); err == nil || !errors.Is(err, syscall.EBUSY) {
			break
		}
		time.Sleep(removeInterval)
	}
	return err
}

// Close removes the uid groups that are empty
func (p *ProcessGroups) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for uid, cg := range p.uids {
		if err := cg.Destroy(); err != nil && !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EBUSY) {
			errs = append(errs, err)
			continue
		}
		delete(p.uids, uid)
	}
	return errors.Join(errs...)
}
