package cgroup

import (
	"bufio"
	"bytes"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
)

// V2 is a directory in the cgroup v2 unified hierarchy
type V2 struct {
	path        string
	control     *Controllers
	subtreeOnce sync.Once
	subtreeErr  error
	existing    bool
}

// OpenV2 opens an existing cgroup directory
func OpenV2(p string) (*V2, error) {
	ct, err := getAvailableControllerV2path(path.Join(p, cgroupControllers))
	if err != nil {
		return nil, err
	}
	return &V2{path: p, control: ct, existing: true}, nil
}

func (c *V2) String() string {
	return "v2(" + c.path + ")" + c.control.String()
}

// Path returns the directory of the cgroup
func (c *V2) Path() string {
	return c.path
}

// AddProc moves pids into the cgroup
func (c *V2) AddProc(pids ...int) error {
	return AddProcesses(path.Join(c.path, cgroupProcs), pids)
}

// Processes lists the pids in the cgroup
func (c *V2) Processes() ([]int, error) {
	return ReadProcesses(path.Join(c.path, cgroupProcs))
}

// New creates or opens a child cgroup, enabling the parent's controllers
// for it first
func (c *V2) New(name string) (*V2, error) {
	if err := c.enableSubtreeControl(); err != nil {
		return nil, err
	}
	v2 := &V2{
		path:    path.Join(c.path, name),
		control: c.control,
	}
	if err := os.Mkdir(v2.path, dirPerm); err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		v2.existing = true
	}
	return v2, nil
}

func (c *V2) enableSubtreeControl() error {
	c.subtreeOnce.Do(func() {
		s := c.control.Names()
		if len(s) == 0 {
			return
		}
		ect, err := getAvailableControllerV2path(path.Join(c.path, cgroupSubtreeControl))
		if err != nil {
			c.subtreeErr = err
			return
		}
		if ect.Contains(c.control) {
			return
		}
		controlMsg := []byte("+" + strings.Join(s, " +"))
		c.subtreeErr = writeFile(path.Join(c.path, cgroupSubtreeControl), controlMsg, filePerm)
	})
	return c.subtreeErr
}

// Destroy removes the cgroup unless it existed before it was opened
func (c *V2) Destroy() error {
	if !c.existing {
		return remove(c.path)
	}
	return nil
}

// Existing reports whether the cgroup was opened rather than created
func (c *V2) Existing() bool {
	return c.existing
}

// CPUUsage reads cpu.stat usage in ns
func (c *V2) CPUUsage() (uint64, error) {
	b, err := c.ReadFile("cpu.stat")
	if err != nil {
		return 0, err
	}
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) == 2 && parts[0] == "usage_usec" {
			v, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return v * 1000, nil
		}
	}
	return 0, os.ErrNotExist
}

// MemoryUsage reads memory.current
func (c *V2) MemoryUsage() (uint64, error) {
	if !c.control.Memory {
		return 0, ErrNotInitialized
	}
	return c.ReadUint("memory.current")
}

// MemoryMaxUsage reads memory.peak (linux >= 5.19)
func (c *V2) MemoryMaxUsage() (uint64, error) {
	if !c.control.Memory {
		return 0, ErrNotInitialized
	}
	return c.ReadUint("memory.peak")
}

// SetCPUWeight writes cpu.weight (1-10000)
func (c *V2) SetCPUWeight(w uint64) error {
	if !c.control.CPU {
		return ErrNotInitialized
	}
	return c.WriteUint("cpu.weight", w)
}

// SetMemoryLimit writes memory.max
func (c *V2) SetMemoryLimit(l uint64) error {
	if !c.control.Memory {
		return ErrNotInitialized
	}
	return c.WriteUint("memory.max", l)
}

// SetProcLimit writes pids.max
func (c *V2) SetProcLimit(l uint64) error {
	if !c.control.Pids {
		return ErrNotInitialized
	}
	return c.WriteUint("pids.max", l)
}

// Kill writes cgroup.kill (linux >= 5.14), killing every process inside
func (c *V2) Kill() error {
	return c.WriteFile("cgroup.kill", []byte("1"))
}

// WriteUint writes a decimal value to a cgroup file
func (c *V2) WriteUint(filename string, i uint64) error {
	return c.WriteFile(filename, []byte(strconv.FormatUint(i, 10)))
}

// ReadUint reads a decimal value from a cgroup file
func (c *V2) ReadUint(filename string) (uint64, error) {
	b, err := c.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// WriteFile writes a cgroup file
func (c *V2) WriteFile(name string, content []byte) error {
	return writeFile(path.Join(c.path, name), content, filePerm)
}

// ReadFile reads a cgroup file
func (c *V2) ReadFile(name string) ([]byte, error) {
	return readFile(path.Join(c.path, name))
}
