package cgroup

import (
	"strings"
)

// Controllers is the set of cgroup v2 controllers in use
type Controllers struct {
	CPU    bool
	CPUSet bool
	Memory bool
	Pids   bool
}

func (c *Controllers) set(ctrl string) {
	switch ctrl {
	case CPU:
		c.CPU = true
	case CPUSet:
		c.CPUSet = true
	case Memory:
		c.Memory = true
	case Pids:
		c.Pids = true
	}
}

// Contains reports whether every controller of o is in c
func (c *Controllers) Contains(o *Controllers) bool {
	return (c.CPU || !o.CPU) && (c.CPUSet || !o.CPUSet) && (c.Memory || !o.Memory) && (c.Pids || !o.Pids)
}

// Intersect keeps only the controllers also in o
func (c *Controllers) Intersect(o *Controllers) {
	c.CPU = c.CPU && o.CPU
	c.CPUSet = c.CPUSet && o.CPUSet
	c.Memory = c.Memory && o.Memory
	c.Pids = c.Pids && o.Pids
}

// Names returns the enabled controller names
func (c *Controllers) Names() []string {
	ret := make([]string, 0, 4)
	for _, v := range []struct {
		e bool
		n string
	}{
		{c.CPU, CPU},
		{c.CPUSet, CPUSet},
		{c.Memory, Memory},
		{c.Pids, Pids},
	} {
		if v.e {
			ret = append(ret, v.n)
		}
	}
	return ret
}

func (c *Controllers) String() string {
	return "[" + strings.Join(c.Names(), ", ") + "]"
}

func parseControllers(content string) *Controllers {
	c := new(Controllers)
	for _, f := range strings.Fields(content) {
		c.set(f)
	}
	return c
}

func getAvailableControllerV2path(p string) (*Controllers, error) {
	b, err := readFile(p)
	if err != nil {
		return nil, err
	}
	return parseControllers(string(b)), nil
}
