// Package cgroup places zygote children into cgroup v2 process groups
package cgroup

import "errors"

const (
	basePath = "/sys/fs/cgroup"

	cgroupProcs          = "cgroup.procs"
	cgroupSubtreeControl = "cgroup.subtree_control"
	cgroupControllers    = "cgroup.controllers"

	filePerm = 0644
	dirPerm  = 0755

	CPU    = "cpu"
	CPUSet = "cpuset"
	Memory = "memory"
	Pids   = "pids"
)

// ErrNotInitialized is returned when a limit needs a controller that is not
// enabled for the group
var ErrNotInitialized = errors.New("cgroup: controller not enabled")

// Type is the mounted cgroup hierarchy version
type Type int

// Cgroup versions
const (
	TypeV1 = iota + 1
	TypeV2
)

func (t Type) String() string {
	switch t {
	case TypeV1:
		return "v1"
	case TypeV2:
		return "v2"
	default:
		return "invalid"
	}
}
