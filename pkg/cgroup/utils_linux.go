package cgroup

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const initPath = "init"

// EnableV2Nesting moves every process of the root cgroup into root/init so
// that controllers can be enabled for the subtree. It is needed when the
// zygote runs as the only tenant of a cgroup namespace.
func EnableV2Nesting(root string) error {
	p, err := readFile(path.Join(root, cgroupProcs))
	if err != nil {
		return err
	}
	procs := strings.Fields(string(p))
	if len(procs) == 0 {
		return nil
	}
	if err := os.Mkdir(path.Join(root, initPath), dirPerm); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	procFile, err := os.OpenFile(path.Join(root, initPath, cgroupProcs), os.O_RDWR, filePerm)
	if err != nil {
		return err
	}
	defer procFile.Close()
	for _, v := range procs {
		// kernel threads cannot be moved
		procFile.WriteString(v)
	}
	return nil
}

// ReadProcesses reads the pids of a cgroup.procs file
func ReadProcesses(path string) ([]int, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	procs := strings.Fields(string(content))
	rt := make([]int, 0, len(procs))
	for _, x := range procs {
		pid, err := strconv.Atoi(x)
		if err != nil {
			return nil, err
		}
		rt = append(rt, pid)
	}
	return rt, nil
}

// AddProcesses writes pids to a cgroup.procs file, one write per pid
func AddProcesses(path string, procs []int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, p := range procs {
		if _, err := f.WriteString(strconv.Itoa(p)); err != nil {
			return err
		}
	}
	return nil
}

// DetectType detects the hierarchy mounted at /sys/fs/cgroup
func DetectType() Type {
	var st unix.Statfs_t
	if err := unix.Statfs(basePath, &st); err != nil {
		return TypeV1
	}
	if st.Type == unix.CGROUP2_SUPER_MAGIC {
		return TypeV2
	}
	return TypeV1
}

func remove(name string) error {
	if name != "" {
		return os.Remove(name)
	}
	return nil
}

// readFile retries EINTR, which slow cgroup files may return
func readFile(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	for err != nil && errors.Is(err, syscall.EINTR) {
		data, err = os.ReadFile(p)
	}
	return data, err
}

func writeFile(p string, content []byte, perm fs.FileMode) error {
	err := os.WriteFile(p, content, perm)
	for err != nil && errors.Is(err, syscall.EINTR) {
		err = os.WriteFile(p, content, perm)
	}
	return err
}
