package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const cgroupRoot = "/sys/fs/cgroup"

func cgroupsV2Available() bool {
	_, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers"))
	return err == nil
}

// cgroupFor creates (idempotently) a leaf cgroup v2 group for one sandbox
// under ash.slice, applies memory/pids limits, and returns a closure that
// adds a pid to it plus a cleanup that removes the group once empty.
func cgroupFor(id string, limits ResourceLimits) (path string, addPID func(pid int) error, cleanup func(), err error) {
	path = filepath.Join(cgroupRoot, "ash.slice", "ash-"+id+".scope")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", nil, nil, fmt.Errorf("cgroup mkdir: %w", err)
	}

	if limits.MemoryBytes > 0 {
		writeCgroupFile(path, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10))
		writeCgroupFile(path, "memory.swap.max", "0")
	}
	if limits.MaxProcesses > 0 {
		writeCgroupFile(path, "pids.max", strconv.Itoa(limits.MaxProcesses))
	}
	if limits.CPUQuota > 0 {
		periodUs := 100000
		quotaUs := int(limits.CPUQuota * float64(periodUs))
		writeCgroupFile(path, "cpu.max", fmt.Sprintf("%d %d", quotaUs, periodUs))
	}

	addPID = func(pid int) error {
		return writeCgroupFileErr(path, "cgroup.procs", strconv.Itoa(pid))
	}
	cleanup = func() {
		_ = os.Remove(path)
	}
	return path, addPID, cleanup, nil
}

func writeCgroupFile(path, name, value string) {
	_ = writeCgroupFileErr(path, name, value)
}

func writeCgroupFileErr(path, name, value string) error {
	return os.WriteFile(filepath.Join(path, name), []byte(value), 0o644)
}
