// Package cgroup manages the cgroup v2 handle for one container: creation
// before fork, limit encoding, PID attachment, and best-effort teardown on
// exit, per spec.md §3 (CgroupHandle) and §6 (cgroup v2 encoding).
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
)

// cpuPeriodMicros is the fixed cpu.max period, per spec.md §6.
const cpuPeriodMicros = 100000

// Limits are the optional resource caps from a ContainerSpec.
type Limits struct {
	MemLimit   string // e.g. "64MB"; empty means unset
	CPUPercent int    // 0 means unset
}

// Handle is a CgroupHandle: a directory under <cgroup_root>/mydocker/<cid>.
type Handle struct {
	Path string
}

// Create implements spec.md §3/§6/§7: create the per-container cgroup
// directory, enable the cpu/memory controllers on the parent (non-fatal if
// already enabled), and write any requested limits. Creation of the
// per-container directory itself is fatal on failure; writing
// cgroup.subtree_control is not.
func Create(cfg config.Config, containerID string, limits Limits, log *zap.SugaredLogger) (Handle, error) {
	base := filepath.Join(cfg.CgroupRoot, "mydocker")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Handle{}, fmt.Errorf("%w: creating %s: %v", errkind.Cgroup, base, err)
	}

	if err := os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte("+cpu +memory"), 0o644); err != nil {
		log.Warnw("could not enable cpu/memory controllers (likely already enabled)", "error", err)
	}

	path := filepath.Join(base, containerID)
	if err := os.Mkdir(path, 0o755); err != nil {
		return Handle{}, fmt.Errorf("%w: creating cgroup directory %s: %v", errkind.Cgroup, path, err)
	}
	h := Handle{Path: path}

	if err := h.applyLimits(limits); err != nil {
		h.Destroy(log)
		return Handle{}, err
	}
	return h, nil
}

func (h Handle) applyLimits(limits Limits) error {
	if limits.MemLimit != "" {
		bytes, err := units.RAMInBytes(limits.MemLimit)
		if err != nil {
			return fmt.Errorf("%w: invalid memory limit %q: %v", errkind.Config, limits.MemLimit, err)
		}
		if err := os.WriteFile(filepath.Join(h.Path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0o644); err != nil {
			return fmt.Errorf("%w: writing memory.max: %v", errkind.Cgroup, err)
		}
	}

	if limits.CPUPercent > 0 {
		quota := limits.CPUPercent * 1000
		line := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)
		if err := os.WriteFile(filepath.Join(h.Path, "cpu.max"), []byte(line), 0o644); err != nil {
			return fmt.Errorf("%w: writing cpu.max: %v", errkind.Cgroup, err)
		}
	}
	return nil
}

// AddProcess writes pid to cgroup.procs. Per spec.md §5 this must happen
// before the child enters work that should be accounted — the launcher
// calls this after the child reports ready and its ID maps are written,
// before the child is unblocked.
func (h Handle) AddProcess(pid int) error {
	path := filepath.Join(h.Path, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("%w: writing pid %d to %s: %v", errkind.Cgroup, pid, path, err)
	}
	return nil
}

// Destroy removes the cgroup directory. It is best-effort: a cgroup
// directory that still holds a zombie process can transiently fail rmdir,
// so the error is logged, not escalated to a fatal condition, matching
// spec.md §7's recovery policy for cleanup paths.
func (h Handle) Destroy(log *zap.SugaredLogger) {
	if h.Path == "" {
		return
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		log.Warnw("could not remove cgroup directory", "path", h.Path, "error", err)
	}
}

// ParseMemLimit validates a "<digits><unit>" memory limit string without
// creating a cgroup, for upfront CLI validation (ConfigError on failure).
func ParseMemLimit(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid memory limit %q: %v", errkind.Config, s, err)
	}
	return bytes, nil
}
