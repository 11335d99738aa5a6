// Package rootfs implements Component C: assemble a container's root
// filesystem as an overlay union-mount over its ordered layer set, and
// stage the DNS resolver file that component E later bind-mounts in.
package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
)

// Instance is a RootfsInstance: the per-container directories the overlay
// mount and the launcher both need.
type Instance struct {
	ContainerID string
	OverlayDir  string // <instance>/overlay
	UpperDir    string // <instance>/overlay/upperdir
	WorkDir     string // <instance>/overlay/workdir
	MergedDir   string // <instance>/runtime_dir, the mount target
	TempDir     string // <instance>/temp, holds the staged resolv.conf
}

// ResolvConfPath is the staged resolver file's path before it is
// bind-mounted into MergedDir/etc/resolv.conf.
func (i Instance) ResolvConfPath() string {
	return filepath.Join(i.TempDir, "resolv.conf")
}

// Assembler is Component C.
type Assembler struct {
	cfg config.Config
	log *zap.SugaredLogger
}

// New constructs a rootfs Assembler rooted at cfg.RuntimeRoot.
func New(cfg config.Config, log *zap.SugaredLogger) *Assembler {
	return &Assembler{cfg: cfg, log: log.Named("rootfs")}
}

// Prepare creates the per-container instance directory, bind-able resolver
// file, and mounts the overlay. lowerDirs must already be in base-to-top
// order (matching rootfs.diff_ids); Prepare reverses it for the kernel's
// lowerdir= precedence rule, per spec.md §4.C and invariant (ii)/(iii).
func (a *Assembler) Prepare(containerID string, lowerDirsBaseToTop []string) (Instance, error) {
	inst := Instance{
		ContainerID: containerID,
		OverlayDir:  filepath.Join(a.cfg.RuntimeRoot, containerID, "overlay"),
		MergedDir:   filepath.Join(a.cfg.RuntimeRoot, containerID, "runtime_dir"),
		TempDir:     filepath.Join(a.cfg.RuntimeRoot, containerID, "temp"),
	}
	inst.UpperDir = filepath.Join(inst.OverlayDir, "upperdir")
	inst.WorkDir = filepath.Join(inst.OverlayDir, "workdir")

	for _, d := range []string{inst.UpperDir, inst.WorkDir, inst.MergedDir, inst.TempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Instance{}, fmt.Errorf("%w: creating %s: %v", errkind.Filesystem, d, err)
		}
	}

	if err := a.stageResolvConf(inst); err != nil {
		return Instance{}, err
	}

	if err := mountOverlay(lowerDirsBaseToTop, inst.UpperDir, inst.WorkDir, inst.MergedDir); err != nil {
		os.RemoveAll(filepath.Join(a.cfg.RuntimeRoot, containerID))
		return Instance{}, err
	}

	if err := os.MkdirAll(filepath.Join(inst.MergedDir, "etc"), 0o755); err != nil {
		a.Teardown(inst)
		return Instance{}, fmt.Errorf("%w: creating etc/ in merged view: %v", errkind.Filesystem, err)
	}
	if err := os.MkdirAll(filepath.Join(inst.MergedDir, "sys"), 0o755); err != nil {
		a.Teardown(inst)
		return Instance{}, fmt.Errorf("%w: creating sys/ in merged view: %v", errkind.Filesystem, err)
	}

	a.log.Infow("assembled rootfs", "container", containerID, "mergeddir", inst.MergedDir)
	return inst, nil
}

// mountOverlay implements spec.md §4.C's mount call. Layer order in
// lowerdir= must be topmost-first, the reverse of diff_ids' base-first
// order.
func mountOverlay(lowerDirsBaseToTop []string, upperdir, workdir, mergeddir string) error {
	options, err := overlayOptions(lowerDirsBaseToTop, upperdir, workdir)
	if err != nil {
		return err
	}
	if err := unix.Mount("overlay", mergeddir, "overlay", 0, options); err != nil {
		return fmt.Errorf("%w: mount overlay at %s: %v", errkind.Filesystem, mergeddir, err)
	}
	return nil
}

// overlayOptions builds the kernel's "lowerdir=...,upperdir=...,workdir=..."
// mount-options string, reversing lowerDirsBaseToTop to the topmost-first
// order overlayfs expects.
func overlayOptions(lowerDirsBaseToTop []string, upperdir, workdir string) (string, error) {
	if len(lowerDirsBaseToTop) == 0 {
		return "", fmt.Errorf("%w: no layers to mount", errkind.Filesystem)
	}

	topmostFirst := make([]string, len(lowerDirsBaseToTop))
	for i, d := range lowerDirsBaseToTop {
		topmostFirst[len(lowerDirsBaseToTop)-1-i] = d
	}

	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		joinColon(topmostFirst), upperdir, workdir), nil
}

func joinColon(ss []string) string {
	out := ss[0]
	for _, s := range ss[1:] {
		out += ":" + s
	}
	return out
}

// stageResolvConf implements spec.md §4.C's DNS staging: prefer
// systemd-resolved's file, fall back to /etc/resolv.conf, and fall back
// further to a hardcoded public resolver if both copies fail.
func (a *Assembler) stageResolvConf(inst Instance) error {
	candidates := []string{"/run/systemd/resolve/resolv.conf", "/etc/resolv.conf"}

	for _, src := range candidates {
		if err := copyFile(src, inst.ResolvConfPath()); err == nil {
			return nil
		}
	}

	if err := os.WriteFile(inst.ResolvConfPath(), []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		return fmt.Errorf("%w: writing fallback resolv.conf: %v", errkind.Filesystem, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Teardown unmounts the overlay and removes the container's instance
// directory. It is idempotent: a half-assembled Instance (e.g. Prepare
// failed after mounting but before the etc/ directory was created) still
// tears down cleanly.
func (a *Assembler) Teardown(inst Instance) error {
	if inst.MergedDir != "" {
		if err := unix.Unmount(inst.MergedDir, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
			a.log.Warnw("unmounting overlay failed", "dir", inst.MergedDir, "error", err)
		}
	}
	dir := filepath.Join(a.cfg.RuntimeRoot, inst.ContainerID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing instance dir %s: %v", errkind.Filesystem, dir, err)
	}
	return nil
}
