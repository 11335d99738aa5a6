package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mydocker/runtime/internal/cgroup"
	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
	"github.com/mydocker/runtime/internal/imagestore"
	"github.com/mydocker/runtime/internal/netmgr"
	"github.com/mydocker/runtime/internal/registry"
	"github.com/mydocker/runtime/internal/rootfs"
)

// Launcher is Component E. It owns one Client/Store/Assembler/Manager set
// and drives a single container through states S0-S7 of spec.md §4.E.
type Launcher struct {
	cfg       config.Config
	log       *zap.SugaredLogger
	registry  *registry.Client
	store     *imagestore.Store
	assembler *rootfs.Assembler
	net       *netmgr.Manager
}

// New constructs a Launcher from already-built components, per spec.md
// §2's "components are constructed once and threaded explicitly" style.
func New(cfg config.Config, log *zap.SugaredLogger, reg *registry.Client, store *imagestore.Store, assembler *rootfs.Assembler, net *netmgr.Manager) *Launcher {
	return &Launcher{cfg: cfg, log: log.Named("launch"), registry: reg, store: store, assembler: assembler, net: net}
}

// Run executes one container end to end: resolve, pull, extract, mount,
// fork/re-exec the child, wire its network, unblock it, wait, and tear
// everything back down. The returned int is the process exit code to
// surface from main (spec.md §6/§7's exit-code table); err is non-nil only
// for failures that never got far enough to produce a container exit code.
func (l *Launcher) Run(ctx context.Context, spec Spec) (int, error) {
	l.log.Infow("resolving image", "image", spec.Image.String())
	arch, cfgManifest, err := l.registry.Resolve(ctx, spec.Image)
	if err != nil {
		return 1, err
	}

	diffIDs, err := cfgManifest.DiffIDHashes()
	if err != nil {
		return 1, err
	}
	if len(diffIDs) != len(arch.Layers) {
		return 1, fmt.Errorf("%w: %d diff_ids for %d layers", errkind.Integrity, len(diffIDs), len(arch.Layers))
	}

	blobPaths, err := l.registry.FetchLayers(ctx, spec.Image, arch)
	if err != nil {
		return 1, err
	}

	lowerDirs := make([]string, len(blobPaths))
	for i, blobPath := range blobPaths {
		digest, _, err := l.store.EnsureExtracted(blobPath, diffIDs[i])
		if err != nil {
			return 1, err
		}
		lowerDirs[i] = l.store.ExtractedPath(digest)
	}

	containerID := newContainerID(spec.Image)

	inst, err := l.assembler.Prepare(containerID, lowerDirs)
	if err != nil {
		return 1, err
	}
	defer func() {
		if err := l.assembler.Teardown(inst); err != nil {
			l.log.Warnw("tearing down rootfs", "error", err)
		}
	}()

	limits := cgroup.Limits{MemLimit: spec.MemLimit, CPUPercent: spec.CPUPercent}
	cg, err := cgroup.Create(l.cfg, containerID, limits, l.log)
	if err != nil {
		return 1, err
	}
	defer cg.Destroy(l.log)

	if err := os.Chown(inst.MergedDir, l.cfg.HostUID, l.cfg.HostGID); err != nil {
		l.log.Warnw("chowning runtime dir to invoking user", "error", err)
	}

	vethSuffix := spec.VethSuffix
	if vethSuffix == "" {
		vethSuffix = newVethSuffix()
	}
	containerCIDR := spec.ContainerIP
	if containerCIDR == "" {
		containerCIDR, err = deriveContainerCIDR(l.cfg.BridgeCIDR, containerID)
		if err != nil {
			return 1, err
		}
	}

	return l.launchChild(ctx, inst, containerID, cg, containerCIDR, vethSuffix, spec.Argv)
}

// launchChild implements states S1-S7: re-exec self into the new
// namespaces, hand off uid/gid mapping and network wiring across the two
// pipe barriers, then wait for the container to exit.
func (l *Launcher) launchChild(ctx context.Context, inst rootfs.Instance, containerID string, cg cgroup.Handle, containerCIDR, vethSuffix string, argv []string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 1, fmt.Errorf("%w: resolving own executable path: %v", errkind.Config, err)
	}

	childReadyR, childReadyW, err := os.Pipe()
	if err != nil {
		return 1, fmt.Errorf("%w: creating ready pipe: %v", errkind.Namespace, err)
	}
	goAheadR, goAheadW, err := os.Pipe()
	if err != nil {
		return 1, fmt.Errorf("%w: creating go-ahead pipe: %v", errkind.Namespace, err)
	}

	args := append([]string{ChildInitArg, inst.MergedDir, inst.ResolvConfPath(), containerID}, argv...)
	cmd := exec.Command(self, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{childReadyW, goAheadR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNS |
			unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWCGROUP,
	}

	if err := cmd.Start(); err != nil {
		childReadyR.Close()
		childReadyW.Close()
		goAheadR.Close()
		goAheadW.Close()
		return 1, fmt.Errorf("%w: starting container process: %v", errkind.Namespace, err)
	}
	childReadyW.Close()
	goAheadR.Close()
	pid := cmd.Process.Pid

	reapOnFailure := func(launchErr error) (int, error) {
		cmd.Process.Kill()
		cmd.Wait()
		return 1, launchErr
	}

	// S2: wait for the child to confirm it has entered the new namespaces.
	buf := make([]byte, 1)
	if _, err := childReadyR.Read(buf); err != nil {
		childReadyR.Close()
		goAheadW.Close()
		return reapOnFailure(fmt.Errorf("%w: waiting for child to report ready: %v", errkind.Namespace, err))
	}
	childReadyR.Close()

	// S3: map the invoking user to container root (Open Question 1).
	if err := writeIDMaps(pid, l.cfg.HostUID, l.cfg.HostGID); err != nil {
		goAheadW.Close()
		return reapOnFailure(err)
	}

	if err := cg.AddProcess(pid); err != nil {
		goAheadW.Close()
		return reapOnFailure(err)
	}

	// S4: wire the veth pair into the child's freshly unshared netns.
	ep, err := l.net.WireContainer(pid, containerCIDR, vethSuffix)
	if err != nil {
		goAheadW.Close()
		return reapOnFailure(err)
	}
	defer func() {
		if err := l.net.Teardown(ep); err != nil {
			l.log.Warnw("tearing down network endpoint", "error", err)
		}
	}()

	// S5: unblock the child; it proceeds to pivot_root and exec.
	if _, err := goAheadW.Write([]byte{1}); err != nil {
		goAheadW.Close()
		return reapOnFailure(fmt.Errorf("%w: signaling child to proceed: %v", errkind.Namespace, err))
	}
	goAheadW.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			syscall.Kill(pid, sig.(syscall.Signal))
		case <-done:
		}
	}()

	// S6-S7: wait for the container to run to completion.
	waitErr := cmd.Wait()
	close(done)

	if waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("%w: waiting for container process: %v", errkind.Namespace, waitErr)
}

// writeIDMaps implements spec.md §4.E's user-namespace mapping: a single
// mapping entry per map, and setgroups=deny written before gid_map (the
// kernel rejects an unprivileged gid_map write otherwise).
func writeIDMaps(pid, hostUID, hostGID int) error {
	procDir := fmt.Sprintf("/proc/%d", pid)

	if err := os.WriteFile(procDir+"/setgroups", []byte("deny"), 0o644); err != nil {
		return fmt.Errorf("%w: writing setgroups: %v", errkind.Namespace, err)
	}
	if err := os.WriteFile(procDir+"/uid_map", []byte("0 "+strconv.Itoa(hostUID)+" 1"), 0o644); err != nil {
		return fmt.Errorf("%w: writing uid_map: %v", errkind.Namespace, err)
	}
	if err := os.WriteFile(procDir+"/gid_map", []byte("0 "+strconv.Itoa(hostGID)+" 1"), 0o644); err != nil {
		return fmt.Errorf("%w: writing gid_map: %v", errkind.Namespace, err)
	}
	return nil
}
