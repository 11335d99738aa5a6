package launch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChildInitArg is the hidden subcommand the launcher re-execs
// /proc/self/exe with. A program built on this package must dispatch to
// RunChildInit when os.Args[1] == ChildInitArg, before doing anything
// else: by the time this code runs, clone(2) has already placed the
// process in the new namespaces (spec.md §4.E states S1-S2 are collapsed
// into the clone call itself, the idiomatic Go substitute for fork+unshare).
const ChildInitArg = "__mydocker_init__"

// childReadyFD and goAheadFD are the well-known descriptor numbers the
// parent passes via exec.Cmd.ExtraFiles (which always starts at fd 3).
const (
	childReadyFD = 3
	goAheadFD    = 4
)

// RunChildInit is the container-side half of the S0-S7 state machine. It
// never returns on success: the final step replaces the process image via
// execve. args is os.Args[2:] of the re-exec'd invocation: mergedDir,
// resolvSrc, hostname, then the user's argv.
func RunChildInit(args []string) {
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "mydocker: init: missing arguments")
		os.Exit(1)
	}
	mergedDir, resolvSrc, hostname, argv := args[0], args[1], args[2], args[3:]

	childReady := os.NewFile(childReadyFD, "child-ready")
	goAhead := os.NewFile(goAheadFD, "go-ahead")

	// S2: tell the parent this process exists and is already namespaced.
	if _, err := childReady.Write([]byte{1}); err != nil {
		fatalf("notifying parent: %v", err)
	}
	childReady.Close()

	// S3-S4: block until the parent has written our uid/gid maps, added
	// us to the cgroup, and wired the network namespace.
	buf := make([]byte, 1)
	if _, err := goAhead.Read(buf); err != nil {
		fatalf("waiting for parent go-ahead: %v", err)
	}
	goAhead.Close()

	if err := unix.Setgid(0); err != nil {
		fatalf("setgid(0): %v", err)
	}
	if err := unix.Setuid(0); err != nil {
		fatalf("setuid(0): %v", err)
	}

	if err := unix.Sethostname([]byte(hostname)); err != nil {
		fatalf("sethostname: %v", err)
	}

	if err := pivotInto(mergedDir, resolvSrc); err != nil {
		fatalf("%v", err)
	}

	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		fatalf("mounting /proc: %v", err)
	}

	path, lookErr := exec.LookPath(argv[0])
	if lookErr != nil {
		fmt.Fprintf(os.Stderr, "mydocker: %s: command not found\n", argv[0])
		os.Exit(2)
	}

	env := os.Environ()
	if err := syscall.Exec(path, argv, env); err != nil {
		fatalf("exec %s: %v", path, err)
	}
}

// pivotInto implements spec.md §4.E's filesystem handoff: make the
// mount namespace private, bind-mount the resolver file in, and
// pivot_root into mergedDir.
func pivotInto(mergedDir, resolvSrc string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mount namespace private: %w", err)
	}

	if err := unix.Mount(mergedDir, mergedDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting %s onto itself: %w", mergedDir, err)
	}

	resolvDst := filepath.Join(mergedDir, "etc", "resolv.conf")
	if f, err := os.OpenFile(resolvDst, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return fmt.Errorf("creating %s: %w", resolvDst, err)
	} else {
		f.Close()
	}
	if err := unix.Mount(resolvSrc, resolvDst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind-mounting resolv.conf: %w", err)
	}

	if err := unix.Chdir(mergedDir); err != nil {
		return fmt.Errorf("chdir into %s: %w", mergedDir, err)
	}

	const oldRoot = "old_root"
	if err := os.Mkdir(oldRoot, 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating %s: %w", oldRoot, err)
	}

	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}

	if err := unix.Unmount("/"+oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	if err := os.Remove("/" + oldRoot); err != nil {
		return fmt.Errorf("removing old root mountpoint: %w", err)
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "mydocker: init: "+format+"\n", args...)
	os.Exit(1)
}
