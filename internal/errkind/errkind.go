// Package errkind defines the error taxonomy shared by every component of
// the launch pipeline. Each kind is a sentinel that callers match with
// errors.Is; the wrapping error still carries errno/context in its message.
package errkind

import "errors"

var (
	// Config covers unparseable image refs, bad memory-limit strings, bad CIDRs.
	Config = errors.New("config error")
	// Network covers registry HTTP failures and DNS failures.
	Network = errors.New("network error")
	// Auth covers registry authentication failures after one retry.
	Auth = errors.New("auth error")
	// Integrity covers a decompressed layer digest mismatching diff_ids.
	Integrity = errors.New("integrity error")
	// Filesystem covers mount/unmount/mkdir/chown failures.
	Filesystem = errors.New("filesystem error")
	// Namespace covers unshare/pivot_root/map-write failures.
	Namespace = errors.New("namespace error")
	// Cgroup covers cgroup directory or limit-file failures.
	Cgroup = errors.New("cgroup error")
	// ExecNotFound covers a requested command missing inside the rootfs.
	ExecNotFound = errors.New("command not found")
)

// ExitCode maps an error produced by the launch pipeline to the process
// exit code documented in spec.md §6: 2 for a missing command, 1 for any
// other setup failure, 0 if err is nil.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ExecNotFound):
		return 2
	default:
		return 1
	}
}
