// Command mydocker is the CLI entrypoint: "mydocker run <image:tag> <cmd> [args...]"
// plus an optional --mem/--cpu pair, and a hidden re-exec subcommand used
// internally by Component E to enter a container's namespaces.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/cgroup"
	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
	"github.com/mydocker/runtime/internal/imagestore"
	"github.com/mydocker/runtime/internal/launch"
	"github.com/mydocker/runtime/internal/netmgr"
	"github.com/mydocker/runtime/internal/ociimage"
	"github.com/mydocker/runtime/internal/registry"
	"github.com/mydocker/runtime/internal/rootfs"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == launch.ChildInitArg {
		launch.RunChildInit(os.Args[2:])
		return
	}

	if len(os.Args) < 4 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: mydocker run [--mem=<limit>] [--cpu=<percent>] <image:tag> <command> [args...]")
		os.Exit(1)
	}

	spec, err := parseRunArgs(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mydocker: %v\n", err)
		os.Exit(errkind.ExitCode(err))
	}

	log := buildLogger()
	defer log.Sync()

	cfg := config.Default()
	net := netmgr.New(cfg, log)
	if err := prepareHost(cfg, net); err != nil {
		log.Errorw("host setup failed", "error", err)
		os.Exit(errkind.ExitCode(err))
	}

	reg := registry.New(cfg, log)
	store := imagestore.New(cfg, log)
	assembler := rootfs.New(cfg, log)

	launcher := launch.New(cfg, log, reg, store, assembler, net)

	exitCode, err := launcher.Run(context.Background(), spec)
	if err != nil {
		log.Errorw("launch failed", "error", err)
		os.Exit(errkind.ExitCode(err))
	}
	os.Exit(exitCode)
}

// parseRunArgs implements spec.md §6's CLI surface: "run [--mem=X]
// [--cpu=N] <image:tag> <command> [args...]", flags permitted only before
// the image reference.
func parseRunArgs(args []string) (launch.Spec, error) {
	var memLimit string
	var cpuPercent int

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--mem="):
			memLimit = strings.TrimPrefix(arg, "--mem=")
			if _, err := cgroup.ParseMemLimit(memLimit); err != nil {
				return launch.Spec{}, err
			}
		case strings.HasPrefix(arg, "--cpu="):
			v := strings.TrimPrefix(arg, "--cpu=")
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return launch.Spec{}, fmt.Errorf("%w: invalid --cpu value %q", errkind.Config, v)
			}
			cpuPercent = n
		default:
			goto doneFlags
		}
	}
doneFlags:
	if len(args)-i < 2 {
		return launch.Spec{}, fmt.Errorf("%w: expected <image:tag> <command> [args...]", errkind.Config)
	}

	ref, err := ociimage.ParseRef(args[i])
	if err != nil {
		return launch.Spec{}, err
	}

	return launch.Spec{
		Image:      ref,
		Argv:       args[i+1:],
		MemLimit:   memLimit,
		CPUPercent: cpuPercent,
	}, nil
}

// prepareHost runs the once-per-host networking setup (spec.md §4.D),
// tolerating having already run on a prior invocation.
func prepareHost(cfg config.Config, net *netmgr.Manager) error {
	for _, d := range []string{cfg.RuntimeRoot, cfg.LocalRegistry, cfg.BlobStore, cfg.ExtractedLayers} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errkind.Filesystem, d, err)
		}
	}
	return net.EnsureHostNetworking()
}

func buildLogger() *zap.SugaredLogger {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.TimeKey = ""
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
