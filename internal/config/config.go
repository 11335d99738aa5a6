// Package config holds the single configuration record passed explicitly
// into every launch-pipeline component. Nothing in this repo reads an
// environment variable or a package-level path constant outside of this
// package's constructor.
package config

import "os"

// Config is constructed once in cmd/mydocker and threaded through every
// component's constructor.
type Config struct {
	// RuntimeRoot is <runtime_root> from spec.md §6: per-container overlay,
	// merged view, and DNS scratch space live under here.
	RuntimeRoot string
	// LocalRegistry is <local_registry>: persisted manifests per image.
	LocalRegistry string
	// BlobStore is <blob_store>: raw gzipped layer blobs keyed by compressed digest.
	BlobStore string
	// ExtractedLayers is <extracted_root>: per-layer trees keyed by uncompressed digest.
	ExtractedLayers string
	// SessionFile caches {token, scheme} registry credentials across invocations.
	SessionFile string
	// RegistryHost is the Docker Registry HTTP API v2 host, normally
	// registry-1.docker.io. Overridable so tests can point at a fake server.
	RegistryHost string
	// CgroupRoot is the unified cgroup v2 mountpoint, normally /sys/fs/cgroup.
	CgroupRoot string

	// BridgeName is the host bridge device, default "cbr0".
	BridgeName string
	// BridgeCIDR is the bridge's own address, e.g. "172.20.0.1/24".
	BridgeCIDR string

	// HostUID/HostGID are the ids mapped to container root. Default to the
	// invoking user's ids (see SPEC_FULL.md §11, Q1) rather than a fixed 1000.
	HostUID int
	HostGID int
}

// Default returns the baseline configuration, overridable via environment
// variables so a single binary can be pointed at a different root without
// a rebuild.
func Default() Config {
	cfg := Config{
		RuntimeRoot:     "/var/lib/mydocker/containers",
		LocalRegistry:   "/var/lib/mydocker/registry",
		BlobStore:       "/var/lib/mydocker/blobs",
		ExtractedLayers: "/var/lib/mydocker/layers",
		SessionFile:     "/var/lib/mydocker/session.json",
		RegistryHost:    "registry-1.docker.io",
		CgroupRoot:      "/sys/fs/cgroup",
		BridgeName:      "cbr0",
		BridgeCIDR:      "172.20.0.1/24",
		HostUID:         os.Getuid(),
		HostGID:         os.Getgid(),
	}

	overrideString(&cfg.RuntimeRoot, "MYDOCKER_RUNTIME_ROOT")
	overrideString(&cfg.LocalRegistry, "MYDOCKER_IMAGE_REGISTRY")
	overrideString(&cfg.BlobStore, "MYDOCKER_BLOB_STORE")
	overrideString(&cfg.ExtractedLayers, "MYDOCKER_EXTRACTED_LAYERS")
	overrideString(&cfg.SessionFile, "MYDOCKER_SESSION_FILE")
	overrideString(&cfg.RegistryHost, "MYDOCKER_REGISTRY_HOST")
	overrideString(&cfg.BridgeName, "MYDOCKER_BRIDGE_NAME")
	overrideString(&cfg.BridgeCIDR, "MYDOCKER_BRIDGE_CIDR")
	overrideString(&cfg.CgroupRoot, "MYDOCKER_CGROUP_ROOT")
	return cfg
}

func overrideString(dst *string, envVar string) {
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		*dst = v
	}
}
