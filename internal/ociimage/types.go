// Package ociimage holds the data model for an OCI/Docker schema 2 image
// reference and the manifest documents the registry client resolves it to.
// Field names mirror the wire format so json.Unmarshal needs no custom hooks
// beyond the diff-id digest split done by ConfigManifest.DiffIDHashes.
package ociimage

import (
	"fmt"
	"strings"

	"github.com/mydocker/runtime/internal/errkind"
)

// Ref is an image reference, "name:tag" with an implicit "library/"
// namespace when name has no slash.
type Ref struct {
	Name string
	Tag  string
}

// ParseRef parses "name[:tag]" into a Ref, defaulting Tag to "latest" and
// prefixing Name with "library/" when it is a single segment, matching
// Docker Hub's own familiarization rule.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty image reference", errkind.Config)
	}

	name, tag, ok := strings.Cut(s, ":")
	if !ok {
		tag = "latest"
	}
	if name == "" {
		return Ref{}, fmt.Errorf("%w: image reference %q has no name", errkind.Config, s)
	}
	if !strings.Contains(name, "/") {
		name = "library/" + name
	}
	return Ref{Name: name, Tag: tag}, nil
}

// SafeID returns a filesystem-safe form of the reference, used to key the
// per-image manifest directory under the local registry and as the prefix
// of container IDs (and so of their directories under the runtime root).
func (r Ref) SafeID() string {
	repl := strings.NewReplacer(":", "_", "/", "_")
	return repl.Replace(r.Name) + "_" + r.Tag
}

func (r Ref) String() string {
	return r.Name + ":" + r.Tag
}

// Platform identifies an os/architecture pair inside a manifest list entry.
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

// ManifestEntry is one entry of a ManifestIndex ("fat manifest").
type ManifestEntry struct {
	Digest    string   `json:"digest"`
	MediaType string   `json:"mediaType"`
	Size      int64    `json:"size"`
	Platform  Platform `json:"platform"`
}

// ManifestIndex is the fat manifest returned for a manifest-list media type.
type ManifestIndex struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Manifests     []ManifestEntry `json:"manifests"`
}

// SelectLinuxAMD64 returns the first entry matching linux/amd64, per
// spec.md §3 ("others ignored").
func (idx ManifestIndex) SelectLinuxAMD64() (ManifestEntry, error) {
	for _, m := range idx.Manifests {
		if m.Platform.OS == "linux" && m.Platform.Architecture == "amd64" {
			return m, nil
		}
	}
	return ManifestEntry{}, fmt.Errorf("%w: no linux/amd64 entry in manifest list", errkind.Config)
}

// LayerDescriptor is one entry of an ArchManifest's ordered layer list.
type LayerDescriptor struct {
	Digest    string `json:"digest"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// ConfigDescriptor points at the image config blob.
type ConfigDescriptor struct {
	Digest    string `json:"digest"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// ArchManifest is the per-platform manifest: an ordered layer list
// (base first) plus a pointer to the config blob.
type ArchManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        ConfigDescriptor  `json:"config"`
	Layers        []LayerDescriptor `json:"layers"`
}

// RootFS is the ConfigManifest's rootfs section: the ordered list of
// uncompressed per-layer digests, base first.
type RootFS struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

// ConfigManifest is the image config blob: all that matters here is the
// ordered list of uncompressed layer digests used to key extracted layers.
type ConfigManifest struct {
	RootFS RootFS `json:"rootfs"`
}

// DiffIDHashes strips the "sha256:" prefix from every diff_id, returning
// the bare hex digests in base-to-top order.
func (c ConfigManifest) DiffIDHashes() ([]string, error) {
	hashes := make([]string, 0, len(c.RootFS.DiffIDs))
	for _, id := range c.RootFS.DiffIDs {
		_, hash, ok := strings.Cut(id, "sha256:")
		if !ok || hash == "" {
			return nil, fmt.Errorf("%w: malformed diff_id %q", errkind.Config, id)
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

