// Package registry implements Component A: authenticate against a Docker
// Registry HTTP API v2 endpoint, fetch the manifest list / arch manifest /
// config manifest, and stream layer blobs to disk.
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
	"github.com/mydocker/runtime/internal/ociimage"
)

const (
	acceptHeaders = "application/vnd.docker.distribution.manifest.list.v2+json, " +
		"application/vnd.docker.distribution.manifest.v2+json, " +
		"application/vnd.oci.image.index.v1+json"
	blobChunkSize = 1 << 20 // ~1 MiB, per spec.md §4.A fetch_blob
)

// Client is Component A. One Client is shared across pulls within a
// process; its in-memory token cache and the on-disk session file both
// survive across invocations.
type Client struct {
	cfg  config.Config
	http *http.Client
	log  *zap.SugaredLogger

	mu   sync.Mutex
	sess session
}

// New constructs a registry Client, seeding its in-memory token cache from
// the on-disk session file if one is present.
func New(cfg config.Config, log *zap.SugaredLogger) *Client {
	c := &Client{
		cfg: cfg,
		log: log.Named("registry"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout: 30 * time.Second,
				MaxIdleConns:    10,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "tcp4", addr)
				},
			},
		},
	}
	if s, ok := loadSession(cfg.SessionFile); ok {
		c.sess = s
	}
	return c
}

// scheme picks http for loopback test hosts, https for everything else, so
// a httptest.Server can stand in for the real registry without TLS.
func (c *Client) scheme() string {
	if strings.Contains(c.cfg.RegistryHost, "127.0.0.1") || strings.HasPrefix(c.cfg.RegistryHost, "localhost") {
		return "http"
	}
	return "https"
}

// manifestURL builds the /v2/<name>/manifests/<ref> URL for either a tag
// or a digest reference.
func (c *Client) manifestURL(name, ref string) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(), c.cfg.RegistryHost, name, ref)
}

func (c *Client) blobURL(name, digest string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(), c.cfg.RegistryHost, name, digest)
}

// manifestPaths returns the three persisted-manifest paths for ref, per
// spec.md §6.
func (c *Client) manifestPaths(ref ociimage.Ref) (base, arch, cfg string) {
	dir := filepath.Join(c.cfg.LocalRegistry, ref.SafeID(), "manifests")
	return filepath.Join(dir, "base_manifest.json"),
		filepath.Join(dir, "arch_manifest.json"),
		filepath.Join(dir, "config_manifest.json")
}

// Resolve implements spec.md §4.A resolve(). If the arch and config
// manifests are already persisted for ref, it loads them from disk and
// issues zero HTTP requests (SPEC_FULL.md §4.A.1, S-PULL-IDEM); the
// persisted base manifest list is not checked.
func (c *Client) Resolve(ctx context.Context, ref ociimage.Ref) (ociimage.ArchManifest, ociimage.ConfigManifest, error) {
	var arch ociimage.ArchManifest
	var cfgManifest ociimage.ConfigManifest

	_, archPath, cfgPath := c.manifestPaths(ref)
	if loadJSON(archPath, &arch) == nil && loadJSON(cfgPath, &cfgManifest) == nil {
		c.log.Debugw("manifests already cached, skipping pull", "image", ref.String())
		return arch, cfgManifest, nil
	}

	index, err := c.fetchManifestIndex(ctx, ref)
	if err != nil {
		return arch, cfgManifest, err
	}

	entry, err := index.SelectLinuxAMD64()
	if err != nil {
		return arch, cfgManifest, fmt.Errorf("%w: %s: %v", errkind.Config, ref, err)
	}

	if err := c.fetchJSON(ctx, c.manifestURL(ref.Name, entry.Digest), &arch); err != nil {
		return arch, cfgManifest, err
	}
	if err := c.fetchJSON(ctx, c.blobURL(ref.Name, arch.Config.Digest), &cfgManifest); err != nil {
		return arch, cfgManifest, err
	}

	basePath, archPath, cfgPath := c.manifestPaths(ref)
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return arch, cfgManifest, fmt.Errorf("%w: creating manifest dir: %v", errkind.Filesystem, err)
	}
	saveJSONIfAbsent(basePath, index)
	saveJSONIfAbsent(archPath, arch)
	saveJSONIfAbsent(cfgPath, cfgManifest)

	return arch, cfgManifest, nil
}

func (c *Client) fetchManifestIndex(ctx context.Context, ref ociimage.Ref) (ociimage.ManifestIndex, error) {
	var index ociimage.ManifestIndex
	err := c.fetchJSON(ctx, c.manifestURL(ref.Name, ref.Tag), &index)
	return index, err
}

// fetchJSON performs an authenticated GET and decodes the JSON body,
// re-authenticating exactly once on a 401 as required by spec.md §4.A.
func (c *Client) fetchJSON(ctx context.Context, url string, out any) error {
	resp, err := c.doAuthed(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: %s", errkind.Network, url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", errkind.Network, url, err)
	}
	return nil
}

// doAuthed issues req with the cached bearer token, re-authenticating once
// on a 401 response before retrying, per spec.md §4.A step 1-2: the 401
// itself carries the WWW-Authenticate challenge, so no extra round trip is
// needed to discover it.
func (c *Client) doAuthed(ctx context.Context, url string) (*http.Response, error) {
	resp, err := c.request(ctx, url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	c.mu.Lock()
	s, authErr := c.authenticate(resp)
	if authErr == nil {
		c.sess = s
	}
	c.mu.Unlock()
	resp.Body.Close()
	if authErr != nil {
		return nil, authErr
	}

	return c.request(ctx, url)
}

func (c *Client) request(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %v", errkind.Network, url, err)
	}
	req.Header.Set("Accept", acceptHeaders)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("%s %s", sess.Scheme, sess.Token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", errkind.Network, url, err)
	}
	return resp, nil
}

// blobPath returns the path-safe compressed-blob location for digest,
// keyed by the registry digest string per spec.md §6.
func (c *Client) blobPath(digest string) string {
	return filepath.Join(c.cfg.BlobStore, strings.ReplaceAll(digest, ":", "_"))
}

// FetchBlob implements spec.md §4.A fetch_blob(): idempotent, streamed in
// ~1MiB chunks, returns the path on disk.
func (c *Client) FetchBlob(ctx context.Context, ref ociimage.Ref, digest string) (string, error) {
	dest := c.blobPath(digest)
	if _, err := os.Stat(dest); err == nil {
		c.log.Debugw("blob already cached", "digest", digest)
		return dest, nil
	}

	if err := os.MkdirAll(c.cfg.BlobStore, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating blob store: %v", errkind.Filesystem, err)
	}

	resp, err := c.doAuthed(ctx, c.blobURL(ref.Name, digest))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: blob %s: %s", errkind.Auth, digest, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: blob %s: %s", errkind.Network, digest, resp.Status)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", errkind.Filesystem, tmp, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, blobChunkSize)
	if _, err := io.Copy(w, resp.Body); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: streaming blob %s: %v", errkind.Network, digest, err)
	}
	if err := w.Flush(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: flushing blob %s: %v", errkind.Filesystem, digest, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: closing blob %s: %v", errkind.Filesystem, digest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("%w: finalizing blob %s: %v", errkind.Filesystem, digest, err)
	}
	return dest, nil
}

// FetchLayers downloads every layer in arch concurrently, fail-fast, per
// SPEC_FULL.md §5 (errgroup replaces the teacher's hand-rolled
// WaitGroup+atomic counter while keeping the same "all or nothing"
// semantics).
func (c *Client) FetchLayers(ctx context.Context, ref ociimage.Ref, arch ociimage.ArchManifest) ([]string, error) {
	paths := make([]string, len(arch.Layers))

	g, gctx := errgroup.WithContext(ctx)
	for i, layer := range arch.Layers {
		i, layer := i, layer
		g.Go(func() error {
			p, err := c.FetchBlob(gctx, ref, layer.Digest)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func loadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func saveJSONIfAbsent(path string, v any) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}
