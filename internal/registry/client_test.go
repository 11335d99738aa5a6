package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/ociimage"
)

func testConfig(t *testing.T, host string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		LocalRegistry: filepath.Join(dir, "registry"),
		BlobStore:     filepath.Join(dir, "blobs"),
		SessionFile:   filepath.Join(dir, "session.json"),
		RegistryHost:  host,
	}
}

// fakeRegistry serves a manifest list -> arch manifest -> config manifest
// chain behind a bearer-token challenge, mirroring spec.md §4.A's wire
// protocol closely enough to exercise Resolve end to end.
func fakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	})

	requireAuth := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") == "Bearer test-token" {
			return true
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registry.test",scope="repository:library/alpine:pull"`, srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(ociimage.ManifestIndex{
			SchemaVersion: 2,
			Manifests: []ociimage.ManifestEntry{
				{Digest: "sha256:archdigest", Platform: ociimage.Platform{OS: "linux", Architecture: "amd64"}},
			},
		})
	})

	mux.HandleFunc("/v2/library/alpine/manifests/sha256:archdigest", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(ociimage.ArchManifest{
			SchemaVersion: 2,
			Config:        ociimage.ConfigDescriptor{Digest: "sha256:cfgdigest"},
			Layers: []ociimage.LayerDescriptor{
				{Digest: "sha256:layer0"},
			},
		})
	})

	mux.HandleFunc("/v2/library/alpine/blobs/sha256:cfgdigest", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(ociimage.ConfigManifest{
			RootFS: ociimage.RootFS{DiffIDs: []string{"sha256:diff0"}},
		})
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestResolveFetchesAndPersistsManifests(t *testing.T) {
	srv := fakeRegistry(t)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	cfg := testConfig(t, host)
	client := New(cfg, zap.NewNop().Sugar())

	ref, err := ociimage.ParseRef("alpine")
	require.NoError(t, err)

	arch, cfgManifest, err := client.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "sha256:cfgdigest", arch.Config.Digest)
	assert.Equal(t, []string{"sha256:diff0"}, cfgManifest.RootFS.DiffIDs)

	_, archPath, cfgPath := client.manifestPaths(ref)
	assert.FileExists(t, archPath)
	assert.FileExists(t, cfgPath)
}

func TestResolveIsIdempotentAcrossInvocations(t *testing.T) {
	srv := fakeRegistry(t)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	cfg := testConfig(t, host)
	ref, err := ociimage.ParseRef("alpine")
	require.NoError(t, err)

	first := New(cfg, zap.NewNop().Sugar())
	_, _, err = first.Resolve(context.Background(), ref)
	require.NoError(t, err)

	srv.Close() // no network reachable at all for the second client

	second := New(cfg, zap.NewNop().Sugar())
	arch, cfgManifest, err := second.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "sha256:cfgdigest", arch.Config.Digest)
	assert.Equal(t, []string{"sha256:diff0"}, cfgManifest.RootFS.DiffIDs)
}

func TestFetchBlobIsIdempotent(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/blobs/sha256:layer0", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("blob-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	cfg := testConfig(t, host)
	client := New(cfg, zap.NewNop().Sugar())
	ref, _ := ociimage.ParseRef("alpine")

	path1, err := client.FetchBlob(context.Background(), ref, "sha256:layer0")
	require.NoError(t, err)
	path2, err := client.FetchBlob(context.Background(), ref, "sha256:layer0")
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, 1, hits, "second FetchBlob should hit the on-disk cache, not the network")

	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, "blob-bytes", string(data))
}
