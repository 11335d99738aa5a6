package imagestore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
)

// buildLayer writes a minimal gzipped tar containing one regular file and
// returns its path alongside the uncompressed SHA-256 digest a correct
// UncompressedDigest call must produce for it.
func buildLayer(t *testing.T, dir, name string, entries map[string]string) (path, digest string) {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for entryName, content := range entries {
		hdr := &tar.Header{Name: entryName, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	sum := sha256.Sum256(tarBuf.Bytes())
	digest = hex.EncodeToString(sum[:])

	path = filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	_, err = gz.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	return path, digest
}

func TestUncompressedDigestMatchesContent(t *testing.T) {
	dir := t.TempDir()
	path, wantDigest := buildLayer(t, dir, "layer.tar.gz", map[string]string{"hello.txt": "hi"})

	got, err := UncompressedDigest(path)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, got)
}

func TestEnsureExtractedRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	path, _ := buildLayer(t, dir, "layer.tar.gz", map[string]string{"hello.txt": "hi"})

	cfg := config.Config{ExtractedLayers: filepath.Join(dir, "layers")}
	store := New(cfg, zap.NewNop().Sugar())

	_, _, err := store.EnsureExtracted(path, "not-the-real-digest")
	assert.True(t, errors.Is(err, errkind.Integrity))
}

func TestEnsureExtractedIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path, digest := buildLayer(t, dir, "layer.tar.gz", map[string]string{
		"hello.txt":     "hi",
		"sub/world.txt": "world",
	})

	cfg := config.Config{ExtractedLayers: filepath.Join(dir, "layers")}
	store := New(cfg, zap.NewNop().Sugar())

	gotDigest, extracted, err := store.EnsureExtracted(path, digest)
	require.NoError(t, err)
	assert.Equal(t, digest, gotDigest)
	assert.True(t, extracted)

	content, err := os.ReadFile(filepath.Join(store.ExtractedPath(digest), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))

	_, extractedAgain, err := store.EnsureExtracted(path, digest)
	require.NoError(t, err)
	assert.False(t, extractedAgain, "second call should find the layer already extracted")
}

func TestExtractTarGzRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 2}))
	_, err := tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	path := filepath.Join(dir, "evil.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	f.Close()

	err = extractTarGz(path, filepath.Join(dir, "dest"))
	assert.True(t, errors.Is(err, errkind.Integrity))
}

func TestWithinDirSingleCharRelativePath(t *testing.T) {
	assert.True(t, withinDir("/root", "/root/a"))
	assert.False(t, withinDir("/root", "/a"))
	assert.False(t, withinDir("/root", "/root/../escape"))
}
