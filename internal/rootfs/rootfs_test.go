package rootfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mydocker/runtime/internal/errkind"
)

func TestOverlayOptionsReversesLowerdirOrder(t *testing.T) {
	// diff_ids = [d0, d1, d2] (base first); lowerdir= must list topmost
	// first, i.e. d2:d1:d0.
	opts, err := overlayOptions([]string{"d0", "d1", "d2"}, "/upper", "/work")
	require.NoError(t, err)
	assert.Equal(t, "lowerdir=d2:d1:d0,upperdir=/upper,workdir=/work", opts)
}

func TestOverlayOptionsSingleLayer(t *testing.T) {
	opts, err := overlayOptions([]string{"only"}, "/upper", "/work")
	require.NoError(t, err)
	assert.Equal(t, "lowerdir=only,upperdir=/upper,workdir=/work", opts)
}

func TestOverlayOptionsRejectsEmpty(t *testing.T) {
	_, err := overlayOptions(nil, "/upper", "/work")
	assert.True(t, errors.Is(err, errkind.Filesystem))
}

func TestResolvConfPath(t *testing.T) {
	inst := Instance{TempDir: "/tmp/instance/temp"}
	assert.Equal(t, "/tmp/instance/temp/resolv.conf", inst.ResolvConfPath())
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("nameserver 1.1.1.1\n"), 0o644))

	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 1.1.1.1\n", string(got))
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := copyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
}
