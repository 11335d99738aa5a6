// Package imagestore implements Component B: compute the uncompressed
// SHA-256 digest of a gzipped layer blob by streaming it through gunzip
// into a hasher, and extract it once into a content-addressed directory
// keyed by that digest.
package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
)

// Store is Component B. One Store is shared across pulls within a process;
// extractLocks serializes extraction per uncompressed digest so concurrent
// launches sharing a base layer never race on the same target directory.
type Store struct {
	cfg config.Config
	log *zap.SugaredLogger

	mu           sync.Mutex
	extractLocks map[string]*sync.Mutex
}

// New constructs an image Store rooted at cfg.ExtractedLayers.
func New(cfg config.Config, log *zap.SugaredLogger) *Store {
	return &Store{
		cfg:          cfg,
		log:          log.Named("imagestore"),
		extractLocks: make(map[string]*sync.Mutex),
	}
}

// UncompressedDigest streams blobPath through gunzip into a SHA-256 hasher
// without ever materializing the decompressed bytes, per spec.md §4.B
// step 1.
func UncompressedDigest(blobPath string) (string, error) {
	f, err := os.Open(blobPath)
	if err != nil {
		return "", fmt.Errorf("%w: opening blob %s: %v", errkind.Filesystem, blobPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: blob %s is not gzip: %v", errkind.Integrity, blobPath, err)
	}
	defer gz.Close()

	h := sha256.New()
	if _, err := io.Copy(h, gz); err != nil {
		return "", fmt.Errorf("%w: decompressing blob %s: %v", errkind.Integrity, blobPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractedPath returns the directory an extracted layer with the given
// uncompressed digest would live in.
func (s *Store) ExtractedPath(uncompressedDigest string) string {
	return filepath.Join(s.cfg.ExtractedLayers, uncompressedDigest)
}

// EnsureExtracted implements spec.md §4.B: compute blobPath's uncompressed
// digest, verify it against wantDiffID (IntegrityError if it mismatches),
// and extract into the content-addressed directory unless it already
// exists. Returns the uncompressed digest and whether extraction actually
// ran (false means the invariant in spec.md §8 property 2 held: zero
// extractions for an already-pulled layer).
func (s *Store) EnsureExtracted(blobPath, wantDiffID string) (digest string, extracted bool, err error) {
	digest, err = UncompressedDigest(blobPath)
	if err != nil {
		return "", false, err
	}
	if wantDiffID != "" && digest != wantDiffID {
		return "", false, fmt.Errorf("%w: layer %s decompresses to %s, diff_ids wants %s",
			errkind.Integrity, blobPath, digest, wantDiffID)
	}

	lock := s.lockFor(digest)
	lock.Lock()
	defer lock.Unlock()

	dest := s.ExtractedPath(digest)
	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		s.log.Debugw("layer already extracted", "digest", digest)
		return digest, false, nil
	}

	if err := extractTarGz(blobPath, dest); err != nil {
		return "", false, err
	}
	s.log.Infow("extracted layer", "digest", digest, "path", dest)
	return digest, true, nil
}

func (s *Store) lockFor(digest string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.extractLocks[digest]
	if !ok {
		l = &sync.Mutex{}
		s.extractLocks[digest] = l
	}
	return l
}

// extractTarGz extracts blobPath into a staging directory and renames it
// into place atomically, so a process that dies mid-extraction never
// leaves a partially-populated directory under dest.
func extractTarGz(blobPath, dest string) error {
	staging := dest + ".extracting"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: clearing stale staging dir %s: %v", errkind.Filesystem, staging, err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("%w: creating staging dir %s: %v", errkind.Filesystem, staging, err)
	}
	defer os.RemoveAll(staging)

	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("%w: opening blob %s: %v", errkind.Filesystem, blobPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: blob %s is not gzip: %v", errkind.Integrity, blobPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar entry in %s: %v", errkind.Integrity, blobPath, err)
		}

		target := filepath.Join(staging, hdr.Name)
		if !withinDir(staging, target) {
			return fmt.Errorf("%w: tar entry %q escapes extraction root", errkind.Integrity, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", errkind.Filesystem, target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", errkind.Filesystem, filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("%w: creating %s: %v", errkind.Filesystem, target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("%w: writing %s: %v", errkind.Filesystem, target, err)
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", errkind.Filesystem, filepath.Dir(target), err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("%w: symlink %s -> %s: %v", errkind.Filesystem, target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(staging, hdr.Linkname)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("%w: hardlink %s -> %s: %v", errkind.Filesystem, target, linkTarget, err)
			}
		default:
			// Device nodes and other special files are skipped: spec.md does
			// not require reproducing them and doing so needs privileges the
			// extraction step has no reason to assume.
		}
	}

	if err := os.Rename(staging, dest); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("%w: finalizing extraction to %s: %v", errkind.Filesystem, dest, err)
	}
	return nil
}

func withinDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
