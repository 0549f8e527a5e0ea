// Package artifact is a content-addressed store for downloaded server
// archives, engine jars, and installer output. Blobs are keyed by their
// SHA-256; a secondary index maps (engine, version) to a blob for reuse
// across servers.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
)

const (
	blobDirName  = "blobs/sha256"
	indexDirName = "by-engine"
)

type Cache struct {
	root   string
	logger *zap.Logger
}

func New(root string, logger *zap.Logger) (*Cache, error) {
	for _, dir := range []string{filepath.Join(root, blobDirName), filepath.Join(root, indexDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %q: %w", dir, err)
		}
	}

	return &Cache{
		root:   root,
		logger: logger,
	}, nil
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.root, blobDirName, digest)
}

func (c *Cache) indexPath(engine, version string) string {
	// Version strings never contain separators today, but keep the index
	// flat no matter what upstream sends.
	safe := strings.ReplaceAll(version, string(os.PathSeparator), "_")

	return filepath.Join(c.root, indexDirName, engine, safe)
}

// Put streams r into the store and returns the blob's SHA-256 hex digest.
// The write is atomic: a temp file in the blob directory is renamed into
// place once fully written and synced.
func (c *Cache) Put(r io.Reader) (digest string, size int64, err error) {
	tmp, err := os.CreateTemp(filepath.Join(c.root, blobDirName), ".put-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, fmt.Errorf("writing blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing blob: %w", err)
	}

	digest = hex.EncodeToString(hasher.Sum(nil))
	final := c.blobPath(digest)

	if _, err := os.Stat(final); err == nil {
		// Already stored; content addressing makes the copies identical.
		return digest, size, nil
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("publishing blob %s: %w", digest, err)
	}

	c.logger.Debug("stored artifact blob",
		zap.String("digest", digest),
		zap.Int64("size_bytes", size),
	)

	return digest, size, nil
}

// Open returns a reader over the blob that re-verifies the digest: the
// final Read returns ChecksumMismatch instead of io.EOF when the stored
// bytes no longer hash to the digest.
func (c *Cache) Open(digest string) (io.ReadCloser, error) {
	f, err := os.Open(c.blobPath(digest))
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "artifact %s not cached", digest)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", digest, err)
	}

	c.touch(digest)

	return &verifiedReader{
		f:      f,
		hasher: sha256.New(),
		want:   digest,
	}, nil
}

// CopyTo materializes the blob at dst, verifying the digest along the way.
// The destination write is atomic.
func (c *Cache) CopyTo(digest, dst string) error {
	src, err := c.Open(digest)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", dst, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("copying blob %s to %q: %w", digest, dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", dst, err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publishing %q: %w", dst, err)
	}

	return nil
}

// Link records that (engine, version) resolves to the given blob.
func (c *Cache) Link(engine, version, digest string) error {
	path := c.indexPath(engine, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest), 0o644); err != nil {
		return fmt.Errorf("writing index entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing index entry: %w", err)
	}

	return nil
}

// Lookup resolves (engine, version) to a blob digest. A dangling index
// entry whose blob was evicted reads as a miss.
func (c *Cache) Lookup(engine, version string) (string, bool) {
	data, err := os.ReadFile(c.indexPath(engine, version))
	if err != nil {
		return "", false
	}

	digest := strings.TrimSpace(string(data))
	if _, err := os.Stat(c.blobPath(digest)); err != nil {
		return "", false
	}

	return digest, true
}

// TotalSize sums the stored blob sizes.
func (c *Cache) TotalSize() (int64, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, blobDirName))
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}

	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}

	return total, nil
}

// TrimToSize evicts least-recently-used blobs until the store fits under
// maxBytes. Index entries are left alone; Lookup treats a dangling entry
// as a miss, so correctness never depends on this running.
func (c *Cache) TrimToSize(maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}

	blobDir := filepath.Join(c.root, blobDirName)
	entries, err := os.ReadDir(blobDir)
	if err != nil {
		return fmt.Errorf("listing blobs: %w", err)
	}

	type blob struct {
		name  string
		size  int64
		atime time.Time
	}

	var blobs []blob
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		blobs = append(blobs, blob{name: entry.Name(), size: info.Size(), atime: info.ModTime()})
		total += info.Size()
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].atime.Before(blobs[j].atime) })

	for _, b := range blobs {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(filepath.Join(blobDir, b.name)); err != nil {
			c.logger.Warn("evicting blob failed", zap.String("digest", b.name), zap.Error(err))

			continue
		}
		total -= b.size
		c.logger.Info("evicted artifact blob", zap.String("digest", b.name), zap.Int64("size_bytes", b.size))
	}

	return nil
}

// touch bumps the blob's mtime so TrimToSize evicts in rough LRU order.
func (c *Cache) touch(digest string) {
	now := time.Now()
	_ = os.Chtimes(c.blobPath(digest), now, now)
}

type verifiedReader struct {
	f      *os.File
	hasher hash.Hash
	want   string
	failed bool
}

func (r *verifiedReader) Read(p []byte) (int, error) {
	if r.failed {
		return 0, apierr.New(apierr.ChecksumMismatch, "artifact %s failed verification", r.want)
	}

	n, err := r.f.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
	}

	if err == io.EOF {
		got := hex.EncodeToString(r.hasher.Sum(nil))
		if got != r.want {
			r.failed = true

			return n, apierr.New(apierr.ChecksumMismatch, "artifact %s failed verification", r.want).
				With("actual", got)
		}
	}

	return n, err
}

func (r *verifiedReader) Close() error {
	return r.f.Close()
}
