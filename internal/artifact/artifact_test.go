package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	cache, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	return cache
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	content := []byte("minecraft server jar bytes")
	digest, size, err := cache.Put(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	r, err := cache.Open(digest)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	first, _, err := cache.Put(bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)

	second, _, err := cache.Put(bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestOpenMissingBlob(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	_, err := cache.Open("deadbeef")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestCorruptedBlobFailsVerification(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	digest, _, err := cache.Put(bytes.NewReader([]byte("original content")))
	require.NoError(t, err)

	// Flip the stored bytes behind the cache's back.
	require.NoError(t, os.WriteFile(cache.blobPath(digest), []byte("tampered content"), 0o644))

	r, err := cache.Open(digest)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	assert.Equal(t, apierr.ChecksumMismatch, apierr.KindOf(err))
}

func TestCopyToMaterializesBlob(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	digest, _, err := cache.Put(bytes.NewReader([]byte("server.jar payload")))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "server.jar")
	require.NoError(t, cache.CopyTo(digest, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("server.jar payload"), got)
}

func TestLinkAndLookup(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	digest, _, err := cache.Put(bytes.NewReader([]byte("paper build 181")))
	require.NoError(t, err)

	require.NoError(t, cache.Link("paper", "1.20.4", digest))

	got, ok := cache.Lookup("paper", "1.20.4")
	require.True(t, ok)
	assert.Equal(t, digest, got)

	_, ok = cache.Lookup("paper", "1.20.5")
	assert.False(t, ok)
}

func TestLookupDanglingIndexIsMiss(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	digest, _, err := cache.Put(bytes.NewReader([]byte("short lived")))
	require.NoError(t, err)
	require.NoError(t, cache.Link("vanilla", "1.21", digest))

	require.NoError(t, os.Remove(cache.blobPath(digest)))

	_, ok := cache.Lookup("vanilla", "1.21")
	assert.False(t, ok)
}

func TestTrimToSizeEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	oldDigest, _, err := cache.Put(bytes.NewReader(bytes.Repeat([]byte("a"), 100)))
	require.NoError(t, err)

	newDigest, _, err := cache.Put(bytes.NewReader(bytes.Repeat([]byte("b"), 100)))
	require.NoError(t, err)

	// Make the first blob clearly older.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(cache.blobPath(oldDigest), past, past))

	require.NoError(t, cache.TrimToSize(150))

	_, err = cache.Open(oldDigest)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))

	r, err := cache.Open(newDigest)
	require.NoError(t, err)
	r.Close()
}
