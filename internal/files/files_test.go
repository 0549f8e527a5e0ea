package files

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftplane/craftplane/internal/apierr"
)

func newTestFS(t *testing.T) Scoped {
	t.Helper()

	return New(t.TempDir())
}

func TestResolveRejectsTraversal(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	tests := []struct {
		name string
		path string
	}{
		{"absolute", "/etc/passwd"},
		{"leading separator", "/mods"},
		{"backslash absolute", `\windows`},
		{"plain dotdot", ".."},
		{"dotdot prefix", "../outside.txt"},
		{"dotdot inside", "mods/../../outside.txt"},
		{"dotdot suffix", "mods/.."},
		{"null byte", "mods\x00/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := fs.Read(tt.path)
			assert.Equal(t, apierr.InvalidPath, apierr.KindOf(err))
		})
	}
}

func TestResolvedPathsStayUnderRoot(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	// Paths that merely look odd but stay inside are fine.
	for _, p := range []string{"", ".", "mods", "mods/foo.jar", "a/./b", "..foo", "foo.."} {
		resolved, err := fs.resolve(p)
		require.NoError(t, err, "path %q", p)

		rel, err := filepath.Rel(fs.Root(), resolved)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "path %q resolved outside root to %q", p, resolved)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	require.NoError(t, fs.Write("config/server.toml", []byte("key = 1\n")))

	data, err := fs.Read("config/server.toml")
	require.NoError(t, err)
	assert.Equal(t, "key = 1\n", string(data))
}

func TestReadMissingIsNotFound(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	_, err := fs.Read("nope.txt")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestListSortsDirsFirstThenByName(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	require.NoError(t, fs.Write("banana.txt", nil))
	require.NoError(t, fs.Write("Apple.txt", nil))
	require.NoError(t, fs.Mkdir("zebra"))
	require.NoError(t, fs.Mkdir("alpha"))

	entries, err := fs.List("")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}

	// Directories lead; case is ignored within each group.
	assert.Equal(t, []string{"alpha", "zebra", "Apple.txt", "banana.txt"}, names)
	assert.True(t, entries[0].IsDir)
	assert.True(t, entries[1].IsDir)
	assert.False(t, entries[2].IsDir)
}

func TestListMissingDirectory(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	_, err := fs.List("missing")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestListEntryPathsAreRelative(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	require.NoError(t, fs.Write("mods/foo.jar", []byte("x")))

	entries, err := fs.List("mods")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mods/foo.jar", entries[0].Path)
	assert.Equal(t, int64(1), entries[0].SizeBytes)
}

func TestOpenStreamsFile(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	require.NoError(t, fs.Write("world/level.dat", []byte("binary-ish")))

	r, size, err := fs.Open("world/level.dat")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(len("binary-ish")), size)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "binary-ish", string(data))
}

func TestOpenDirectoryRejected(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	require.NoError(t, fs.Mkdir("world"))

	_, _, err := fs.Open("world")
	assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err))
}

func TestWriteFromStreams(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	n, err := fs.WriteFrom("upload/mod.jar", strings.NewReader("jar bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	data, err := fs.Read("upload/mod.jar")
	require.NoError(t, err)
	assert.Equal(t, "jar bytes", string(data))
}

func TestMkdirOverFileRejected(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	require.NoError(t, fs.Write("taken", nil))

	err := fs.Mkdir("taken")
	assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err))
}

func TestDeleteRecursesDirectories(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	require.NoError(t, fs.Write("mods/a/b/c.jar", []byte("x")))

	require.NoError(t, fs.Delete("mods"))

	_, err := os.Stat(filepath.Join(fs.Root(), "mods"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	err := fs.Delete("ghost")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestDeleteRootRefused(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)

	for _, p := range []string{"", "."} {
		err := fs.Delete(p)
		assert.Equal(t, apierr.InvalidPath, apierr.KindOf(err), "path %q", p)
	}
}
