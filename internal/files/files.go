// Package files exposes one server's storage directory for browsing and
// editing. Every path is relative to that directory and validated before
// anything touches the disk, so no request can read or write outside it.
package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/craftplane/craftplane/internal/apierr"
)

type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"is_dir"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// Scoped is a filesystem view rooted at one server directory.
type Scoped struct {
	root string
}

func New(root string) Scoped {
	return Scoped{root: filepath.Clean(root)}
}

func (s Scoped) Root() string {
	return s.root
}

// resolve validates the requested path and joins it under the root. The
// rejection happens before any filesystem call: absolute paths, leading
// separators, and any ".." segment never reach the disk.
func (s Scoped) resolve(requested string) (string, error) {
	if strings.ContainsRune(requested, '\x00') {
		return "", apierr.New(apierr.InvalidPath, "path contains invalid characters")
	}
	if strings.HasPrefix(requested, "/") || strings.HasPrefix(requested, "\\") || filepath.IsAbs(requested) {
		return "", apierr.New(apierr.InvalidPath, "paths are relative to the server root")
	}

	for _, segment := range strings.Split(filepath.ToSlash(requested), "/") {
		if segment == ".." {
			return "", apierr.New(apierr.InvalidPath, "path %q escapes the server root", requested)
		}
	}

	joined := filepath.Join(s.root, filepath.FromSlash(requested))

	// Join cleans, so this only fires on something the segment check
	// missed; it is the invariant, not the first line of defense.
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", apierr.New(apierr.InvalidPath, "path %q escapes the server root", requested)
	}

	return joined, nil
}

// List returns the entries of a directory, directories first, names in
// locale-aware order.
func (s Scoped) List(requested string) ([]Entry, error) {
	dir, err := s.resolve(requested)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "directory %q does not exist", requested)
	}
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", requested, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, dirent := range dirents {
		info, err := dirent.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}

		entry := Entry{
			Name:    dirent.Name(),
			Path:    filepath.ToSlash(filepath.Join(requested, dirent.Name())),
			IsDir:   dirent.IsDir(),
			ModTime: info.ModTime(),
		}
		if !entry.IsDir {
			entry.SizeBytes = info.Size()
		}
		entries = append(entries, entry)
	}

	collator := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		return collator.CompareString(entries[i].Name, entries[j].Name) < 0
	})

	return entries, nil
}

// Read returns the file's contents.
func (s Scoped) Read(requested string) ([]byte, error) {
	path, err := s.resolve(requested)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "file %q does not exist", requested)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", requested, err)
	}

	return data, nil
}

// Open returns a reader over the file plus its size, for streaming
// downloads without buffering the whole file.
func (s Scoped) Open(requested string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(requested)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, apierr.New(apierr.NotFound, "file %q does not exist", requested)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("opening %q: %w", requested, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, fmt.Errorf("sizing %q: %w", requested, err)
	}
	if info.IsDir() {
		f.Close()

		return nil, 0, apierr.New(apierr.InvalidRequest, "%q is a directory", requested)
	}

	return f, info.Size(), nil
}

// Write stores content at the path, creating parent directories as needed.
func (s Scoped) Write(requested string, content []byte) error {
	path, err := s.resolve(requested)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parents of %q: %w", requested, err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", requested, err)
	}

	return nil
}

// WriteFrom streams r into the path, for multipart uploads.
func (s Scoped) WriteFrom(requested string, r io.Reader) (int64, error) {
	path, err := s.resolve(requested)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating parents of %q: %w", requested, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating %q: %w", requested, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("writing %q: %w", requested, err)
	}

	return n, f.Close()
}

// Mkdir creates a directory, parents included.
func (s Scoped) Mkdir(requested string) error {
	path, err := s.resolve(requested)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if statErr == nil && !info.IsDir() {
		return apierr.New(apierr.InvalidRequest, "%q exists and is not a directory", requested)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", requested, err)
	}

	return nil
}

// Delete removes a file or, recursively, a directory. The server root
// itself cannot be deleted.
func (s Scoped) Delete(requested string) error {
	path, err := s.resolve(requested)
	if err != nil {
		return err
	}
	if path == s.root {
		return apierr.New(apierr.InvalidPath, "refusing to delete the server root")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return apierr.New(apierr.NotFound, "%q does not exist", requested)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting %q: %w", requested, err)
	}

	return nil
}
