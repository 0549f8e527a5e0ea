// Package archiver wraps archive creation and extraction for the rest of
// the system: modpack archives get unpacked into server directories and
// backups get packed out of them.
package archiver

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

// ArchiveDir zips the contents of srcDir into outPath, skipping top-level
// entries exclude accepts (nil keeps everything). The write is atomic and
// the returned size is the final archive's.
func ArchiveDir(ctx context.Context, srcDir, outPath string, exclude func(name string) bool) (int64, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, fmt.Errorf("listing %q: %w", srcDir, err)
	}

	names := make(map[string]string, len(entries))
	for _, entry := range entries {
		if exclude != nil && exclude(entry.Name()) {
			continue
		}
		names[filepath.Join(srcDir, entry.Name())] = entry.Name()
	}

	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return 0, fmt.Errorf("collecting files from %q: %w", srcDir, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), "."+filepath.Base(outPath)+"-*")
	if err != nil {
		return 0, fmt.Errorf("creating archive temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := (archives.Zip{}).Archive(ctx, tmp, files); err != nil {
		return 0, fmt.Errorf("archiving %q: %w", srcDir, err)
	}

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing archive: %w", err)
	}

	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return 0, fmt.Errorf("publishing archive %q: %w", outPath, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return 0, fmt.Errorf("sizing archive: %w", err)
	}

	return info.Size(), nil
}

// ExtractToDir unpacks archivePath under dstDir. Entry names are
// sanitized so no archive can write outside dstDir; symlinks are skipped.
func ExtractToDir(ctx context.Context, archivePath, dstDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %q: %w", archivePath, err)
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filepath.Base(archivePath), f)
	if err != nil {
		return fmt.Errorf("identifying archive %q: %w", archivePath, err)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("archive format %q is not extractable", format.Extension())
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating %q: %w", dstDir, err)
	}

	return extractor.Extract(ctx, input, func(ctx context.Context, info archives.FileInfo) error {
		target, err := safeJoin(dstDir, info.NameInArchive)
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0o755)

		case info.LinkTarget != "":
			// Links inside untrusted archives are not reproduced.
			return nil

		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}

			src, err := info.Open()
			if err != nil {
				return fmt.Errorf("opening archive entry %q: %w", info.NameInArchive, err)
			}
			defer src.Close()

			mode := info.Mode().Perm()
			if mode == 0 {
				mode = 0o644
			}

			dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return err
			}
			defer dst.Close()

			if _, err := io.Copy(dst, src); err != nil {
				return fmt.Errorf("writing %q: %w", target, err)
			}

			return dst.Close()
		}
	})
}

// ReadEntry returns the contents of the first archive entry match accepts,
// without unpacking anything to disk.
func ReadEntry(ctx context.Context, archivePath string, match func(name string) bool) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive %q: %w", archivePath, err)
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filepath.Base(archivePath), f)
	if err != nil {
		return nil, fmt.Errorf("identifying archive %q: %w", archivePath, err)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return nil, fmt.Errorf("archive format %q is not extractable", format.Extension())
	}

	var content []byte
	found := false
	err = extractor.Extract(ctx, input, func(ctx context.Context, info archives.FileInfo) error {
		if info.IsDir() || !match(info.NameInArchive) {
			return nil
		}

		src, err := info.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		content, err = io.ReadAll(src)
		if err != nil {
			return err
		}
		found = true

		return fs.SkipAll
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fs.ErrNotExist
	}

	return content, nil
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// names and traversal.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction root", name)
	}

	return filepath.Join(root, cleaned), nil
}
