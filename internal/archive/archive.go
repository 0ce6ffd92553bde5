// Package archive implements the archive codec (spec component C3): packing
// a single file or directory tree into a POSIX-USTAR tar stream and
// extracting one back out under a destination directory. Unlike a general
// purpose tar library, entries here are restricted on purpose — symlinks,
// devices, and sockets are skipped rather than followed, and every entry
// name is validated before anything is written to disk.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/hyperstream/hyperstream/internal/xerrors"
)

// Probe reports the total byte size, file count, and directory-ness of src
// without writing anything. It walks the same entries Pack would emit, so
// the two must always agree.
func Probe(src string) (totalSize uint64, fileCount uint32, isDirectory bool, err error) {
	info, err := os.Lstat(src)
	if err != nil {
		return 0, 0, false, xerrors.NewIoError("archive probe: stat source", err)
	}

	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return 0, 0, false, fmt.Errorf("hyperstream: source is not a regular file or directory: %s", src)
		}
		return uint64(info.Size()), 1, false, nil
	}

	err = walkSorted(src, func(path string, info os.FileInfo) error {
		if info.Mode().IsRegular() {
			totalSize += uint64(info.Size())
			fileCount++
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	return totalSize, fileCount, true, nil
}

// Pack streams src (a single file or a directory tree) as a USTAR tar
// archive to w. Entry names for a directory source are relative to the
// parent of src, so the source's basename becomes the top-level prefix of
// every entry (extracting the archive reproduces src's own directory, not
// just its contents). Directory entries are traversed in deterministic
// (lexicographic) order so that two packs of the same tree produce
// byte-identical archives. Symlinks, devices, and sockets are skipped
// entirely rather than dereferenced.
func Pack(src string, w io.Writer) error {
	src = filepath.Clean(src)
	info, err := os.Lstat(src)
	if err != nil {
		return xerrors.NewIoError("archive pack: stat source", err)
	}

	tw := tar.NewWriter(w)

	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("hyperstream: source is not a regular file or directory: %s", src)
		}
		if err := writeFileEntry(tw, src, filepath.Base(src), info); err != nil {
			return err
		}
		return finishTar(tw)
	}

	base := filepath.Base(src)
	topHeader := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     base + "/",
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(topHeader); err != nil {
		return xerrors.NewIoError("archive pack: write directory header", err)
	}

	err = walkSorted(src, func(path string, info os.FileInfo) error {
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("hyperstream: relative path: %w", err)
		}
		name := filepath.ToSlash(filepath.Join(base, relPath))

		switch {
		case info.IsDir():
			header := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
				Format:   tar.FormatUSTAR,
			}
			if err := tw.WriteHeader(header); err != nil {
				return xerrors.NewIoError("archive pack: write directory header", err)
			}
			return nil
		case info.Mode().IsRegular():
			return writeFileEntry(tw, path, name, info)
		default:
			// Symlinks, devices, sockets, named pipes: skipped, not followed.
			return nil
		}
	})
	if err != nil {
		return err
	}
	return finishTar(tw)
}

func writeFileEntry(tw *tar.Writer, path, name string, info os.FileInfo) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(header); err != nil {
		return xerrors.NewIoError("archive pack: write file header", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return xerrors.NewIoError("archive pack: open source file", err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return xerrors.NewIoError("archive pack: copy file content", err)
	}
	return nil
}

func finishTar(tw *tar.Writer) error {
	if err := tw.Close(); err != nil {
		return xerrors.NewIoError("archive pack: finalize tar", err)
	}
	return nil
}

// Extract reads a USTAR tar stream from r and materializes it under
// destDir, which is created if it does not exist. Every entry name is
// sanitized before any filesystem operation: absolute paths, parent
// references, and paths that would resolve outside destDir all fail with
// ErrUnsafeArchivePath before anything is written.
func Extract(r io.Reader, destDir string) error {
	destDir = filepath.Clean(destDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return xerrors.NewIoError("archive extract: create destination", err)
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("hyperstream: %w: %w", xerrors.ErrArchiveFormatError, err)
		}

		targetPath, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)|0o700); err != nil {
				return xerrors.NewIoError("archive extract: create directory", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return xerrors.NewIoError("archive extract: create parent directory", err)
			}
			file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)|0o600)
			if err != nil {
				return xerrors.NewIoError("archive extract: create file", err)
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return xerrors.NewIoError("archive extract: write file content", err)
			}
			if err := file.Close(); err != nil {
				return xerrors.NewIoError("archive extract: close file", err)
			}
		default:
			// Symlinks, hard links, devices, fifos: not materialized.
			continue
		}
	}
}

// sanitizePath normalizes a tar entry name to NFC, rejects absolute paths
// and parent-directory references, and confirms the resolved path stays
// within destDir.
func sanitizePath(destDir, name string) (string, error) {
	name = norm.NFC.String(name)
	name = strings.TrimSuffix(name, "/")
	cleanName := filepath.Clean(filepath.FromSlash(name))

	if filepath.IsAbs(cleanName) {
		return "", xerrors.ErrUnsafeArchivePath
	}
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", xerrors.ErrUnsafeArchivePath
	}

	targetPath := filepath.Join(destDir, cleanName)

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", xerrors.NewIoError("archive extract: resolve target path", err)
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", xerrors.NewIoError("archive extract: resolve destination path", err)
	}
	if absTarget != absDest && !strings.HasPrefix(absTarget, absDest+string(filepath.Separator)) {
		return "", xerrors.ErrUnsafeArchivePath
	}
	return targetPath, nil
}

// walkSorted walks dir depth-first in lexicographic order at each level.
// filepath.Walk is also lexicographic; this wrapper makes the ordering an
// explicit guarantee of this package, which archive reproducibility relies on.
func walkSorted(dir string, fn func(path string, info os.FileInfo) error) error {
	return walkSortedRec(dir, fn, true)
}

func walkSortedRec(dir string, fn func(path string, info os.FileInfo) error, isRoot bool) error {
	if !isRoot {
		info, err := os.Lstat(dir)
		if err != nil {
			return xerrors.NewIoError("archive walk: stat", err)
		}
		if err := fn(dir, info); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.NewIoError("archive walk: read directory", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	for _, name := range names {
		childPath := filepath.Join(dir, name)
		childInfo, err := os.Lstat(childPath)
		if err != nil {
			return xerrors.NewIoError("archive walk: stat entry", err)
		}
		if childInfo.IsDir() {
			if err := walkSortedRec(childPath, fn, false); err != nil {
				return err
			}
			continue
		}
		if err := fn(childPath, childInfo); err != nil {
			return err
		}
	}
	return nil
}
