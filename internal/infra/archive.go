package infra

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatTar
	formatTarGz
	formatTarXz
	formatTarZst
	formatTarBz2
	formatZip
)

// archiveSuffixes maps known archive name endings to formats, longest first.
var archiveSuffixes = []struct {
	suffix string
	format archiveFormat
}{
	{".tar.gz", formatTarGz},
	{".tar.xz", formatTarXz},
	{".tar.zst", formatTarZst},
	{".tar.bz2", formatTarBz2},
	{".tgz", formatTarGz},
	{".txz", formatTarXz},
	{".tzst", formatTarZst},
	{".tbz2", formatTarBz2},
	{".tbz", formatTarBz2},
	{".tar", formatTar},
	{".zip", formatZip},
}

// compressionSuffixes are stripped from directory names in addition to archive suffixes.
var compressionSuffixes = []string{".gz", ".xz", ".zst", ".bz2"}

// errUnsafePath is returned for archive entries escaping the extraction root.
var errUnsafePath = errors.New("archive entry escapes extraction directory")

// detectArchive returns the format of name and the directory name obtained by
// stripping every known archive and compression suffix.
func detectArchive(name string) (archiveFormat, string) {
	lower := strings.ToLower(name)
	format := formatUnknown
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			format = s.format
			break
		}
	}

	base := name
	for stripped := true; stripped; {
		stripped = false
		lowerBase := strings.ToLower(base)
		for _, s := range archiveSuffixes {
			if strings.HasSuffix(lowerBase, s.suffix) && len(base) > len(s.suffix) {
				base = base[:len(base)-len(s.suffix)]
				stripped = true
				break
			}
		}
		if stripped {
			continue
		}
		for _, s := range compressionSuffixes {
			if strings.HasSuffix(lowerBase, s) && len(base) > len(s) {
				base = base[:len(base)-len(s)]
				stripped = true
				break
			}
		}
	}
	return format, base
}

// extractArchive unpacks archivePath into dest according to format.
func extractArchive(ctx context.Context, format archiveFormat, archivePath, dest string) error {
	if format == formatZip {
		return extractZip(ctx, archivePath, dest)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case formatTar:
		r = f
	case formatTarGz:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer gzr.Close()
		r = gzr
	case formatTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid xz stream: %w", err)
		}
		r = xzr
	case formatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	case formatTarBz2:
		r = bzip2.NewReader(f)
	case formatZip, formatUnknown:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}

	return extractTar(ctx, r, dest)
}

// extractTar writes tar entries below dest. Regular files, directories,
// symlinks and hard links are supported; other entry types are skipped.
func extractTar(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dest, target, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := safeJoin(dest, header.Linkname)
			if err != nil {
				return err
			}
			if err := checkParents(dest, source); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		}
	}
}

// extractZip unpacks a zip archive below dest.
func extractZip(ctx context.Context, archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			if err := extractZipSymlink(zf, dest, target); err != nil {
				return err
			}
		default:
			rc, err := zf.Open()
			if err != nil {
				return err
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func extractZipSymlink(zf *zip.File, dest, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	link, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return writeSymlink(dest, target, string(link))
}

// writeSymlink creates target -> linkname. The link must be relative and
// resolve, from the real directory holding it, to a path below dest.
func writeSymlink(dest, target, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink %s -> %q", errUnsafePath, target, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	realParent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return err
	}
	if !within(realDest, filepath.Join(realParent, linkname)) {
		return fmt.Errorf("%w: symlink %s -> %s", errUnsafePath, target, linkname)
	}
	_ = os.Remove(target)
	return os.Symlink(linkname, target)
}

// checkParents walks the existing directories between dest and target and
// fails when one of them is a symlink leading outside dest.
func checkParents(dest, target string) error {
	parent := filepath.Dir(target)
	if !within(dest, parent) {
		return nil
	}
	rel, err := filepath.Rel(dest, parent)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(cur)
		if err != nil || !within(realDest, resolved) {
			return fmt.Errorf("%w: %s", errUnsafePath, target)
		}
	}
	return nil
}

// writeFile creates target with perm and fills it from r.
func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	// Never write through a link left by an earlier entry.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin resolves an archive entry name below root, rejecting absolute
// names and names that climb out of root.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	target := filepath.Join(root, name)
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return target, nil
}

// within reports whether path is root or lies below it, compared lexically.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
