package infra

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// spaceLimitedFS wraps the real filesystem but reports a fixed free space.
type spaceLimitedFS struct {
	domain.FileSystemManager
	free    uint64
	freeErr error
	queried []string
}

func newSpaceLimitedFS(free uint64) *spaceLimitedFS {
	return &spaceLimitedFS{
		FileSystemManager: NewFileSystemManager(),
		free:              free,
	}
}

func (f *spaceLimitedFS) FreeSpace(path string) (uint64, error) {
	f.queried = append(f.queried, path)
	return f.free, f.freeErr
}

// archiveEntry is one member of a test archive.
type archiveEntry struct {
	name    string
	body    string
	mode    int64
	dir     bool
	symlink string
}

// buildTar writes entries as an uncompressed tar stream.
func buildTar(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0700
			}
		case e.symlink != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.symlink
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
			if hdr.Mode == 0 {
				hdr.Mode = 0600
			}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// writeArchive creates dir/name holding entries in the format implied by name.
func writeArchive(t *testing.T, dir, name string, entries []archiveEntry) string {
	t.Helper()
	path := filepath.Join(dir, name)
	format, _ := detectArchive(name)

	var data []byte
	switch format {
	case formatZip:
		data = buildZip(t, entries)
	case formatTar:
		data = buildTar(t, entries)
	case formatTarGz:
		data = compress(t, buildTar(t, entries), func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	case formatTarXz:
		data = compress(t, buildTar(t, entries), func(w io.Writer) io.WriteCloser {
			xw, err := xz.NewWriter(w)
			require.NoError(t, err)
			return xw
		})
	case formatTarZst:
		data = compress(t, buildTar(t, entries), func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			require.NoError(t, err)
			return zw
		})
	default:
		t.Fatalf("cannot build test archive %s", name)
	}

	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func compress(t *testing.T, raw []byte, newWriter func(io.Writer) io.WriteCloser) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := newWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		name := e.name
		if e.dir && name[len(name)-1] != '/' {
			name += "/"
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		mode := os.FileMode(e.mode)
		switch {
		case e.dir:
			hdr.SetMode(os.ModeDir | 0700)
		case e.symlink != "":
			hdr.SetMode(os.ModeSymlink | 0777)
		default:
			if mode == 0 {
				mode = 0600
			}
			hdr.SetMode(mode)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		switch {
		case e.symlink != "":
			_, err = w.Write([]byte(e.symlink))
		case !e.dir:
			_, err = w.Write([]byte(e.body))
		}
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func fileMode(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Lstat(path)
	require.NoError(t, err)
	return info.Mode().Perm()
}
