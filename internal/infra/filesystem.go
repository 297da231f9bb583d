package infra

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	homeDir string
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	home, _ := os.UserHomeDir()
	return &FileSystemManagerImpl{homeDir: home}
}

// NewFileSystemManagerWithHome creates a filesystem manager with custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home}
}

// Exists checks if a path exists.
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	_, err := os.Stat(fm.ExpandHome(path))
	return err == nil
}

// IsRegularFile reports whether path is an existing regular file (symlinks followed).
func (fm *FileSystemManagerImpl) IsRegularFile(path string) bool {
	info, err := os.Stat(fm.ExpandHome(path))
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether path is an existing directory.
func (fm *FileSystemManagerImpl) IsDir(path string) bool {
	info, err := os.Stat(fm.ExpandHome(path))
	return err == nil && info.IsDir()
}

// Delete removes a file or directory recursively.
func (fm *FileSystemManagerImpl) Delete(path string) error {
	return os.RemoveAll(fm.ExpandHome(path))
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}

// FreeSpace returns free bytes on the volume holding path. A path that does
// not exist yet is measured at its nearest existing ancestor.
func (fm *FileSystemManagerImpl) FreeSpace(path string) (uint64, error) {
	dir := filepath.Clean(fm.ExpandHome(path))
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to query disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// MoveDir renames src to dst. When they live on different filesystems the
// tree is copied and src removed afterwards.
func (fm *FileSystemManagerImpl) MoveDir(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return os.RemoveAll(src)
}

// copyTree recreates src at dst, preserving modes and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil // sockets, devices and fifos are not carried over
		}
	})
}

// copyFile copies a regular file from src to dst with the given permissions.
// Writes to a temp file in the destination directory first, then renames.
func copyFile(src, dst string, perm os.FileMode) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".wpm-copy-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
