package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// ArchiveInstaller turns a downloaded runtime archive into a ready-to-use
// runtime directory next to it.
type ArchiveInstaller struct {
	fs     domain.FileSystemManager
	logger *zap.Logger
}

// NewArchiveInstaller creates an archive installer.
func NewArchiveInstaller(fs domain.FileSystemManager, logger *zap.Logger) *ArchiveInstaller {
	return &ArchiveInstaller{fs: fs, logger: logger}
}

// Install extracts archivePath and returns the installed directory:
// the archive's directory joined with its name minus archive suffixes.
// An existing directory at that path is replaced. The archive is removed
// once the install succeeds.
func (a *ArchiveInstaller) Install(ctx context.Context, archivePath string) (string, error) {
	format, dirName := detectArchive(filepath.Base(archivePath))
	if format == formatUnknown {
		return "", &domain.InstallError{Archive: archivePath, Op: "detect", Err: errors.New("unsupported archive format")}
	}
	if !a.fs.IsRegularFile(archivePath) {
		return "", &domain.InstallError{Archive: archivePath, Op: "open", Err: os.ErrNotExist}
	}

	parent := filepath.Dir(archivePath)
	target := filepath.Join(parent, dirName)

	if a.fs.Exists(target) {
		a.logger.Info("replacing existing runtime directory", zap.String("path", target))
		if err := a.fs.Delete(target); err != nil {
			return "", &domain.InstallError{Archive: archivePath, Op: "remove existing", Err: err}
		}
	}

	staging, err := os.MkdirTemp(parent, ".wpm-stage-*")
	if err != nil {
		return "", &domain.InstallError{Archive: archivePath, Op: "create staging", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			a.logger.Warn("failed to remove staging directory", zap.String("path", staging), zap.Error(err))
		}
	}()

	a.logger.Info("extracting archive",
		zap.String("archive", archivePath),
		zap.String("staging", staging))

	if err := extractArchive(ctx, format, archivePath, staging); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("install %s: %w", archivePath, domain.ErrCanceled)
		}
		return "", &domain.InstallError{Archive: archivePath, Op: "extract", Err: err}
	}

	source, err := promotedRoot(staging)
	if err != nil {
		return "", &domain.InstallError{Archive: archivePath, Op: "inspect", Err: err}
	}

	if err := a.fs.MoveDir(source, target); err != nil {
		a.removeTarget(target)
		return "", &domain.InstallError{Archive: archivePath, Op: "move", Err: err}
	}

	if err := normalizePermissions(target); err != nil {
		a.removeTarget(target)
		return "", &domain.InstallError{Archive: archivePath, Op: "permissions", Err: err}
	}

	if err := a.fs.Delete(archivePath); err != nil {
		a.logger.Warn("failed to remove archive", zap.String("path", archivePath), zap.Error(err))
	}

	a.logger.Info("runtime installed", zap.String("path", target))
	return target, nil
}

func (a *ArchiveInstaller) removeTarget(target string) {
	if err := a.fs.Delete(target); err != nil {
		a.logger.Warn("failed to remove partial install", zap.String("path", target), zap.Error(err))
	}
}

// promotedRoot returns the single top-level directory inside staging when
// that is all the archive contained, otherwise staging itself.
func promotedRoot(staging string) (string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), nil
	}
	return staging, nil
}

// normalizePermissions sets directories to 0755, executables to 0755 and
// every other regular file to 0644. A file counts as executable when any
// directory between root and the file starts with "bin", or when it is
// named wine or wineserver. Symlinks are left alone.
func normalizePermissions(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if isExecutablePath(rel) {
			return os.Chmod(path, 0755)
		}
		return os.Chmod(path, 0644)
	})
}

func isExecutablePath(rel string) bool {
	name := filepath.Base(rel)
	if name == "wine" || name == "wineserver" {
		return true
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return false
	}
	for _, segment := range strings.Split(dir, string(filepath.Separator)) {
		if strings.HasPrefix(segment, "bin") {
			return true
		}
	}
	return false
}
