package usecase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// versionPattern picks the first dotted or dashed number run out of a runtime
// directory name, e.g. "GE-Proton9-20" or "wine-9.0-staging".
var versionPattern = regexp.MustCompile(`(\d+)(?:[.\-](\d+))?(?:[.\-](\d+))?`)

// RuntimeCatalog lists runtimes installed under one directory.
type RuntimeCatalog struct {
	dir    string
	fs     domain.FileSystemManager
	logger *zap.Logger
}

// NewRuntimeCatalog creates a catalog over dir.
func NewRuntimeCatalog(dir string, fs domain.FileSystemManager, logger *zap.Logger) *RuntimeCatalog {
	return &RuntimeCatalog{dir: dir, fs: fs, logger: logger}
}

// Dir returns the catalog directory.
func (c *RuntimeCatalog) Dir() string {
	return c.dir
}

// List returns installed runtimes, newest version first. Names without a
// parsable version sort last, alphabetically. A missing directory is empty.
func (c *RuntimeCatalog) List() ([]domain.InstalledRuntime, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runtimes directory: %w", err)
	}

	var runtimes []domain.InstalledRuntime
	versions := make(map[string]*semver.Version)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		kind, ok := c.detectKind(path)
		if !ok {
			c.logger.Debug("skipping directory without a runtime", zap.String("path", path))
			continue
		}
		rt := domain.InstalledRuntime{Name: e.Name(), Path: path, Kind: kind}
		if v := ParseRuntimeVersion(e.Name()); v != nil {
			rt.Version = v.String()
			versions[e.Name()] = v
		}
		runtimes = append(runtimes, rt)
	}

	sort.SliceStable(runtimes, func(i, j int) bool {
		vi, vj := versions[runtimes[i].Name], versions[runtimes[j].Name]
		switch {
		case vi != nil && vj != nil:
			if !vi.Equal(vj) {
				return vi.GreaterThan(vj)
			}
			return runtimes[i].Name < runtimes[j].Name
		case vi != nil:
			return true
		case vj != nil:
			return false
		}
		return runtimes[i].Name < runtimes[j].Name
	})
	return runtimes, nil
}

// Find returns the runtime named name.
func (c *RuntimeCatalog) Find(name string) (*domain.InstalledRuntime, error) {
	runtimes, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := range runtimes {
		if runtimes[i].Name == name {
			return &runtimes[i], nil
		}
	}
	return nil, fmt.Errorf("runtime %s: %w", name, os.ErrNotExist)
}

func (c *RuntimeCatalog) detectKind(path string) (domain.EnvironmentKind, bool) {
	if c.fs.IsRegularFile(filepath.Join(path, "files", "bin", runtimeBinary)) {
		return domain.KindCompatLayer, true
	}
	if c.fs.IsRegularFile(filepath.Join(path, "bin", runtimeBinary)) {
		return domain.KindNative, true
	}
	return "", false
}

// ParseRuntimeVersion extracts a semantic version from a runtime name, or nil.
func ParseRuntimeVersion(name string) *semver.Version {
	m := versionPattern.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	parts := []string{m[1], "0", "0"}
	if m[2] != "" {
		parts[1] = m[2]
	}
	if m[3] != "" {
		parts[2] = m[3]
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil
	}
	return v
}
