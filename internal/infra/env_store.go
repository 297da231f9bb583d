package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// EnvironmentsFileName is the descriptor file inside the data directory.
const EnvironmentsFileName = "environments.yaml"

// environmentsFile is the on-disk layout of the descriptor file.
type environmentsFile struct {
	Version      int                            `yaml:"version"`
	Environments []domain.EnvironmentDescriptor `yaml:"environments"`
}

// YAMLEnvironmentStore implements domain.EnvironmentStore on a YAML file
// that users may also edit by hand.
type YAMLEnvironmentStore struct {
	path string
}

// NewYAMLEnvironmentStore creates a store backed by path.
func NewYAMLEnvironmentStore(path string) *YAMLEnvironmentStore {
	return &YAMLEnvironmentStore{path: path}
}

// Path returns the descriptor file path.
func (s *YAMLEnvironmentStore) Path() string {
	return s.path
}

// Get returns the descriptor named name or domain.ErrEnvironmentNotFound.
func (s *YAMLEnvironmentStore) Get(name string) (*domain.EnvironmentDescriptor, error) {
	file, err := s.read()
	if err != nil {
		return nil, err
	}
	for i := range file.Environments {
		if file.Environments[i].Name == name {
			desc := file.Environments[i]
			return &desc, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, domain.ErrEnvironmentNotFound)
}

// List returns all descriptors sorted by name.
func (s *YAMLEnvironmentStore) List() ([]domain.EnvironmentDescriptor, error) {
	file, err := s.read()
	if err != nil {
		return nil, err
	}
	envs := append([]domain.EnvironmentDescriptor(nil), file.Environments...)
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	return envs, nil
}

// Put adds desc or replaces the descriptor with the same name.
func (s *YAMLEnvironmentStore) Put(desc domain.EnvironmentDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidDescriptor)
	}
	return s.update(func(file *environmentsFile) error {
		for i := range file.Environments {
			if file.Environments[i].Name == desc.Name {
				file.Environments[i] = desc
				return nil
			}
		}
		file.Environments = append(file.Environments, desc)
		return nil
	})
}

// Delete removes the descriptor named name.
func (s *YAMLEnvironmentStore) Delete(name string) error {
	return s.update(func(file *environmentsFile) error {
		for i := range file.Environments {
			if file.Environments[i].Name == name {
				file.Environments = append(file.Environments[:i], file.Environments[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%q: %w", name, domain.ErrEnvironmentNotFound)
	})
}

func (s *YAMLEnvironmentStore) read() (*environmentsFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &environmentsFile{Version: 1}, nil
		}
		return nil, err
	}

	var file environmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if file.Version == 0 {
		file.Version = 1
	}
	return &file, nil
}

// update runs fn on the current contents under an exclusive lock and
// writes the result back atomically.
func (s *YAMLEnvironmentStore) update(fn func(file *environmentsFile) error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	file, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(file); err != nil {
		return err
	}
	return s.atomicWrite(file)
}

// atomicWrite writes the file via a per-process temp file and rename.
func (s *YAMLEnvironmentStore) atomicWrite(file *environmentsFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure YAMLEnvironmentStore implements domain.EnvironmentStore.
var _ domain.EnvironmentStore = (*YAMLEnvironmentStore)(nil)
