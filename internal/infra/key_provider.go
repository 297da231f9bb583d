package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	stateKeyFileName = "state.key"
	stateKeySize     = 32 // 256-bit SQLCipher passphrase

	// StateKeyEnv overrides the key file, e.g. on machines where the data
	// directory lives on shared storage.
	StateKeyEnv = "WPM_STATE_KEY"
)

// decodeStateKey parses a hex-encoded key, ignoring surrounding whitespace.
func decodeStateKey(raw string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("state key is not hex: %w", err)
	}
	if len(key) != stateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), stateKeySize)
	}
	return key, nil
}

// FileKeySource keeps the state key as hex in a 0600 file in the data directory.
type FileKeySource struct {
	path string
}

// NewFileKeySource creates a key source for dataDir.
func NewFileKeySource(dataDir string) *FileKeySource {
	return &FileKeySource{path: filepath.Join(dataDir, stateKeyFileName)}
}

// Path returns the key file location.
func (s *FileKeySource) Path() string {
	return s.path
}

func (s *FileKeySource) LoadKey() ([]byte, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrStateKeyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	key, err := decodeStateKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s is corrupt: %w", s.path, err)
	}
	return key, nil
}

// SaveKey replaces the key file through a temp file and rename.
func (s *FileKeySource) SaveKey(key []byte) error {
	if len(key) != stateKeySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), stateKeySize)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-key-*")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.WriteString(hex.EncodeToString(key) + "\n")
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

// EnvKeySource reads a hex key from an environment variable. It never stores.
type EnvKeySource struct {
	Var    string
	lookup func(string) (string, bool)
}

// NewEnvKeySource reads the key from variable name.
func NewEnvKeySource(name string) *EnvKeySource {
	return &EnvKeySource{Var: name, lookup: os.LookupEnv}
}

func (s *EnvKeySource) LoadKey() ([]byte, error) {
	raw, ok := s.lookup(s.Var)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, domain.ErrStateKeyMissing
	}
	key, err := decodeStateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("$%s: %w", s.Var, err)
	}
	return key, nil
}

func (s *EnvKeySource) SaveKey([]byte) error {
	return fmt.Errorf("$%s is read-only", s.Var)
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, stateKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey returns the key from the first source holding one. When
// none does, a fresh key is saved into the first source that accepts it.
// A corrupt key is returned as an error and never replaced.
func LoadOrCreateKey(sources ...domain.StateKeySource) ([]byte, error) {
	for _, src := range sources {
		key, err := src.LoadKey()
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, domain.ErrStateKeyMissing) {
			return nil, err
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	var saveErrs []error
	for _, src := range sources {
		err := src.SaveKey(key)
		if err == nil {
			return key, nil
		}
		saveErrs = append(saveErrs, err)
	}
	if len(saveErrs) == 0 {
		return nil, errors.New("no state key source configured")
	}
	return nil, fmt.Errorf("failed to store new state key: %w", errors.Join(saveErrs...))
}

// OpenStateStore opens the state database under dataDir, keyed by
// $WPM_STATE_KEY when set and by the data directory's key file otherwise.
func OpenStateStore(dataDir string) (*StateStore, error) {
	key, err := LoadOrCreateKey(NewEnvKeySource(StateKeyEnv), NewFileKeySource(dataDir))
	if err != nil {
		return nil, err
	}
	return NewStateStore(dataDir, key)
}

// Ensure key sources implement domain.StateKeySource.
var (
	_ domain.StateKeySource = (*FileKeySource)(nil)
	_ domain.StateKeySource = (*EnvKeySource)(nil)
)
