package usecase

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	mu sync.Mutex

	// run scripts RunGroup; nil means every child exits 0.
	run   func(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error)
	specs []domain.ExecSpec

	findResult map[string][]int
	findErr    error
	envResult  []domain.ProcessInfo
	envErr     error
	envQueries []string
	killErr    map[int]error
	killedPIDs []int
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.findResult[pattern], nil
}

func (m *mockProcessManager) FindByEnv(key, value string) ([]domain.ProcessInfo, error) {
	m.envQueries = append(m.envQueries, key+"="+value)
	if m.envErr != nil {
		return nil, m.envErr
	}
	return m.envResult, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	if err := m.killErr[pid]; err != nil {
		return err
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return false
}

func (m *mockProcessManager) RunGroup(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error) {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	if m.run != nil {
		return m.run(ctx, spec)
	}
	return &domain.ExecResult{}, nil
}

// calls returns the specs RunGroup was invoked with, excluding version probes.
func (m *mockProcessManager) calls() []domain.ExecSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExecSpec
	for _, s := range m.specs {
		if len(s.Args) == 1 && s.Args[0] == "--version" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// mockFileSystemManager implements domain.FileSystemManager for testing
type mockFileSystemManager struct {
	regularFiles map[string]bool
	dirs         map[string]bool
	deletedPaths []string
}

func (m *mockFileSystemManager) Exists(path string) bool {
	return m.regularFiles[path] || m.dirs[path]
}

func (m *mockFileSystemManager) IsRegularFile(path string) bool {
	return m.regularFiles[path]
}

func (m *mockFileSystemManager) IsDir(path string) bool {
	return m.dirs[path]
}

func (m *mockFileSystemManager) Delete(path string) error {
	m.deletedPaths = append(m.deletedPaths, path)
	return nil
}

func (m *mockFileSystemManager) ExpandHome(path string) string {
	return path // No expansion in tests
}

func (m *mockFileSystemManager) FreeSpace(path string) (uint64, error) {
	return 0, errors.New("not supported")
}

func (m *mockFileSystemManager) MoveDir(src, dst string) error {
	return os.Rename(src, dst)
}

// osFileSystem is a FileSystemManager over the real disk, for tests that
// need actual directories.
type osFileSystem struct{}

func (osFileSystem) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (osFileSystem) IsRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (osFileSystem) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (osFileSystem) Delete(path string) error { return os.RemoveAll(path) }
func (osFileSystem) ExpandHome(path string) string { return path }
func (osFileSystem) FreeSpace(string) (uint64, error) { return 1 << 40, nil }
func (osFileSystem) MoveDir(src, dst string) error { return os.Rename(src, dst) }

// mockLedger implements domain.InstallLedger for testing
type mockLedger struct {
	installed map[string]bool
	readErr   error
	appended  []domain.InstallOperation
	roots     []string
}

func (m *mockLedger) Append(root string, op domain.InstallOperation, at time.Time) error {
	m.roots = append(m.roots, root)
	m.appended = append(m.appended, op)
	return nil
}

func (m *mockLedger) Installed(root string) (map[string]bool, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make(map[string]bool, len(m.installed))
	for k, v := range m.installed {
		out[k] = v
	}
	return out, nil
}

// mockLocker implements domain.RootLocker for testing
type mockLocker struct {
	busy     bool
	locked   []string
	released int
}

func (m *mockLocker) TryLock(root string) (func(), error) {
	if m.busy {
		return nil, domain.ErrEnvironmentBusy
	}
	m.locked = append(m.locked, root)
	return func() { m.released++ }, nil
}

// mockRecordStore implements domain.SnapshotRecordStore for testing
type mockRecordStore struct {
	records map[string]string
	getErr  error
}

func (m *mockRecordStore) GetLastFull(env string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.records[env], nil
}

func (m *mockRecordStore) SetLastFull(env, path string) error {
	if m.records == nil {
		m.records = make(map[string]string)
	}
	m.records[env] = path
	return nil
}

// mockHistory implements domain.RunHistoryStore for testing
type mockHistory struct {
	saved []domain.RunSummary
}

func (m *mockHistory) SaveRun(summary domain.RunSummary) error {
	m.saved = append(m.saved, summary)
	return nil
}

func (m *mockHistory) ListRuns(env string, limit int) ([]domain.RunSummary, error) {
	return m.saved, nil
}

// mockResolver implements EnvironmentResolver for testing
type mockResolver struct {
	env *domain.ResolvedEnvironment
	err error
}

func (m *mockResolver) Resolve(ctx context.Context, desc domain.EnvironmentDescriptor) (*domain.ResolvedEnvironment, error) {
	if m.err != nil {
		return nil, m.err
	}
	env := *m.env
	return &env, nil
}

func (m *mockResolver) Root(desc domain.EnvironmentDescriptor) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.env.Root, nil
}

// drain collects everything buffered on ch.
func drain(ch chan domain.Event) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfKind(events []domain.Event, kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
