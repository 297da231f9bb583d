package domain

import (
	"context"
	"os"
	"time"
)

// ExecSpec describes a child process started in its own process group.
type ExecSpec struct {
	Path string
	Args []string
	Env  []string // nil inherits the current environment
	Dir  string

	// Timeout bounds the child's lifetime; zero means no limit.
	// On expiry the whole group is killed with SIGKILL.
	Timeout time.Duration

	// CancelSignal is sent to the group when ctx is canceled (SIGTERM when zero).
	CancelSignal os.Signal
	// KillGrace is how long to wait after CancelSignal before SIGKILL.
	KillGrace time.Duration

	// OnLine receives each line of the merged stdout/stderr stream as it arrives.
	OnLine func(line string)
}

// ExecResult is what happened to a child started from an ExecSpec.
type ExecResult struct {
	ExitCode int
	Output   string // merged stdout and stderr
	TimedOut bool
	Canceled bool
}

// Success reports a clean zero exit.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Canceled
}

// ProcessManager handles OS process operations.
// Implementation: gopsutil for discovery, x/sys/unix for process groups.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// FindByEnv returns processes whose environment contains key=value.
	FindByEnv(key, value string) ([]ProcessInfo, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// RunGroup runs a child in a new process group, streaming merged output.
	// A non-zero exit is reported in ExecResult, not as an error; the error
	// is reserved for spawn failures.
	RunGroup(ctx context.Context, spec ExecSpec) (*ExecResult, error)
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// IsRegularFile reports whether path is an existing regular file.
	IsRegularFile(path string) bool

	// IsDir reports whether path is an existing directory.
	IsDir(path string) bool

	// Delete removes a file or directory recursively.
	Delete(path string) error

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string

	// FreeSpace returns the free bytes on the volume holding path.
	FreeSpace(path string) (uint64, error)

	// MoveDir renames src to dst, copying across filesystems when needed.
	MoveDir(src, dst string) error
}

// EnvironmentStore supplies environment descriptors.
// Implementation: YAML file edited by the user or the env command.
type EnvironmentStore interface {
	Get(name string) (*EnvironmentDescriptor, error)
	List() ([]EnvironmentDescriptor, error)
	Put(desc EnvironmentDescriptor) error
	Delete(name string) error
}

// SnapshotRecordStore tracks the last full snapshot per environment.
type SnapshotRecordStore interface {
	// GetLastFull returns the recorded path, or "" when none.
	GetLastFull(env string) (string, error)

	// SetLastFull records a successful full snapshot.
	SetLastFull(env, path string) error
}

// RunHistoryStore persists install run summaries.
type RunHistoryStore interface {
	SaveRun(summary RunSummary) error
	ListRuns(env string, limit int) ([]RunSummary, error)
}

// InstallLedger is the per-root append-only log of applied operations.
type InstallLedger interface {
	// Append records a successful operation.
	Append(root string, op InstallOperation, at time.Time) error

	// Installed returns the set of identifiers already applied to root.
	Installed(root string) (map[string]bool, error)
}

// RootLocker serializes operations against one environment root.
type RootLocker interface {
	// TryLock acquires the root without blocking; ErrEnvironmentBusy if held.
	TryLock(root string) (release func(), err error)
}

// StateKeySource supplies the passphrase of the encrypted state database.
type StateKeySource interface {
	// LoadKey returns the stored key, or ErrStateKeyMissing.
	LoadKey() ([]byte, error)

	// SaveKey persists key. Read-only sources return an error.
	SaveKey(key []byte) error
}
