package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	// snapshotTimeFormat names full snapshot directories: <env>-20060102-150405.
	snapshotTimeFormat = "20060102-150405"
	partialSuffix      = ".partial"
)

// SnapshotRequest is one snapshot of an environment root.
type SnapshotRequest struct {
	Environment    string
	SourceRoot     string
	DestinationDir string // parent of full snapshot directories
	Mode           domain.SnapshotMode
}

// SnapshotManager copies environment roots with an external sync tool.
type SnapshotManager struct {
	pm        domain.ProcessManager
	fs        domain.FileSystemManager
	records   domain.SnapshotRecordStore
	locker    domain.RootLocker
	syncTool  string
	killGrace time.Duration
	now       func() time.Time
	sendWait  time.Duration
	logger    *zap.Logger
}

// NewSnapshotManager creates a snapshot manager driving syncTool (rsync when empty).
func NewSnapshotManager(
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	records domain.SnapshotRecordStore,
	locker domain.RootLocker,
	syncTool string,
	killGrace time.Duration,
	logger *zap.Logger,
) *SnapshotManager {
	if syncTool == "" {
		syncTool = "rsync"
	}
	return &SnapshotManager{
		pm:        pm,
		fs:        fs,
		records:   records,
		locker:    locker,
		syncTool:  syncTool,
		killGrace: killGrace,
		now:       time.Now,
		sendWait:  domain.DefaultSendWait,
		logger:    logger,
	}
}

// NewSnapshotManagerWithClock creates a snapshot manager with a custom clock (for testing).
func NewSnapshotManagerWithClock(
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	records domain.SnapshotRecordStore,
	locker domain.RootLocker,
	syncTool string,
	now func() time.Time,
	logger *zap.Logger,
) *SnapshotManager {
	m := NewSnapshotManager(pm, fs, records, locker, syncTool, 0, logger)
	m.now = now
	return m
}

// Snapshot runs one snapshot. Incremental mode without a usable full snapshot
// fails with domain.ErrNoFullSnapshot. A canceled run returns an outcome with
// Canceled set and a nil error.
func (m *SnapshotManager) Snapshot(ctx context.Context, req SnapshotRequest, events chan<- domain.Event) (*domain.SnapshotOutcome, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown snapshot mode %q", req.Mode)
	}
	if req.Environment == "" {
		return nil, fmt.Errorf("snapshot needs an environment name")
	}
	if !m.fs.IsDir(req.SourceRoot) {
		return nil, fmt.Errorf("snapshot source %s: %w", req.SourceRoot, os.ErrNotExist)
	}

	release, err := m.locker.TryLock(req.SourceRoot)
	if err != nil {
		return nil, err
	}
	defer release()

	switch req.Mode {
	case domain.SnapshotIncremental:
		return m.incremental(ctx, req, events)
	case domain.SnapshotFull:
		return m.full(ctx, req, events)
	}
	return nil, fmt.Errorf("unknown snapshot mode %q", req.Mode)
}

func (m *SnapshotManager) incremental(ctx context.Context, req SnapshotRequest, events chan<- domain.Event) (*domain.SnapshotOutcome, error) {
	recorded, err := m.records.GetLastFull(req.Environment)
	if err != nil {
		return nil, fmt.Errorf("read snapshot record for %s: %w", req.Environment, err)
	}
	if recorded == "" || !m.fs.IsDir(recorded) {
		m.logger.Warn("incremental snapshot requested without a full snapshot",
			zap.String("env", req.Environment),
			zap.String("recorded", recorded))
		return nil, fmt.Errorf("%s: %w", req.Environment, domain.ErrNoFullSnapshot)
	}

	outcome := &domain.SnapshotOutcome{Mode: domain.SnapshotIncremental, Path: recorded, StartedAt: m.now()}
	res, err := m.sync(ctx, req, []string{"-a", "-v", "--checksum", withSlash(req.SourceRoot), withSlash(recorded)}, events)
	outcome.FinishedAt = m.now()
	if err != nil {
		return nil, err
	}
	outcome.Output = res.Output

	if res.Canceled {
		outcome.Canceled = true
		m.logger.Info("incremental snapshot canceled", zap.String("env", req.Environment))
		return outcome, nil
	}
	if !res.Success() {
		return nil, m.toolError(res)
	}

	m.completed(events, req, outcome)
	return outcome, nil
}

func (m *SnapshotManager) full(ctx context.Context, req SnapshotRequest, events chan<- domain.Event) (*domain.SnapshotOutcome, error) {
	started := m.now()
	final := filepath.Join(req.DestinationDir, fmt.Sprintf("%s-%s", req.Environment, started.Format(snapshotTimeFormat)))
	staging := final + partialSuffix

	if err := os.MkdirAll(req.DestinationDir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	// Stale staging from an interrupted run.
	if m.fs.Exists(staging) {
		if err := m.fs.Delete(staging); err != nil {
			return nil, fmt.Errorf("remove stale staging %s: %w", staging, err)
		}
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot staging: %w", err)
	}

	outcome := &domain.SnapshotOutcome{Mode: domain.SnapshotFull, StartedAt: started}
	res, err := m.sync(ctx, req, []string{"-a", "-v", withSlash(req.SourceRoot), withSlash(staging)}, events)
	outcome.FinishedAt = m.now()
	if err != nil {
		m.discard(staging)
		return nil, err
	}
	outcome.Output = res.Output

	if res.Canceled {
		m.discard(staging)
		outcome.Canceled = true
		m.logger.Info("full snapshot canceled", zap.String("env", req.Environment))
		return outcome, nil
	}
	if !res.Success() {
		m.discard(staging)
		return nil, m.toolError(res)
	}

	if err := os.Rename(staging, final); err != nil {
		m.discard(staging)
		return nil, fmt.Errorf("promote snapshot %s: %w", final, err)
	}
	if err := m.records.SetLastFull(req.Environment, final); err != nil {
		return nil, fmt.Errorf("record full snapshot %s: %w", final, err)
	}
	outcome.Path = final

	m.completed(events, req, outcome)
	return outcome, nil
}

func (m *SnapshotManager) sync(ctx context.Context, req SnapshotRequest, args []string, events chan<- domain.Event) (*domain.ExecResult, error) {
	m.logger.Info("starting snapshot",
		zap.String("env", req.Environment),
		zap.String("mode", string(req.Mode)),
		zap.String("tool", m.syncTool),
		zap.Strings("args", args))

	return m.pm.RunGroup(ctx, domain.ExecSpec{
		Path:         m.syncTool,
		Args:         args,
		CancelSignal: syscall.SIGINT,
		KillGrace:    m.killGrace,
		OnLine: func(line string) {
			m.send(events, domain.Event{
				RunID:       req.Environment,
				Kind:        domain.EventSnapshotOutput,
				Index:       -1,
				DisplayName: req.Environment,
				Line:        line,
			})
		},
	})
}

func (m *SnapshotManager) completed(events chan<- domain.Event, req SnapshotRequest, outcome *domain.SnapshotOutcome) {
	m.logger.Info("snapshot completed",
		zap.String("env", req.Environment),
		zap.String("mode", string(outcome.Mode)),
		zap.String("path", outcome.Path),
		zap.Duration("duration", outcome.FinishedAt.Sub(outcome.StartedAt)))
	m.send(events, domain.Event{
		RunID:       req.Environment,
		Kind:        domain.EventSnapshotCompleted,
		Index:       -1,
		DisplayName: req.Environment,
		Line:        outcome.Path,
	})
}

func (m *SnapshotManager) send(events chan<- domain.Event, ev domain.Event) {
	if events != nil && !domain.Send(events, ev, m.sendWait) {
		m.logger.Warn("event dropped, consumer not reading",
			zap.String("env", ev.DisplayName),
			zap.String("kind", string(ev.Kind)))
	}
}

func (m *SnapshotManager) toolError(res *domain.ExecResult) error {
	code := res.ExitCode
	if res.TimedOut && code == 0 {
		code = -1
	}
	return &domain.SnapshotToolError{Tool: m.syncTool, ExitCode: code, Output: res.Output}
}

func (m *SnapshotManager) discard(staging string) {
	if err := m.fs.Delete(staging); err != nil {
		m.logger.Warn("failed to remove snapshot staging", zap.String("path", staging), zap.Error(err))
	}
}

// withSlash makes rsync copy a directory's contents rather than the directory.
func withSlash(dir string) string {
	return strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)
}
