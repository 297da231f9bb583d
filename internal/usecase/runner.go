package usecase

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// DefaultItemTimeout bounds each install item.
const DefaultItemTimeout = 300 * time.Second

// RunnerConfig holds the runner's tunables.
type RunnerConfig struct {
	// ComponentTool is the winetricks-style installer, a path or a bare name on PATH.
	ComponentTool string
	ItemTimeout   time.Duration
	KillGrace     time.Duration
}

// RunRequest is one install queue against one environment.
type RunRequest struct {
	// RunID tags events and the stored summary; generated when empty.
	RunID       string
	Environment domain.EnvironmentDescriptor
	Operations  []domain.InstallOperation
	// Silent passes the unattended flag to the component tool.
	Silent bool
	// Force re-applies items already present in the install ledger.
	Force bool
}

// RunReport is what happened to a queue. Items that never started have no result.
type RunReport struct {
	RunID    string
	Results  []domain.OperationResult
	Canceled bool
	Summary  domain.RunSummary
}

// Runner executes install queues item by item.
type Runner struct {
	resolver EnvironmentResolver
	pm       domain.ProcessManager
	fs       domain.FileSystemManager
	ledger   domain.InstallLedger
	locker   domain.RootLocker
	history  domain.RunHistoryStore
	cfg      RunnerConfig
	sendWait time.Duration
	logger   *zap.Logger
}

// NewRunner creates an operation runner. history may be nil.
func NewRunner(
	resolver EnvironmentResolver,
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	ledger domain.InstallLedger,
	locker domain.RootLocker,
	history domain.RunHistoryStore,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if cfg.ComponentTool == "" {
		cfg.ComponentTool = "winetricks"
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	return &Runner{
		resolver: resolver,
		pm:       pm,
		fs:       fs,
		ledger:   ledger,
		locker:   locker,
		history:  history,
		cfg:      cfg,
		sendWait: domain.DefaultSendWait,
		logger:   logger,
	}
}

// Run executes req.Operations in order. A *domain.FatalEnvironmentError is
// returned when the environment is unusable; in that case no item runs and
// no event is sent. Per-item failures are reported in the results and the
// run continues. Canceling ctx stops the queue and tears down the running
// child; the report is then marked canceled and no run-completed event is sent.
func (r *Runner) Run(ctx context.Context, req RunRequest, events chan<- domain.Event) (*RunReport, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &RunReport{
		RunID: runID,
		Summary: domain.RunSummary{
			RunID:       runID,
			Environment: req.Environment.Name,
			StartedAt:   time.Now(),
		},
	}

	env, release, err := r.prepare(ctx, req)
	if err != nil {
		report.Summary.Aborted = true
		report.Summary.FinishedAt = time.Now()
		r.saveSummary(report.Summary)
		r.logger.Warn("install run aborted",
			zap.String("run_id", runID),
			zap.String("env", req.Environment.Name),
			zap.Error(err))
		return report, err
	}
	defer release()

	installed := map[string]bool{}
	if !req.Force {
		if installed, err = r.ledger.Installed(env.Root); err != nil {
			r.logger.Warn("failed to read install ledger, nothing will be skipped",
				zap.String("root", env.Root), zap.Error(err))
			installed = map[string]bool{}
		}
	}

	r.logger.Info("install run started",
		zap.String("run_id", runID),
		zap.String("env", env.Name),
		zap.Int("items", len(req.Operations)))

	childEnv := env.Environ(os.Environ())

	for i, op := range req.Operations {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}

		ev := domain.Event{RunID: runID, Index: i, DisplayName: op.DisplayName}

		if !req.Force && installed[op.Identifier()] {
			report.Results = append(report.Results, domain.OperationResult{
				DisplayName: op.DisplayName, Kind: op.Kind, Source: op.Source, State: domain.StateSkipped,
			})
			r.send(events, ev, domain.EventItemSkipped)
			r.logger.Info("item already installed, skipping",
				zap.String("run_id", runID), zap.String("item", op.DisplayName))
			continue
		}

		r.send(events, ev, domain.EventItemStarted)
		result := r.runItem(ctx, runID, i, env, childEnv, op, req, events)
		report.Results = append(report.Results, result)

		switch result.State {
		case domain.StateCompleted:
			installed[op.Identifier()] = true
			r.send(events, ev, domain.EventItemCompleted)
		case domain.StateFailed:
			ev.Err = result.Err
			r.send(events, ev, domain.EventItemFailed)
		case domain.StateCanceled:
			ev.Err = result.Err
			r.send(events, ev, domain.EventItemCanceled)
			report.Canceled = true
		case domain.StateSkipped:
		}

		if report.Canceled {
			break
		}
	}

	for _, res := range report.Results {
		switch res.State {
		case domain.StateCompleted:
			report.Summary.Completed++
		case domain.StateFailed:
			report.Summary.Failed++
		case domain.StateSkipped:
			report.Summary.Skipped++
		case domain.StateCanceled:
			report.Summary.Canceled++
		}
	}
	report.Summary.FinishedAt = time.Now()
	r.saveSummary(report.Summary)

	if !report.Canceled {
		r.send(events, domain.Event{RunID: runID, Index: -1}, domain.EventRunCompleted)
	}

	r.logger.Info("install run finished",
		zap.String("run_id", runID),
		zap.Bool("canceled", report.Canceled),
		zap.Int("completed", report.Summary.Completed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("skipped", report.Summary.Skipped))

	return report, nil
}

// prepare resolves the environment, checks the executables the queue needs
// and takes the root lock.
func (r *Runner) prepare(ctx context.Context, req RunRequest) (*domain.ResolvedEnvironment, func(), error) {
	env, err := r.resolver.Resolve(ctx, req.Environment)
	if err != nil {
		return nil, nil, err
	}

	if !r.executableExists(env.Executable) {
		return nil, nil, &domain.FatalEnvironmentError{
			Environment: env.Name,
			Err:         fmt.Errorf("%s: %w", env.Executable, domain.ErrExecutableNotFound),
		}
	}

	if needsComponentTool(req.Operations) && isPath(r.cfg.ComponentTool) &&
		!r.fs.IsRegularFile(r.cfg.ComponentTool) {
		return nil, nil, &domain.FatalEnvironmentError{
			Environment: env.Name,
			Err:         fmt.Errorf("%s: %w", r.cfg.ComponentTool, domain.ErrExecutableNotFound),
		}
	}

	release, err := r.locker.TryLock(env.Root)
	if err != nil {
		return nil, nil, &domain.FatalEnvironmentError{Environment: env.Name, Err: err}
	}
	return env, release, nil
}

// runItem executes one operation and maps the child's fate to a terminal state.
func (r *Runner) runItem(
	ctx context.Context,
	runID string,
	index int,
	env *domain.ResolvedEnvironment,
	childEnv []string,
	op domain.InstallOperation,
	req RunRequest,
	events chan<- domain.Event,
) domain.OperationResult {
	result := domain.OperationResult{DisplayName: op.DisplayName, Kind: op.Kind, Source: op.Source}

	spec, err := r.buildCommand(env, op, req)
	if err != nil {
		result.State = domain.StateFailed
		result.Err = &domain.ItemFailure{DisplayName: op.DisplayName, ExitCode: -1, Err: err}
		r.logger.Warn("item preparation failed",
			zap.String("run_id", runID), zap.String("item", op.DisplayName), zap.Error(err))
		return result
	}
	spec.Env = childEnv
	spec.Timeout = r.cfg.ItemTimeout
	spec.KillGrace = r.cfg.KillGrace
	spec.OnLine = func(line string) {
		r.send(events, domain.Event{
			RunID:       runID,
			Index:       index,
			DisplayName: op.DisplayName,
			Line:        line,
		}, domain.EventItemOutput)
	}

	r.logger.Info("running item",
		zap.String("run_id", runID),
		zap.String("item", op.DisplayName),
		zap.String("kind", string(op.Kind)),
		zap.String("command", spec.Path),
		zap.Strings("args", spec.Args))

	res, err := r.pm.RunGroup(ctx, spec)
	if err != nil {
		result.State = domain.StateFailed
		result.Err = &domain.ItemFailure{DisplayName: op.DisplayName, ExitCode: -1, Err: err}
		return result
	}
	result.Output = res.Output

	switch {
	case res.Canceled:
		result.State = domain.StateCanceled
		result.Err = domain.ErrItemCanceled
	case res.TimedOut:
		result.State = domain.StateFailed
		result.Err = &domain.ItemFailure{DisplayName: op.DisplayName, ExitCode: res.ExitCode, Timeout: true, Output: res.Output}
		r.logger.Warn("item timed out",
			zap.String("run_id", runID), zap.String("item", op.DisplayName), zap.Duration("timeout", r.cfg.ItemTimeout))
	case res.ExitCode != 0:
		result.State = domain.StateFailed
		result.Err = &domain.ItemFailure{DisplayName: op.DisplayName, ExitCode: res.ExitCode, Output: res.Output}
		r.logger.Warn("item failed",
			zap.String("run_id", runID), zap.String("item", op.DisplayName), zap.Int("exit_code", res.ExitCode))
	default:
		result.State = domain.StateCompleted
		if err := r.ledger.Append(env.Root, op, time.Now()); err != nil {
			r.logger.Warn("failed to record item in install ledger",
				zap.String("root", env.Root), zap.String("item", op.DisplayName), zap.Error(err))
		}
	}
	return result
}

// buildCommand maps an operation to the command line that applies it.
func (r *Runner) buildCommand(env *domain.ResolvedEnvironment, op domain.InstallOperation, req RunRequest) (domain.ExecSpec, error) {
	switch op.Kind {
	case domain.OpNativeInstaller:
		if !r.fs.IsRegularFile(op.Source) {
			return domain.ExecSpec{}, fmt.Errorf("installer %s: %w", op.Source, os.ErrNotExist)
		}
		args := []string{op.Source}
		if strings.EqualFold(filepath.Ext(op.Source), ".msi") {
			args = []string{"msiexec", "/i", op.Source}
		}
		return domain.ExecSpec{Path: env.Executable, Args: args, Dir: filepath.Dir(op.Source)}, nil

	case domain.OpComponent, domain.OpScript:
		if op.Kind == domain.OpScript && !r.fs.IsRegularFile(op.Source) {
			return domain.ExecSpec{}, fmt.Errorf("script %s: %w", op.Source, os.ErrNotExist)
		}
		if op.Kind == domain.OpComponent && strings.TrimSpace(op.Source) == "" {
			return domain.ExecSpec{}, fmt.Errorf("empty component name")
		}
		var args []string
		if req.Silent {
			args = append(args, "-q")
		}
		if req.Force {
			args = append(args, "--force")
		}
		args = append(args, op.Source)
		return domain.ExecSpec{Path: r.cfg.ComponentTool, Args: args, Dir: env.Root}, nil
	}
	return domain.ExecSpec{}, fmt.Errorf("unknown operation kind %q", op.Kind)
}

// executableExists checks absolute paths on disk and bare names on PATH.
func (r *Runner) executableExists(name string) bool {
	if isPath(name) {
		return r.fs.IsRegularFile(name)
	}
	_, err := exec.LookPath(name)
	return err == nil
}

// send delivers ev as kind, logging events a stalled consumer never took.
func (r *Runner) send(events chan<- domain.Event, ev domain.Event, kind domain.EventKind) {
	ev.Kind = kind
	if events != nil && !domain.Send(events, ev, r.sendWait) {
		r.logger.Warn("event dropped, consumer not reading",
			zap.String("run_id", ev.RunID),
			zap.String("kind", string(kind)),
			zap.Int("index", ev.Index),
			zap.String("item", ev.DisplayName))
	}
}

func (r *Runner) saveSummary(summary domain.RunSummary) {
	if r.history == nil {
		return
	}
	if err := r.history.SaveRun(summary); err != nil {
		r.logger.Warn("failed to save run summary", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}

func needsComponentTool(ops []domain.InstallOperation) bool {
	for _, op := range ops {
		if op.Kind.NeedsComponentTool() {
			return true
		}
	}
	return false
}

func isPath(name string) bool {
	return strings.ContainsRune(name, filepath.Separator)
}
