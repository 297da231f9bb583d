package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// prefixVar is the variable every runtime process of an environment inherits.
const prefixVar = "WINEPREFIX"

// ReapResult is the outcome of tearing down an environment's processes.
type ReapResult struct {
	Environment string
	Root        string
	KilledPIDs  []int
	Errors      []error
	ExecutedAt  time.Time
	DurationMs  int64
}

// ProcessReaper finds and kills processes left running against an environment,
// typically a lingering wineserver after an install.
type ProcessReaper struct {
	resolver EnvironmentResolver
	pm       domain.ProcessManager
	logger   *zap.Logger
}

// NewProcessReaper creates a process reaper.
func NewProcessReaper(resolver EnvironmentResolver, pm domain.ProcessManager, logger *zap.Logger) *ProcessReaper {
	return &ProcessReaper{resolver: resolver, pm: pm, logger: logger}
}

// List returns processes whose WINEPREFIX is the environment's root.
func (r *ProcessReaper) List(desc domain.EnvironmentDescriptor) ([]domain.ProcessInfo, error) {
	root, err := r.resolver.Root(desc)
	if err != nil {
		return nil, err
	}
	return r.pm.FindByEnv(prefixVar, root)
}

// Servers returns PIDs of every running wineserver, whatever its prefix.
func (r *ProcessReaper) Servers() ([]int, error) {
	return r.pm.FindByName(serverBinary)
}

// Reap kills every process of the environment. Individual kill failures are
// collected in the result; the error is reserved for resolution and lookup.
func (r *ProcessReaper) Reap(ctx context.Context, desc domain.EnvironmentDescriptor) (*ReapResult, error) {
	start := time.Now()

	root, err := r.resolver.Root(desc)
	if err != nil {
		return nil, err
	}

	result := &ReapResult{
		Environment: desc.Name,
		Root:        root,
		KilledPIDs:  make([]int, 0),
		Errors:      make([]error, 0),
		ExecutedAt:  start,
	}

	procs, err := r.pm.FindByEnv(prefixVar, root)
	if err != nil {
		r.logger.Warn("failed to find environment processes",
			zap.String("env", desc.Name),
			zap.Error(err))
		return nil, err
	}

	for _, p := range procs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}
		if err := r.pm.Kill(p.PID); err != nil {
			r.logger.Warn("failed to kill process",
				zap.Int("pid", p.PID),
				zap.String("name", p.Name),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		r.logger.Info("killed process",
			zap.String("env", desc.Name),
			zap.Int("pid", p.PID),
			zap.String("name", p.Name))
		result.KilledPIDs = append(result.KilledPIDs, p.PID)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}
