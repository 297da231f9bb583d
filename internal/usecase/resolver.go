// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/platform"
)

const (
	// VersionUnavailable is reported when the runtime version probe fails.
	VersionUnavailable = "unavailable"

	// DefaultProbeTimeout bounds the runtime --version probe.
	DefaultProbeTimeout = 5 * time.Second

	runtimeBinary = "wine"
	serverBinary  = "wineserver"
)

// EnvironmentResolver turns descriptors into process environments.
type EnvironmentResolver interface {
	// Resolve computes the full process environment for desc.
	Resolve(ctx context.Context, desc domain.EnvironmentDescriptor) (*domain.ResolvedEnvironment, error)

	// Root computes only the effective environment root.
	Root(desc domain.EnvironmentDescriptor) (string, error)
}

// Resolver implements EnvironmentResolver. It holds no state between calls;
// callers re-resolve before every operation.
type Resolver struct {
	fs           domain.FileSystemManager
	pm           domain.ProcessManager
	platform     platform.CompatPlatform
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewResolver creates a resolver. compat supplies the compatdata layout for
// descriptors carrying a platform app id.
func NewResolver(
	fs domain.FileSystemManager,
	pm domain.ProcessManager,
	compat platform.CompatPlatform,
	probeTimeout time.Duration,
	logger *zap.Logger,
) *Resolver {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Resolver{
		fs:           fs,
		pm:           pm,
		platform:     compat,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Validate reports descriptor problems as domain.ErrInvalidDescriptor.
func Validate(desc domain.EnvironmentDescriptor) error {
	switch {
	case desc.Name == "":
		return fmt.Errorf("%w: name is required", domain.ErrInvalidDescriptor)
	case !desc.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidDescriptor, desc.Kind)
	case !desc.Arch.Valid():
		return fmt.Errorf("%w: unknown arch %q", domain.ErrInvalidDescriptor, desc.Arch)
	case desc.PlatformAppID != "" && !isAppID(desc.PlatformAppID):
		return fmt.Errorf("%w: platform app id %q is not numeric", domain.ErrInvalidDescriptor, desc.PlatformAppID)
	case desc.Root == "" && desc.PlatformAppID == "":
		return fmt.Errorf("%w: root or platform app id is required", domain.ErrInvalidDescriptor)
	case desc.Kind == domain.KindCompatLayer && desc.RuntimeDir == "":
		return fmt.Errorf("%w: compat-layer environments need a runtime directory", domain.ErrInvalidDescriptor)
	}
	return nil
}

// isAppID reports whether id is a decimal app id.
func isAppID(id string) bool {
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return id != ""
}

// Root returns the effective root. With a platform app id the root is the
// platform prefix directory unless the stored root already lies inside it.
func (r *Resolver) Root(desc domain.EnvironmentDescriptor) (string, error) {
	if err := Validate(desc); err != nil {
		return "", &domain.FatalEnvironmentError{Environment: desc.Name, Err: err}
	}

	root := ""
	if desc.Root != "" {
		root = filepath.Clean(r.fs.ExpandHome(desc.Root))
	}
	if desc.PlatformAppID == "" {
		return root, nil
	}
	if r.platform == nil {
		return "", &domain.FatalEnvironmentError{
			Environment: desc.Name,
			Err:         fmt.Errorf("%w: platform app id set but no platform configured", domain.ErrInvalidDescriptor),
		}
	}

	pfx := filepath.Clean(r.platform.PrefixRoot(desc.PlatformAppID))
	if root != "" && isWithin(root, pfx) {
		return root, nil
	}
	return pfx, nil
}

// Resolve validates desc, locates its executables and probes the runtime version.
func (r *Resolver) Resolve(ctx context.Context, desc domain.EnvironmentDescriptor) (*domain.ResolvedEnvironment, error) {
	root, err := r.Root(desc)
	if err != nil {
		return nil, err
	}

	env := &domain.ResolvedEnvironment{
		Name: desc.Name,
		Kind: desc.Kind,
		Root: root,
		Arch: desc.Arch,
		Vars: make(map[string]string),
	}

	runtimeDir := ""
	if desc.RuntimeDir != "" {
		runtimeDir = filepath.Clean(r.fs.ExpandHome(desc.RuntimeDir))
	}

	switch desc.Kind {
	case domain.KindCompatLayer:
		binDir := filepath.Join(runtimeDir, "files", "bin")
		if err := r.useBinDir(env, binDir); err != nil {
			return nil, err
		}
		if desc.PlatformAppID != "" {
			for k, v := range r.platform.CompatVars(desc.PlatformAppID) {
				env.Vars[k] = v
			}
		}
	case domain.KindNative:
		if runtimeDir != "" {
			if err := r.useBinDir(env, filepath.Join(runtimeDir, "bin")); err != nil {
				return nil, err
			}
		} else {
			env.Executable = runtimeBinary
			env.Server = serverBinary
		}
	}

	env.Vars["WINEPREFIX"] = root
	env.Vars["WINEARCH"] = string(desc.Arch)
	env.Vars["WINE"] = env.Executable
	env.Vars["WINESERVER"] = env.Server
	env.Vars["WINELOADER"] = env.Executable

	env.RuntimeVersion = r.probeVersion(ctx, env)

	r.logger.Debug("environment resolved",
		zap.String("env", desc.Name),
		zap.String("root", root),
		zap.String("executable", env.Executable),
		zap.String("version", env.RuntimeVersion))

	return env, nil
}

func (r *Resolver) useBinDir(env *domain.ResolvedEnvironment, binDir string) error {
	primary := filepath.Join(binDir, runtimeBinary)
	if !r.fs.IsRegularFile(primary) {
		return &domain.FatalEnvironmentError{
			Environment: env.Name,
			Err:         fmt.Errorf("%s: %w", primary, domain.ErrExecutableNotFound),
		}
	}
	env.Executable = primary
	env.Server = filepath.Join(binDir, serverBinary)
	env.SearchPathDir = binDir
	return nil
}

// probeVersion runs "<primary> --version"; any failure yields VersionUnavailable.
func (r *Resolver) probeVersion(ctx context.Context, env *domain.ResolvedEnvironment) string {
	res, err := r.pm.RunGroup(ctx, domain.ExecSpec{
		Path:    env.Executable,
		Args:    []string{"--version"},
		Env:     env.Environ(os.Environ()),
		Timeout: r.probeTimeout,
	})
	if err != nil {
		r.logger.Debug("version probe failed", zap.String("env", env.Name), zap.Error(err))
		return VersionUnavailable
	}
	if !res.Success() {
		r.logger.Debug("version probe failed",
			zap.String("env", env.Name),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut))
		return VersionUnavailable
	}
	for _, line := range strings.Split(res.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return VersionUnavailable
}

// isWithin reports whether path equals dir or lies below it.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Ensure Resolver implements EnvironmentResolver.
var _ EnvironmentResolver = (*Resolver)(nil)
