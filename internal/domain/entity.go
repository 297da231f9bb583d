// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// EnvironmentKind identifies how an environment's runtime is provided.
type EnvironmentKind string

const (
	// KindNative uses a system-installed or self-built Wine tree (bin/wine).
	KindNative EnvironmentKind = "native"
	// KindCompatLayer uses a redistributable Proton-style bundle (files/bin/wine).
	KindCompatLayer EnvironmentKind = "compat-layer"
)

// Valid reports whether k is a known kind.
func (k EnvironmentKind) Valid() bool {
	switch k {
	case KindNative, KindCompatLayer:
		return true
	}
	return false
}

// Arch is the prefix architecture tag.
type Arch string

const (
	Arch64 Arch = "win64"
	Arch32 Arch = "win32"
)

// Valid reports whether a is a known architecture.
func (a Arch) Valid() bool {
	switch a {
	case Arch64, Arch32:
		return true
	}
	return false
}

// EnvironmentDescriptor is the persisted record describing one prefix.
// When PlatformAppID is set the effective root is derived from the
// platform's compatdata directory, never stored.
type EnvironmentDescriptor struct {
	Name          string          `yaml:"name"`
	Kind          EnvironmentKind `yaml:"kind"`
	Root          string          `yaml:"root,omitempty"`
	Arch          Arch            `yaml:"arch"`
	RuntimeDir    string          `yaml:"runtime_dir,omitempty"`
	PlatformAppID string          `yaml:"platform_app_id,omitempty"`
}

// ResolvedEnvironment is the concrete process environment for a descriptor.
// It is recomputed on every use and never persisted.
type ResolvedEnvironment struct {
	Name       string
	Kind       EnvironmentKind
	Root       string
	Arch       Arch
	Executable string // primary runtime executable (absolute, or bare name for system wine)
	Server     string // background server companion
	// SearchPathDir is prepended to PATH for child processes. Empty for bare-name fallbacks.
	SearchPathDir  string
	Vars           map[string]string
	RuntimeVersion string
}

// Environ merges the resolved variables into base ("KEY=VALUE" pairs),
// replacing existing keys and prefixing PATH with SearchPathDir.
func (r *ResolvedEnvironment) Environ(base []string) []string {
	overrides := make(map[string]string, len(r.Vars)+1)
	for k, v := range r.Vars {
		overrides[k] = v
	}

	path := ""
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if r.SearchPathDir != "" {
		if path == "" {
			path = r.SearchPathDir
		} else {
			path = r.SearchPathDir + string(filepath.ListSeparator) + path
		}
	}
	if path != "" {
		overrides["PATH"] = path
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// OperationKind is the closed set of install item kinds.
type OperationKind string

const (
	OpNativeInstaller OperationKind = "native-installer"
	OpComponent       OperationKind = "component-name"
	OpScript          OperationKind = "script-file"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpNativeInstaller, OpComponent, OpScript:
		return true
	}
	return false
}

// NeedsComponentTool reports whether items of this kind run through the component installer.
func (k OperationKind) NeedsComponentTool() bool {
	switch k {
	case OpComponent, OpScript:
		return true
	case OpNativeInstaller:
		return false
	}
	return false
}

// InstallOperation is one queued install item. Queue order is execution order.
type InstallOperation struct {
	Source      string        // absolute path or component name
	Kind        OperationKind
	DisplayName string
}

// Identifier returns the key used in the install ledger: the component name
// for components, the base file name for installers and scripts. Whitespace
// is folded to underscores so the key stays a single ledger token.
func (o InstallOperation) Identifier() string {
	id := o.Source
	if o.Kind == OpNativeInstaller || o.Kind == OpScript {
		id = filepath.Base(o.Source)
	}
	return strings.Join(strings.Fields(id), "_")
}

// TerminalState is the final state of one install item.
type TerminalState string

const (
	StateCompleted TerminalState = "completed"
	StateFailed    TerminalState = "failed"
	StateSkipped   TerminalState = "skipped"
	StateCanceled  TerminalState = "canceled"
)

// OperationResult is the outcome of one install item.
type OperationResult struct {
	DisplayName string
	Kind        OperationKind
	Source      string
	State       TerminalState
	Output      string
	Err         error
}

// RunSummary is the persisted record of one install run.
type RunSummary struct {
	RunID       string
	Environment string
	StartedAt   time.Time
	FinishedAt  time.Time
	Completed   int
	Failed      int
	Skipped     int
	Canceled    int
	Aborted     bool // fatal preflight error, no items ran
}

// SnapshotMode selects how a snapshot is taken.
type SnapshotMode string

const (
	SnapshotIncremental SnapshotMode = "incremental"
	SnapshotFull        SnapshotMode = "full"
)

// Valid reports whether m is a known mode.
func (m SnapshotMode) Valid() bool {
	switch m {
	case SnapshotIncremental, SnapshotFull:
		return true
	}
	return false
}

// SnapshotRecord tracks the last successful full snapshot of an environment.
type SnapshotRecord struct {
	Environment          string
	LastFullSnapshotPath string
	UpdatedAt            time.Time
}

// SnapshotOutcome describes a finished snapshot run.
type SnapshotOutcome struct {
	Mode       SnapshotMode
	Path       string
	Canceled   bool
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// InstalledRuntime is a runtime tree found in the runtimes directory.
type InstalledRuntime struct {
	Name    string
	Path    string
	Kind    EnvironmentKind
	Version string // normalized semantic version, empty when unparsable
}

// ProcessInfo is a running process attributed to an environment.
type ProcessInfo struct {
	PID  int
	Name string
}
