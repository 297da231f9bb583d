package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	testRoot = "/pfx/games"
	testWine = "/opt/wine/bin/wine"
	testTool = "/usr/local/bin/winetricks"
)

type runnerFixture struct {
	pm      *mockProcessManager
	fs      *mockFileSystemManager
	ledger  *mockLedger
	locker  *mockLocker
	history *mockHistory
	runner  *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		pm: &mockProcessManager{},
		fs: &mockFileSystemManager{regularFiles: map[string]bool{
			testWine:                   true,
			testTool:                   true,
			"/downloads/7zip.exe":      true,
			"/downloads/dotnet48.msi":  true,
			"/downloads/fonts.verb":    true,
			"/downloads/setup one.exe": true,
		}},
		ledger:  &mockLedger{},
		locker:  &mockLocker{},
		history: &mockHistory{},
	}
	resolver := &mockResolver{env: &domain.ResolvedEnvironment{
		Name:       "games",
		Kind:       domain.KindNative,
		Root:       testRoot,
		Arch:       domain.Arch64,
		Executable: testWine,
		Vars:       map[string]string{"WINEPREFIX": testRoot},
	}}
	f.runner = NewRunner(resolver, f.pm, f.fs, f.ledger, f.locker, f.history, RunnerConfig{
		ComponentTool: testTool,
		ItemTimeout:   time.Minute,
		KillGrace:     time.Second,
	}, zap.NewNop())
	return f
}

func testDescriptor() domain.EnvironmentDescriptor {
	return domain.EnvironmentDescriptor{Name: "games", Kind: domain.KindNative, Arch: domain.Arch64, Root: testRoot}
}

func componentQueue(names ...string) []domain.InstallOperation {
	ops := make([]domain.InstallOperation, len(names))
	for i, n := range names {
		ops[i] = domain.InstallOperation{Source: n, Kind: domain.OpComponent, DisplayName: n}
	}
	return ops
}

func TestRunner_FailureIsolation(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		failing map[string]int // component -> exit code
	}{
		{name: "all succeed", n: 4},
		{name: "one fails", n: 4, failing: map[string]int{"c1": 1}},
		{name: "first and last fail", n: 5, failing: map[string]int{"c0": 2, "c4": 127}},
		{name: "all fail", n: 3, failing: map[string]int{"c0": 1, "c1": 1, "c2": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)
			f.pm.run = func(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error) {
				name := spec.Args[len(spec.Args)-1]
				spec.OnLine("applying " + name)
				return &domain.ExecResult{ExitCode: tt.failing[name], Output: "applying " + name + "\n"}, nil
			}

			names := make([]string, tt.n)
			for i := range names {
				names[i] = fmt.Sprintf("c%d", i)
			}
			events := make(chan domain.Event, 256)

			report, err := f.runner.Run(context.Background(), RunRequest{
				Environment: testDescriptor(),
				Operations:  componentQueue(names...),
			}, events)
			require.NoError(t, err)

			require.Len(t, report.Results, tt.n)
			failed := 0
			for _, res := range report.Results {
				if res.State == domain.StateFailed {
					failed++
					var itemErr *domain.ItemFailure
					require.True(t, errors.As(res.Err, &itemErr))
					assert.Equal(t, tt.failing[res.DisplayName], itemErr.ExitCode)
					assert.Contains(t, itemErr.Output, "applying")
				}
			}
			assert.Equal(t, len(tt.failing), failed)
			assert.False(t, report.Canceled)

			got := drain(events)
			assert.Len(t, eventsOfKind(got, domain.EventRunCompleted), 1)
			assert.Len(t, eventsOfKind(got, domain.EventItemStarted), tt.n)
			assert.Len(t, eventsOfKind(got, domain.EventItemOutput), tt.n)
			assert.Len(t, eventsOfKind(got, domain.EventItemFailed), len(tt.failing))
			assert.Len(t, eventsOfKind(got, domain.EventItemCompleted), tt.n-len(tt.failing))
			assert.Equal(t, domain.EventRunCompleted, got[len(got)-1].Kind)

			assert.Len(t, f.ledger.appended, tt.n-len(tt.failing))
			require.Len(t, f.history.saved, 1)
			assert.Equal(t, tt.n-len(tt.failing), f.history.saved[0].Completed)
			assert.Equal(t, len(tt.failing), f.history.saved[0].Failed)
			assert.Equal(t, 1, f.locker.released)
		})
	}
}

func TestRunner_CancelMidRun(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("after %d items", k), func(t *testing.T) {
			f := newRunnerFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			calls := 0
			f.pm.run = func(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error) {
				defer func() { calls++ }()
				if calls == k {
					cancel()
					return &domain.ExecResult{ExitCode: -1, Canceled: true}, nil
				}
				if calls == 1 {
					return &domain.ExecResult{ExitCode: 1}, nil
				}
				return &domain.ExecResult{}, nil
			}

			events := make(chan domain.Event, 256)
			report, err := f.runner.Run(ctx, RunRequest{
				Environment: testDescriptor(),
				Operations:  componentQueue("c0", "c1", "c2", "c3", "c4"),
			}, events)
			require.NoError(t, err)
			assert.True(t, report.Canceled)

			require.Len(t, report.Results, k+1)
			for _, res := range report.Results[:k] {
				assert.Contains(t, []domain.TerminalState{domain.StateCompleted, domain.StateFailed}, res.State)
			}
			last := report.Results[k]
			assert.Equal(t, domain.StateCanceled, last.State)
			assert.ErrorIs(t, last.Err, domain.ErrItemCanceled)

			got := drain(events)
			assert.Empty(t, eventsOfKind(got, domain.EventRunCompleted))
			assert.Len(t, eventsOfKind(got, domain.EventItemCanceled), 1)
			for _, ev := range got {
				assert.LessOrEqual(t, ev.Index, k, "event %s for unstarted item", ev.Kind)
			}
			assert.Equal(t, k+1, calls)
			assert.Equal(t, 1, f.history.saved[0].Canceled)
		})
	}
}

func TestRunner_CanceledBeforeStart(t *testing.T) {
	f := newRunnerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan domain.Event, 16)
	report, err := f.runner.Run(ctx, RunRequest{Environment: testDescriptor(), Operations: componentQueue("c0")}, events)
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Empty(t, report.Results)
	assert.Empty(t, drain(events))
	assert.Empty(t, f.pm.calls())
}

func TestRunner_MissingExecutableIsFatal(t *testing.T) {
	pm := &mockProcessManager{}
	fs := &mockFileSystemManager{regularFiles: map[string]bool{"/downloads/7zip-install.exe": true}}
	resolver := NewResolver(fs, pm, nil, time.Second, zap.NewNop())
	runner := NewRunner(resolver, pm, fs, &mockLedger{}, &mockLocker{}, nil, RunnerConfig{}, zap.NewNop())

	events := make(chan domain.Event, 16)
	_, err := runner.Run(context.Background(), RunRequest{
		Environment: domain.EnvironmentDescriptor{
			Name: "A", Kind: domain.KindNative, Arch: domain.Arch64, Root: "/pfx/A", RuntimeDir: "/opt/missing-wine",
		},
		Operations: []domain.InstallOperation{
			{Source: "/downloads/7zip-install.exe", Kind: domain.OpNativeInstaller, DisplayName: "7-Zip"},
			{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
		},
	}, events)

	var fatal *domain.FatalEnvironmentError
	require.True(t, errors.As(err, &fatal))
	assert.ErrorIs(t, err, domain.ErrExecutableNotFound)
	assert.Empty(t, drain(events))
	assert.Empty(t, pm.specs)
}

func TestRunner_Preflight(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *runnerFixture)
		ops     []domain.InstallOperation
		wantErr error
	}{
		{
			name:    "primary executable vanished",
			setup:   func(f *runnerFixture) { delete(f.fs.regularFiles, testWine) },
			ops:     componentQueue("c0"),
			wantErr: domain.ErrExecutableNotFound,
		},
		{
			name:    "component tool path missing",
			setup:   func(f *runnerFixture) { delete(f.fs.regularFiles, testTool) },
			ops:     componentQueue("c0"),
			wantErr: domain.ErrExecutableNotFound,
		},
		{
			name:    "root busy",
			setup:   func(f *runnerFixture) { f.locker.busy = true },
			ops:     componentQueue("c0"),
			wantErr: domain.ErrEnvironmentBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)
			tt.setup(f)
			events := make(chan domain.Event, 16)

			report, err := f.runner.Run(context.Background(), RunRequest{Environment: testDescriptor(), Operations: tt.ops}, events)

			var fatal *domain.FatalEnvironmentError
			require.True(t, errors.As(err, &fatal))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, report.Results)
			assert.Empty(t, drain(events))
			assert.Empty(t, f.pm.calls())
			require.Len(t, f.history.saved, 1)
			assert.True(t, f.history.saved[0].Aborted)
		})
	}
}

func TestRunner_ComponentToolOnlyCheckedWhenNeeded(t *testing.T) {
	f := newRunnerFixture(t)
	delete(f.fs.regularFiles, testTool)

	report, err := f.runner.Run(context.Background(), RunRequest{
		Environment: testDescriptor(),
		Operations:  []domain.InstallOperation{{Source: "/downloads/7zip.exe", Kind: domain.OpNativeInstaller, DisplayName: "7-Zip"}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.StateCompleted, report.Results[0].State)
}

func TestRunner_BareComponentToolNotChecked(t *testing.T) {
	f := newRunnerFixture(t)
	f.runner.cfg.ComponentTool = "winetricks"

	report, err := f.runner.Run(context.Background(), RunRequest{Environment: testDescriptor(), Operations: componentQueue("corefonts")}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, report.Results[0].State)
	assert.Equal(t, "winetricks", f.pm.calls()[0].Path)
}

func TestRunner_CommandLines(t *testing.T) {
	tests := []struct {
		name     string
		op       domain.InstallOperation
		silent   bool
		force    bool
		wantPath string
		wantArgs []string
		wantDir  string
	}{
		{
			name:     "exe installer",
			op:       domain.InstallOperation{Source: "/downloads/7zip.exe", Kind: domain.OpNativeInstaller, DisplayName: "7-Zip"},
			wantPath: testWine,
			wantArgs: []string{"/downloads/7zip.exe"},
			wantDir:  "/downloads",
		},
		{
			name:     "msi installer",
			op:       domain.InstallOperation{Source: "/downloads/dotnet48.msi", Kind: domain.OpNativeInstaller, DisplayName: ".NET 4.8"},
			wantPath: testWine,
			wantArgs: []string{"msiexec", "/i", "/downloads/dotnet48.msi"},
			wantDir:  "/downloads",
		},
		{
			name:     "component",
			op:       domain.InstallOperation{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
			wantPath: testTool,
			wantArgs: []string{"vcrun2019"},
			wantDir:  testRoot,
		},
		{
			name:     "silent forced component",
			op:       domain.InstallOperation{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
			silent:   true,
			force:    true,
			wantPath: testTool,
			wantArgs: []string{"-q", "--force", "vcrun2019"},
			wantDir:  testRoot,
		},
		{
			name:     "script",
			op:       domain.InstallOperation{Source: "/downloads/fonts.verb", Kind: domain.OpScript, DisplayName: "Fonts"},
			silent:   true,
			wantPath: testTool,
			wantArgs: []string{"-q", "/downloads/fonts.verb"},
			wantDir:  testRoot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)

			_, err := f.runner.Run(context.Background(), RunRequest{
				Environment: testDescriptor(),
				Operations:  []domain.InstallOperation{tt.op},
				Silent:      tt.silent,
				Force:       tt.force,
			}, nil)
			require.NoError(t, err)

			calls := f.pm.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantPath, calls[0].Path)
			assert.Equal(t, tt.wantArgs, calls[0].Args)
			assert.Equal(t, tt.wantDir, calls[0].Dir)
			assert.Equal(t, time.Minute, calls[0].Timeout)
			assert.Equal(t, time.Second, calls[0].KillGrace)
			assert.Contains(t, calls[0].Env, "WINEPREFIX="+testRoot)
		})
	}
}

func TestRunner_PreparationFailureSpawnsNothing(t *testing.T) {
	f := newRunnerFixture(t)
	events := make(chan domain.Event, 16)

	report, err := f.runner.Run(context.Background(), RunRequest{
		Environment: testDescriptor(),
		Operations: []domain.InstallOperation{
			{Source: "/downloads/gone.exe", Kind: domain.OpNativeInstaller, DisplayName: "Gone"},
			{Source: "/downloads/gone.verb", Kind: domain.OpScript, DisplayName: "Gone script"},
			{Source: "corefonts", Kind: domain.OpComponent, DisplayName: "Core fonts"},
		},
	}, events)
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	assert.Equal(t, domain.StateFailed, report.Results[0].State)
	assert.Equal(t, domain.StateFailed, report.Results[1].State)
	assert.Equal(t, domain.StateCompleted, report.Results[2].State)
	assert.Len(t, f.pm.calls(), 1)
	assert.Len(t, eventsOfKind(drain(events), domain.EventRunCompleted), 1)
}

func TestRunner_TimeoutIsItemFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.pm.run = func(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error) {
		if spec.Args[0] == "dotnet48" {
			return &domain.ExecResult{ExitCode: -1, TimedOut: true, Output: "stuck\n"}, nil
		}
		return &domain.ExecResult{}, nil
	}

	report, err := f.runner.Run(context.Background(), RunRequest{
		Environment: testDescriptor(),
		Operations:  componentQueue("dotnet48", "corefonts"),
	}, nil)
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, domain.StateFailed, report.Results[0].State)
	assert.ErrorIs(t, report.Results[0].Err, domain.ErrItemTimeout)
	assert.Equal(t, domain.StateCompleted, report.Results[1].State)
	assert.Equal(t, []domain.InstallOperation{componentQueue("corefonts")[0]}, f.ledger.appended)
}

func TestRunner_SkipsInstalledItems(t *testing.T) {
	tests := []struct {
		name        string
		force       bool
		wantSkipped int
		wantCalls   int
	}{
		{name: "skip already applied", force: false, wantSkipped: 2, wantCalls: 1},
		{name: "force reapplies", force: true, wantSkipped: 0, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)
			f.ledger.installed = map[string]bool{"vcrun2019": true, "setup_one.exe": true}
			events := make(chan domain.Event, 64)

			report, err := f.runner.Run(context.Background(), RunRequest{
				Environment: testDescriptor(),
				Operations: []domain.InstallOperation{
					{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
					{Source: "/downloads/setup one.exe", Kind: domain.OpNativeInstaller, DisplayName: "Setup"},
					{Source: "corefonts", Kind: domain.OpComponent, DisplayName: "Core fonts"},
				},
				Force: tt.force,
			}, events)
			require.NoError(t, err)

			require.Len(t, report.Results, 3)
			assert.Equal(t, tt.wantSkipped, report.Summary.Skipped)
			assert.Len(t, f.pm.calls(), tt.wantCalls)

			got := drain(events)
			assert.Len(t, eventsOfKind(got, domain.EventItemSkipped), tt.wantSkipped)
			assert.Len(t, eventsOfKind(got, domain.EventItemStarted), tt.wantCalls)
		})
	}
}

func TestRunner_DuplicateItemsInOneRun(t *testing.T) {
	f := newRunnerFixture(t)

	report, err := f.runner.Run(context.Background(), RunRequest{
		Environment: testDescriptor(),
		Operations:  componentQueue("corefonts", "corefonts"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, report.Results[0].State)
	assert.Equal(t, domain.StateSkipped, report.Results[1].State)
	assert.Len(t, f.pm.calls(), 1)
}

func TestRunner_UnreadableLedgerSkipsNothing(t *testing.T) {
	f := newRunnerFixture(t)
	f.ledger.readErr = errors.New("permission denied")

	report, err := f.runner.Run(context.Background(), RunRequest{Environment: testDescriptor(), Operations: componentQueue("corefonts")}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, report.Results[0].State)
}

func TestRunner_RunIDOnEvents(t *testing.T) {
	f := newRunnerFixture(t)
	events := make(chan domain.Event, 16)

	report, err := f.runner.Run(context.Background(), RunRequest{
		RunID:       "run-42",
		Environment: testDescriptor(),
		Operations:  componentQueue("corefonts"),
	}, events)
	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)

	for _, ev := range drain(events) {
		assert.Equal(t, "run-42", ev.RunID)
	}
}

func TestRunner_GeneratesRunID(t *testing.T) {
	f := newRunnerFixture(t)

	a, err := f.runner.Run(context.Background(), RunRequest{Environment: testDescriptor()}, nil)
	require.NoError(t, err)
	b, err := f.runner.Run(context.Background(), RunRequest{Environment: testDescriptor()}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestRunner_LogsEventsDroppedByStalledConsumer(t *testing.T) {
	f := newRunnerFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.runner.logger = zap.New(core)
	f.runner.sendWait = 10 * time.Millisecond

	stalled := make(chan domain.Event)
	report, err := f.runner.Run(context.Background(), RunRequest{
		RunID:       "run-1",
		Environment: testDescriptor(),
		Operations:  componentQueue("vcrun2019"),
	}, stalled)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.StateCompleted, report.Results[0].State)

	var kinds []string
	for _, entry := range logs.FilterMessage("event dropped, consumer not reading").All() {
		kinds = append(kinds, entry.ContextMap()["kind"].(string))
	}
	assert.Equal(t, []string{
		string(domain.EventItemStarted),
		string(domain.EventItemCompleted),
		string(domain.EventRunCompleted),
	}, kinds)
}

func TestRunner_NilEventChannelLogsNothing(t *testing.T) {
	f := newRunnerFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.runner.logger = zap.New(core)

	_, err := f.runner.Run(context.Background(), RunRequest{
		Environment: testDescriptor(),
		Operations:  componentQueue("vcrun2019"),
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("event dropped, consumer not reading").Len())
}
