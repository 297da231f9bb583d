// Package main is the CLI entry point for wpm.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/config"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/infra"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/platform"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wpm",
	Short: "Wine/Proton prefix manager",
	Long: `wpm manages Wine and Proton prefixes: it installs Windows software and
winetricks components into them, downloads and unpacks runtime builds,
and snapshots prefixes with rsync.`,
	Version:      Version,
	SilenceUsage: true,
}

var (
	configPath string
	verbose    bool
	logToFile  bool
	jsonOutput bool

	envKind    string
	envArch    string
	envRoot    string
	envRuntime string
	envAppID   string

	installSilent bool
	installForce  bool

	fetchDest     string
	fetchLatest   string
	fetchFilter   string
	fetchDigest   string
	fetchNoUnpack bool

	snapshotMode string
	snapshotDest string

	historyLimit int
	psAll        bool
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environment descriptors",
}

var envAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or replace an environment",
	Long: `Adds an environment descriptor. --runtime accepts a directory or the name
of a runtime installed in the runtimes directory; its layout decides the
kind unless --kind is given. --app-id binds the environment to a Steam
compatdata prefix, which then overrides --root.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnvAdd,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	RunE:  runEnvList,
}

var envRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove an environment descriptor (the prefix itself is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvRm,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ENV",
	Short: "Show the process environment an environment resolves to",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var installCmd = &cobra.Command{
	Use:   "install ENV ITEM...",
	Short: "Install software and components into an environment",
	Long: `Runs each ITEM in order against the environment. An ITEM is
  exe:PATH or a path ending in .exe/.msi   native installer run with wine
  script:PATH or a path ending in .verb/.sh  winetricks script file
  component:NAME or a bare NAME              winetricks component
Items already recorded in the prefix's install ledger are skipped unless
--force is given. A failing item does not stop the run.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInstall,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [URL]",
	Short: "Download a runtime archive and unpack it into the runtimes directory",
	Long: `Downloads URL, or with --latest the newest release archive of a
configured source (see "sources" in the config file), verifies its checksum
when one is known and unpacks it next to the archive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

var unpackCmd = &cobra.Command{
	Use:   "unpack ARCHIVE",
	Short: "Unpack a runtime archive into a directory beside it",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnpack,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot ENV",
	Short: "Snapshot an environment prefix with rsync",
	Long: `A full snapshot copies the prefix into a new timestamped directory.
An incremental snapshot updates the last full snapshot in place and fails
when there is none.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshot,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List the last full snapshot of each environment",
	RunE:  runSnapshots,
}

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List installed runtimes, newest first",
	RunE:  runRuntimes,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger ENV",
	Short: "Show the install ledger of an environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedger,
}

var historyCmd = &cobra.Command{
	Use:   "history [ENV]",
	Short: "Show recent install runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var psCmd = &cobra.Command{
	Use:   "ps [ENV]",
	Short: "List processes running in an environment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPs,
}

var killCmd = &cobra.Command{
	Use:   "kill ENV",
	Short: "Kill every process running in an environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/wpm/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Write JSON logs to <data_dir>/wpm.log instead of stderr")

	envAddCmd.Flags().StringVar(&envKind, "kind", "", "Environment kind (native, compat-layer)")
	envAddCmd.Flags().StringVar(&envArch, "arch", string(domain.Arch64), "Prefix architecture (win64, win32)")
	envAddCmd.Flags().StringVar(&envRoot, "root", "", "Prefix directory")
	envAddCmd.Flags().StringVar(&envRuntime, "runtime", "", "Runtime directory or installed runtime name")
	envAddCmd.Flags().StringVar(&envAppID, "app-id", "", "Steam app id owning the prefix")
	envCmd.AddCommand(envAddCmd, envListCmd, envRmCmd)

	installCmd.Flags().BoolVar(&installSilent, "silent", false, "Pass -q to winetricks (default from config)")
	installCmd.Flags().BoolVar(&installForce, "force", false, "Reinstall items already in the ledger (default from config)")

	fetchCmd.Flags().StringVar(&fetchDest, "dest", "", "Download directory (default runtimes directory)")
	fetchCmd.Flags().StringVar(&fetchLatest, "latest", "", "Fetch the latest release of a configured source")
	fetchCmd.Flags().StringVar(&fetchFilter, "filter", "", "Substring the release asset name must contain")
	fetchCmd.Flags().StringVar(&fetchDigest, "checksum", "", "Expected SHA-256 or SHA-512 of the archive")
	fetchCmd.Flags().BoolVar(&fetchNoUnpack, "no-unpack", false, "Keep the archive without unpacking it")

	snapshotCmd.Flags().StringVar(&snapshotMode, "mode", string(domain.SnapshotFull), "Snapshot mode (full, incremental)")
	snapshotCmd.Flags().StringVar(&snapshotDest, "dest", "", "Snapshot directory (default from config)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show")
	psCmd.Flags().BoolVar(&psAll, "all", false, "List every wineserver, whatever its prefix")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(envCmd, resolveCmd, installCmd, fetchCmd, unpackCmd,
		snapshotCmd, snapshotsCmd, runtimesCmd, ledgerCmd, historyCmd, psCmd, killCmd, versionCmd)
}

// app bundles the wiring shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	pm       domain.ProcessManager
	fs       domain.FileSystemManager
	envs     *infra.YAMLEnvironmentStore
	resolver *usecase.Resolver
	locker   *infra.FlockRootLocker
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	fs := infra.NewFileSystemManager()
	cfg.ExpandPaths(fs.ExpandHome)

	logger := createLogger(cfg)
	pm := infra.NewProcessManager()
	compat, err := platform.NewRegistry(cfg.SteamRoot).Get("steam")
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		pm:       pm,
		fs:       fs,
		envs:     infra.NewYAMLEnvironmentStore(cfg.EnvironmentsFile()),
		resolver: usecase.NewResolver(fs, pm, compat, cfg.ProbeTimeout, logger),
		locker:   infra.NewFlockRootLocker(cfg.LocksDir(), logger),
	}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func (a *app) environment(name string) (*domain.EnvironmentDescriptor, error) {
	desc, err := a.envs.Get(name)
	if err != nil {
		if errors.Is(err, domain.ErrEnvironmentNotFound) {
			return nil, fmt.Errorf("no environment named %q (see 'wpm env list')", name)
		}
		return nil, err
	}
	return desc, nil
}

// createLogger logs to stderr for interactive use, or as JSON to the data
// directory with --log-file.
func createLogger(cfg *config.Config) *zap.Logger {
	if logToFile {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zc.OutputPaths = []string{cfg.LogFile()}
		zc.ErrorOutputPaths = []string{cfg.LogFile()}
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		if err := os.MkdirAll(cfg.DataDir, 0755); err == nil {
			if logger, err := zc.Build(); err == nil {
				return logger
			}
		}
		// Fall back to stderr if file logging fails
	}

	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			fmt.Fprintln(os.Stderr, "\nCanceling...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// withEvents runs op while printing its events, returning op's error.
func withEvents(ctx context.Context, op func(ctx context.Context, events chan<- domain.Event) error) error {
	events := make(chan domain.Event, 64)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		return op(gctx, events)
	})
	g.Go(func() error {
		for ev := range events {
			printEvent(ev)
		}
		return nil
	})
	return g.Wait()
}

func printEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventItemStarted:
		fmt.Printf("==> [%d] %s\n", ev.Index+1, ev.DisplayName)
	case domain.EventItemOutput, domain.EventSnapshotOutput:
		fmt.Printf("    %s\n", ev.Line)
	case domain.EventItemCompleted:
		fmt.Printf("  ✓ %s\n", ev.DisplayName)
	case domain.EventItemFailed:
		fmt.Printf("  ✗ %s: %v\n", ev.DisplayName, ev.Err)
	case domain.EventItemSkipped:
		fmt.Printf("  - %s (already installed)\n", ev.DisplayName)
	case domain.EventItemCanceled:
		fmt.Printf("  ! %s canceled\n", ev.DisplayName)
	case domain.EventRunCompleted:
		fmt.Println("Run completed.")
	case domain.EventDownloadProgress:
		fmt.Printf("\r  %s: %3d%%", ev.DisplayName, ev.Percent)
	case domain.EventDownloadCompleted:
		fmt.Printf("\r  %s: done\n", ev.DisplayName)
	case domain.EventSnapshotCompleted:
		fmt.Printf("Snapshot stored at %s\n", ev.Line)
	}
}

func runEnvAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	desc := domain.EnvironmentDescriptor{
		Name:          args[0],
		Kind:          domain.EnvironmentKind(envKind),
		Arch:          domain.Arch(envArch),
		Root:          envRoot,
		PlatformAppID: envAppID,
	}
	if envRoot != "" {
		desc.Root = a.fs.ExpandHome(envRoot)
	}

	if envRuntime != "" {
		if strings.ContainsRune(envRuntime, filepath.Separator) || strings.HasPrefix(envRuntime, "~") {
			desc.RuntimeDir = a.fs.ExpandHome(envRuntime)
		} else {
			rt, err := usecase.NewRuntimeCatalog(a.cfg.RuntimesDir, a.fs, a.logger).Find(envRuntime)
			if err != nil {
				return fmt.Errorf("runtime %q is not installed in %s", envRuntime, a.cfg.RuntimesDir)
			}
			desc.RuntimeDir = rt.Path
			if desc.Kind == "" {
				desc.Kind = rt.Kind
			}
		}
	}
	if desc.Kind == "" {
		desc.Kind = domain.KindNative
		if a.fs.IsDir(filepath.Join(desc.RuntimeDir, "files", "bin")) {
			desc.Kind = domain.KindCompatLayer
		}
	}

	if err := usecase.Validate(desc); err != nil {
		return err
	}
	if err := a.envs.Put(desc); err != nil {
		return err
	}

	root, err := a.resolver.Root(desc)
	if err != nil {
		return err
	}
	fmt.Printf("Environment %s (%s, %s) at %s\n", desc.Name, desc.Kind, desc.Arch, root)
	return nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	descs, err := a.envs.List()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		fmt.Println("No environments. Add one with 'wpm env add'.")
		return nil
	}

	fmt.Printf("%-20s %-13s %-6s %s\n", "NAME", "KIND", "ARCH", "ROOT")
	for _, d := range descs {
		root, err := a.resolver.Root(d)
		if err != nil {
			root = fmt.Sprintf("(invalid: %v)", err)
		}
		fmt.Printf("%-20s %-13s %-6s %s\n", d.Name, d.Kind, d.Arch, root)
	}
	return nil
}

func runEnvRm(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.envs.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed environment %s\n", args[0])
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	env, err := a.resolver.Resolve(cmd.Context(), *desc)
	if err != nil {
		return err
	}

	fmt.Printf("Environment: %s (%s, %s)\n", env.Name, env.Kind, env.Arch)
	fmt.Printf("Root:        %s\n", env.Root)
	fmt.Printf("Executable:  %s\n", env.Executable)
	fmt.Printf("Server:      %s\n", env.Server)
	fmt.Printf("Version:     %s\n", env.RuntimeVersion)
	if env.SearchPathDir != "" {
		fmt.Printf("PATH prefix: %s\n", env.SearchPathDir)
	}
	fmt.Println("Variables:")
	for _, kv := range sortedVars(env.Vars) {
		fmt.Printf("  %s\n", kv)
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	ops, err := parseItems(args[1:], a.fs.ExpandHome)
	if err != nil {
		return err
	}

	silent := a.cfg.Install.Silent
	if cmd.Flags().Changed("silent") {
		silent = installSilent
	}
	force := a.cfg.Install.Force
	if cmd.Flags().Changed("force") {
		force = installForce
	}

	var history domain.RunHistoryStore
	store, err := infra.OpenStateStore(a.cfg.DataDir)
	if err != nil {
		a.logger.Warn("run history unavailable", zap.Error(err))
	} else {
		defer store.Close()
		history = store
	}

	runner := usecase.NewRunner(a.resolver, a.pm, a.fs, infra.NewFileLedger(), a.locker, history, usecase.RunnerConfig{
		ComponentTool: a.cfg.ComponentTool,
		ItemTimeout:   a.cfg.ItemTimeout,
		KillGrace:     a.cfg.KillGrace,
	}, a.logger)

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	var report *usecase.RunReport
	err = withEvents(ctx, func(ctx context.Context, events chan<- domain.Event) error {
		var runErr error
		report, runErr = runner.Run(ctx, usecase.RunRequest{
			RunID:       uuid.NewString(),
			Environment: *desc,
			Operations:  ops,
			Silent:      silent,
			Force:       force,
		}, events)
		return runErr
	})
	if err != nil {
		return err
	}

	s := report.Summary
	fmt.Printf("\n%d completed, %d failed, %d skipped", s.Completed, s.Failed, s.Skipped)
	if report.Canceled {
		fmt.Printf(", canceled")
	}
	fmt.Println()
	if s.Failed > 0 {
		for _, res := range report.Results {
			if res.State == domain.StateFailed {
				fmt.Printf("  %v\n", res.Err)
			}
		}
		return fmt.Errorf("%d of %d items failed", s.Failed, len(ops))
	}
	return nil
}

// parseItems maps command line items to install operations.
func parseItems(items []string, expand func(string) string) ([]domain.InstallOperation, error) {
	ops := make([]domain.InstallOperation, 0, len(items))
	for _, item := range items {
		kind, source := classifyItem(item)
		if source == "" {
			return nil, fmt.Errorf("empty install item %q", item)
		}
		op := domain.InstallOperation{Kind: kind, Source: source, DisplayName: source}
		if kind != domain.OpComponent {
			abs, err := filepath.Abs(expand(source))
			if err != nil {
				return nil, fmt.Errorf("install item %q: %w", item, err)
			}
			op.Source = abs
			op.DisplayName = filepath.Base(abs)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func classifyItem(item string) (domain.OperationKind, string) {
	if prefix, rest, ok := strings.Cut(item, ":"); ok {
		switch prefix {
		case "exe":
			return domain.OpNativeInstaller, rest
		case "script":
			return domain.OpScript, rest
		case "component":
			return domain.OpComponent, rest
		}
	}
	switch strings.ToLower(filepath.Ext(item)) {
	case ".exe", ".msi":
		return domain.OpNativeInstaller, item
	case ".verb", ".sh":
		return domain.OpScript, item
	}
	return domain.OpComponent, item
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	dest := a.cfg.RuntimesDir
	if fetchDest != "" {
		dest = a.fs.ExpandHome(fetchDest)
	}
	fetcher := infra.NewFetcher(a.fs, a.cfg.UserAgent, a.logger)

	var url, name string
	checksum := fetchDigest
	switch {
	case fetchLatest != "" && len(args) == 0:
		repo, ok := a.cfg.Sources[fetchLatest]
		if !ok {
			repo = fetchLatest
		}
		rel, err := infra.NewReleaseIndex(a.cfg.UserAgent).LatestRuntime(ctx, repo, fetchFilter)
		if err != nil {
			return err
		}
		url, name = rel.Asset.BrowserDownloadURL, rel.Asset.Name
		fmt.Printf("Latest %s release: %s (%s, %s)\n", repo, rel.Tag, name, humanize.Bytes(uint64(rel.Asset.Size)))
		if checksum == "" && rel.Checksum != nil {
			checksum, err = fetchChecksum(ctx, fetcher, rel.Checksum.BrowserDownloadURL, dest, name)
			if err != nil {
				return err
			}
		}
	case fetchLatest == "" && len(args) == 1:
		url = args[0]
		name = filepath.Base(strings.SplitN(url, "?", 2)[0])
	default:
		return errors.New("give either a URL or --latest SOURCE")
	}

	var archive string
	err = withEvents(ctx, func(ctx context.Context, events chan<- domain.Event) error {
		var fetchErr error
		archive, fetchErr = fetcher.Fetch(ctx, url, filepath.Join(dest, name), events)
		return fetchErr
	})
	if err != nil {
		return err
	}

	if checksum != "" {
		if err := infra.VerifyChecksum(archive, checksum); err != nil {
			_ = a.fs.Delete(archive)
			return err
		}
		fmt.Println("Checksum verified.")
	}

	if fetchNoUnpack {
		fmt.Printf("Saved %s\n", archive)
		return nil
	}
	return unpack(ctx, a, archive)
}

// fetchChecksum downloads a sha256sum/sha512sum file and returns the digest for name.
func fetchChecksum(ctx context.Context, fetcher *infra.Fetcher, url, dir, name string) (string, error) {
	path, err := fetcher.Fetch(ctx, url, filepath.Join(dir, "."+name+".sum"), nil)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum, ok := infra.ParseChecksumList(data, name)
	if !ok {
		return "", fmt.Errorf("checksum file %s has no entry for %s", url, name)
	}
	return sum, nil
}

func runUnpack(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	archive, err := filepath.Abs(a.fs.ExpandHome(args[0]))
	if err != nil {
		return err
	}
	return unpack(ctx, a, archive)
}

func unpack(ctx context.Context, a *app, archive string) error {
	fmt.Printf("Unpacking %s...\n", filepath.Base(archive))
	dir, err := infra.NewArchiveInstaller(a.fs, a.logger).Install(ctx, archive)
	if err != nil {
		return err
	}
	fmt.Printf("Installed to %s\n", dir)
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mode := domain.SnapshotMode(snapshotMode)
	if !mode.Valid() {
		return fmt.Errorf("unknown snapshot mode %q (want full or incremental)", snapshotMode)
	}
	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	root, err := a.resolver.Root(*desc)
	if err != nil {
		return err
	}
	dest := a.cfg.SnapshotsDir
	if snapshotDest != "" {
		dest = a.fs.ExpandHome(snapshotDest)
	}

	store, err := infra.OpenStateStore(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := usecase.NewSnapshotManager(a.pm, a.fs, store, a.locker, a.cfg.SyncTool, a.cfg.KillGrace, a.logger)

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	var outcome *domain.SnapshotOutcome
	err = withEvents(ctx, func(ctx context.Context, events chan<- domain.Event) error {
		var snapErr error
		outcome, snapErr = manager.Snapshot(ctx, usecase.SnapshotRequest{
			Environment:    desc.Name,
			SourceRoot:     root,
			DestinationDir: dest,
			Mode:           mode,
		}, events)
		return snapErr
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoFullSnapshot) {
			return fmt.Errorf("%w: take one with 'wpm snapshot %s --mode full'", err, desc.Name)
		}
		return err
	}
	if outcome.Canceled {
		fmt.Println("Snapshot canceled.")
		return nil
	}
	fmt.Printf("%s snapshot of %s took %s\n", outcome.Mode, desc.Name, outcome.FinishedAt.Sub(outcome.StartedAt).Round(time.Millisecond))
	return nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	store, err := infra.OpenStateStore(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.SnapshotRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No full snapshots recorded.")
		return nil
	}
	for _, r := range records {
		state := ""
		if !a.fs.IsDir(r.LastFullSnapshotPath) {
			state = " (missing)"
		}
		fmt.Printf("%-20s %s%s, %s\n", r.Environment, r.LastFullSnapshotPath, state, humanize.Time(r.UpdatedAt))
	}
	return nil
}

func runRuntimes(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	runtimes, err := usecase.NewRuntimeCatalog(a.cfg.RuntimesDir, a.fs, a.logger).List()
	if err != nil {
		return err
	}
	if len(runtimes) == 0 {
		fmt.Printf("No runtimes in %s. Fetch one with 'wpm fetch --latest ge-proton'.\n", a.cfg.RuntimesDir)
		return nil
	}
	fmt.Printf("%-32s %-13s %-10s %s\n", "NAME", "KIND", "VERSION", "PATH")
	for _, rt := range runtimes {
		version := rt.Version
		if version == "" {
			version = "-"
		}
		fmt.Printf("%-32s %-13s %-10s %s\n", rt.Name, rt.Kind, version, rt.Path)
	}
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	root, err := a.resolver.Root(*desc)
	if err != nil {
		return err
	}
	entries, err := infra.NewFileLedger().Entries(root)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Nothing installed yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	store, err := infra.OpenStateStore(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	env := ""
	if len(args) == 1 {
		env = args[0]
	}
	runs, err := store.ListRuns(env, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No install runs recorded.")
		return nil
	}
	for _, r := range runs {
		status := "ok"
		switch {
		case r.Aborted:
			status = "aborted"
		case r.Canceled > 0:
			status = "canceled"
		case r.Failed > 0:
			status = "failures"
		}
		fmt.Printf("%s  %-16s %-9s %d completed, %d failed, %d skipped  (%s)\n",
			r.StartedAt.Format("2006-01-02 15:04"), r.Environment, status,
			r.Completed, r.Failed, r.Skipped, shortID(r.RunID))
	}
	return nil
}

func runPs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	reaper := usecase.NewProcessReaper(a.resolver, a.pm, a.logger)
	if psAll || len(args) == 0 {
		pids, err := reaper.Servers()
		if err != nil {
			return err
		}
		fmt.Printf("%d wineserver process(es): %v\n", len(pids), pids)
		return nil
	}

	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	procs, err := reaper.List(*desc)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		fmt.Printf("Nothing running in %s.\n", desc.Name)
		return nil
	}
	for _, p := range procs {
		fmt.Printf("%8d  %s\n", p.PID, p.Name)
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := a.environment(args[0])
	if err != nil {
		return err
	}
	result, err := usecase.NewProcessReaper(a.resolver, a.pm, a.logger).Reap(cmd.Context(), *desc)
	if err != nil {
		return err
	}
	fmt.Printf("Killed %d process(es) in %s\n", len(result.KilledPIDs), desc.Name)
	for _, e := range result.Errors {
		fmt.Printf("  %v\n", e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d process(es) could not be killed", len(result.Errors))
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("wpm %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func sortedVars(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
