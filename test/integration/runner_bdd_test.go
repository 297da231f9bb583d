//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/infra"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/platform"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/usecase"
	"github.com/EstebanKZL/WineProtonManager-sub000/test/fixtures"
)

func collect(events chan domain.Event) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []domain.Event, kind domain.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var _ = Describe("Operation Runner", func() {
	var (
		tmpDir  string
		steam   *fixtures.FakeSteam
		runtime *fixtures.FakeRuntime
		tool    *fixtures.FakeComponentTool
		desc    domain.EnvironmentDescriptor
		ledger  *infra.FileLedger
		store   *infra.StateStore
		logger  *zap.Logger
	)

	newRunner := func(itemTimeout time.Duration) *usecase.Runner {
		pm := infra.NewProcessManager()
		fs := infra.NewFileSystemManager()
		resolver := usecase.NewResolver(fs, pm, platform.NewSteam(steam.Root), time.Second, logger)
		locker := infra.NewFlockRootLocker(filepath.Join(tmpDir, "locks"), logger)
		return usecase.NewRunner(resolver, pm, fs, ledger, locker, store, usecase.RunnerConfig{
			ComponentTool: tool.Path,
			ItemTimeout:   itemTimeout,
			KillGrace:     500 * time.Millisecond,
		}, logger)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "wpm-integration-*")
		Expect(err).NotTo(HaveOccurred())
		logger = zap.NewNop()

		steam = fixtures.NewFakeSteam(filepath.Join(tmpDir, "steam"))
		Expect(steam.Create("1245620")).To(Succeed())

		runtime = fixtures.NewFakeRuntime(filepath.Join(tmpDir, "runtimes", "GE-Proton9-20"), "wine-9.0 (GE)", true)
		Expect(runtime.Create()).To(Succeed())

		tool = fixtures.NewFakeComponentTool(filepath.Join(tmpDir, "tools"))
		tool.Failing = []string{"dxvk"}
		tool.Hanging = []string{"dotnet48"}
		Expect(tool.Create()).To(Succeed())

		desc = domain.EnvironmentDescriptor{
			Name:          "elden",
			Kind:          domain.KindCompatLayer,
			Arch:          domain.Arch64,
			Root:          "/somewhere/else",
			RuntimeDir:    runtime.Dir,
			PlatformAppID: "1245620",
		}

		ledger = infra.NewFileLedger()
		store, err = infra.OpenStateStore(filepath.Join(tmpDir, "data"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
		os.RemoveAll(tmpDir)
	})

	Describe("Run", func() {
		Context("when one component fails", func() {
			It("should isolate the failure and finish the queue", func() {
				events := make(chan domain.Event, 256)
				report, err := newRunner(10*time.Second).Run(context.Background(), usecase.RunRequest{
					Environment: desc,
					Operations: []domain.InstallOperation{
						{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
						{Source: "dxvk", Kind: domain.OpComponent, DisplayName: "DXVK"},
						{Source: "corefonts", Kind: domain.OpComponent, DisplayName: "Core fonts"},
					},
					Silent: true,
				}, events)
				Expect(err).NotTo(HaveOccurred())

				Expect(report.Results).To(HaveLen(3))
				Expect(report.Results[0].State).To(Equal(domain.StateCompleted))
				Expect(report.Results[1].State).To(Equal(domain.StateFailed))
				Expect(report.Results[1].Output).To(ContainSubstring("verb dxvk failed"))
				Expect(report.Results[2].State).To(Equal(domain.StateCompleted))

				got := collect(events)
				Expect(kinds(got, domain.EventRunCompleted)).To(Equal(1))
				Expect(kinds(got, domain.EventItemOutput)).To(BeNumerically(">=", 3))

				Expect(tool.Calls()).To(Equal([]string{"-q vcrun2019", "-q dxvk", "-q corefonts"}))

				pfx := steam.PrefixRoot("1245620")
				installed, err := ledger.Installed(pfx)
				Expect(err).NotTo(HaveOccurred())
				Expect(installed).To(HaveKey("vcrun2019"))
				Expect(installed).To(HaveKey("corefonts"))
				Expect(installed).NotTo(HaveKey("dxvk"))

				runs, err := store.ListRuns("elden", 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(runs).To(HaveLen(1))
				Expect(runs[0].Completed).To(Equal(2))
				Expect(runs[0].Failed).To(Equal(1))
			})
		})

		Context("when a component was already applied", func() {
			It("should skip it on the next run", func() {
				runner := newRunner(10 * time.Second)
				ops := []domain.InstallOperation{{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"}}

				_, err := runner.Run(context.Background(), usecase.RunRequest{Environment: desc, Operations: ops}, nil)
				Expect(err).NotTo(HaveOccurred())

				report, err := runner.Run(context.Background(), usecase.RunRequest{Environment: desc, Operations: ops}, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Results[0].State).To(Equal(domain.StateSkipped))
				Expect(tool.Calls()).To(HaveLen(1))
			})
		})

		Context("when an item hangs", func() {
			It("should time out that item and continue", func() {
				start := time.Now()
				report, err := newRunner(time.Second).Run(context.Background(), usecase.RunRequest{
					Environment: desc,
					Operations: []domain.InstallOperation{
						{Source: "dotnet48", Kind: domain.OpComponent, DisplayName: ".NET 4.8"},
						{Source: "corefonts", Kind: domain.OpComponent, DisplayName: "Core fonts"},
					},
				}, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(time.Since(start)).To(BeNumerically("<", 15*time.Second))

				Expect(report.Results[0].State).To(Equal(domain.StateFailed))
				Expect(errors.Is(report.Results[0].Err, domain.ErrItemTimeout)).To(BeTrue())
				Expect(report.Results[1].State).To(Equal(domain.StateCompleted))
			})
		})

		Context("when canceled during an item", func() {
			It("should report the item canceled and skip the rest", func() {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				events := make(chan domain.Event, 256)

				done := make(chan *usecase.RunReport, 1)
				go func() {
					defer GinkgoRecover()
					report, err := newRunner(time.Minute).Run(ctx, usecase.RunRequest{
						Environment: desc,
						Operations: []domain.InstallOperation{
							{Source: "corefonts", Kind: domain.OpComponent, DisplayName: "Core fonts"},
							{Source: "dotnet48", Kind: domain.OpComponent, DisplayName: ".NET 4.8"},
							{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
						},
					}, events)
					Expect(err).NotTo(HaveOccurred())
					done <- report
				}()

				Eventually(func() []string { return tool.Calls() }, 10*time.Second, 50*time.Millisecond).
					Should(ContainElement("dotnet48"))
				cancel()

				var report *usecase.RunReport
				Eventually(done, 15*time.Second).Should(Receive(&report))
				Expect(report.Canceled).To(BeTrue())
				Expect(report.Results).To(HaveLen(2))
				Expect(report.Results[0].State).To(Equal(domain.StateCompleted))
				Expect(report.Results[1].State).To(Equal(domain.StateCanceled))

				got := collect(events)
				Expect(kinds(got, domain.EventRunCompleted)).To(Equal(0))
				for _, ev := range got {
					Expect(ev.Index).To(BeNumerically("<=", 1))
				}
				Expect(tool.Calls()).NotTo(ContainElement("vcrun2019"))
			})
		})

		Context("when the runtime is missing", func() {
			It("should abort before any item runs", func() {
				Expect(os.RemoveAll(runtime.Dir)).To(Succeed())
				events := make(chan domain.Event, 16)

				_, err := newRunner(10*time.Second).Run(context.Background(), usecase.RunRequest{
					Environment: desc,
					Operations: []domain.InstallOperation{
						{Source: filepath.Join(tmpDir, "7zip-install.exe"), Kind: domain.OpNativeInstaller, DisplayName: "7-Zip"},
						{Source: "vcrun2019", Kind: domain.OpComponent, DisplayName: "VC++ 2019"},
					},
				}, events)

				var fatal *domain.FatalEnvironmentError
				Expect(errors.As(err, &fatal)).To(BeTrue())
				Expect(errors.Is(err, domain.ErrExecutableNotFound)).To(BeTrue())
				Expect(collect(events)).To(BeEmpty())
				Expect(tool.Calls()).To(BeEmpty())
			})
		})

		Context("when running a native installer", func() {
			It("should invoke the runtime with the platform prefix", func() {
				installer := filepath.Join(tmpDir, "downloads", "setup.exe")
				Expect(os.MkdirAll(filepath.Dir(installer), 0755)).To(Succeed())
				Expect(os.WriteFile(installer, []byte("MZ"), 0644)).To(Succeed())

				report, err := newRunner(10*time.Second).Run(context.Background(), usecase.RunRequest{
					Environment: desc,
					Operations:  []domain.InstallOperation{{Source: installer, Kind: domain.OpNativeInstaller, DisplayName: "Setup"}},
				}, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Results[0].State).To(Equal(domain.StateCompleted))

				calls := runtime.Calls()
				Expect(calls).To(HaveLen(1))
				Expect(calls[0]).To(HavePrefix("wine " + installer))
				Expect(strings.HasSuffix(calls[0], "prefix="+steam.PrefixRoot("1245620"))).To(BeTrue())
			})
		})
	})
})
