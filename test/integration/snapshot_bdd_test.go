//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/infra"
	"github.com/EstebanKZL/WineProtonManager-sub000/internal/usecase"
)

var _ = Describe("Snapshot Manager", func() {
	var (
		tmpDir  string
		source  string
		dest    string
		store   *infra.StateStore
		manager *usecase.SnapshotManager
		clock   time.Time
	)

	BeforeEach(func() {
		if _, err := exec.LookPath("rsync"); err != nil {
			Skip("rsync not installed")
		}

		var err error
		tmpDir, err = os.MkdirTemp("", "wpm-snapshot-*")
		Expect(err).NotTo(HaveOccurred())

		source = filepath.Join(tmpDir, "env", "A")
		dest = filepath.Join(tmpDir, "snapshots")
		Expect(os.MkdirAll(filepath.Join(source, "drive_c", "windows"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(source, "system.reg"), []byte("WINE REGISTRY Version 2\n"), 0644)).To(Succeed())

		store, err = infra.OpenStateStore(filepath.Join(tmpDir, "data"))
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		clock = time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
		manager = usecase.NewSnapshotManagerWithClock(
			infra.NewProcessManager(),
			infra.NewFileSystemManager(),
			store,
			infra.NewFlockRootLocker(filepath.Join(tmpDir, "locks"), logger),
			"rsync",
			func() time.Time { return clock },
			logger,
		)
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
		os.RemoveAll(tmpDir)
	})

	request := func(mode domain.SnapshotMode) usecase.SnapshotRequest {
		return usecase.SnapshotRequest{Environment: "A", SourceRoot: source, DestinationDir: dest, Mode: mode}
	}

	Describe("Snapshot", func() {
		Context("when no full snapshot exists", func() {
			It("should refuse an incremental snapshot", func() {
				_, err := manager.Snapshot(context.Background(), request(domain.SnapshotIncremental), nil)
				Expect(errors.Is(err, domain.ErrNoFullSnapshot)).To(BeTrue())

				_, statErr := os.Stat(dest)
				Expect(os.IsNotExist(statErr)).To(BeTrue())
			})
		})

		Context("when a full snapshot succeeds", func() {
			It("should let the next incremental snapshot update it in place", func() {
				events := make(chan domain.Event, 1024)

				full, err := manager.Snapshot(context.Background(), request(domain.SnapshotFull), events)
				Expect(err).NotTo(HaveOccurred())
				Expect(full.Path).To(Equal(filepath.Join(dest, "A-20260102-030405")))
				Expect(filepath.Join(full.Path, "system.reg")).To(BeARegularFile())
				Expect(full.Path + ".partial").NotTo(BeADirectory())

				recorded, err := store.GetLastFull("A")
				Expect(err).NotTo(HaveOccurred())
				Expect(recorded).To(Equal(full.Path))

				Expect(os.WriteFile(filepath.Join(source, "user.reg"), []byte("changed\n"), 0644)).To(Succeed())
				clock = clock.Add(time.Hour)

				incr, err := manager.Snapshot(context.Background(), request(domain.SnapshotIncremental), events)
				Expect(err).NotTo(HaveOccurred())
				Expect(incr.Path).To(Equal(full.Path))
				Expect(filepath.Join(full.Path, "user.reg")).To(BeARegularFile())

				entries, err := os.ReadDir(dest)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))

				got := collect(events)
				Expect(kinds(got, domain.EventSnapshotCompleted)).To(Equal(2))
				Expect(kinds(got, domain.EventSnapshotOutput)).To(BeNumerically(">", 0))
			})
		})
	})
})
