// Package infra implements infrastructure concerns (processes, filesystem, storage, network).
package infra

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	// DefaultKillGrace is how long a group gets between the cancel signal and SIGKILL.
	DefaultKillGrace = 3 * time.Second

	// outputDrainTimeout bounds how long we keep reading after the child exits.
	// Daemonized grandchildren (wineserver) may hold the pipe open indefinitely.
	outputDrainTimeout = 2 * time.Second
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil and process groups.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs of processes matching the pattern (case-insensitive).
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	patternLower := strings.ToLower(pattern)

	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		if strings.Contains(strings.ToLower(name), patternLower) {
			found = append(found, int(p.Pid))
		}
	}

	return found, nil
}

// FindByEnv returns processes whose environment block contains key=value.
// Processes owned by other users are skipped silently.
func (pm *ProcessManagerImpl) FindByEnv(key, value string) ([]domain.ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	want := key + "=" + value
	var found []domain.ProcessInfo
	for _, p := range procs {
		environ, err := p.Environ()
		if err != nil {
			continue
		}
		for _, kv := range environ {
			if kv != want {
				continue
			}
			name, _ := p.Name()
			found = append(found, domain.ProcessInfo{PID: int(p.Pid), Name: name})
			break
		}
	}
	return found, nil
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// RunGroup starts spec in its own process group with stdout and stderr merged
// into a single pipe, forwarding each line to spec.OnLine.
func (pm *ProcessManagerImpl) RunGroup(ctx context.Context, spec domain.ExecSpec) (*domain.ExecResult, error) {
	if ctx.Err() != nil {
		return &domain.ExecResult{ExitCode: -1, Canceled: true}, nil
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}
	// The child owns the write end now; EOF arrives once every holder closes it.
	pw.Close()
	pgid := cmd.Process.Pid

	var output strings.Builder
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLines(pr, &output, spec.OnLine)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	result := &domain.ExecResult{}
	var waitErr error
	select {
	case waitErr = <-exited:
	case <-timeoutC:
		result.TimedOut = true
		_ = unix.Kill(-pgid, unix.SIGKILL)
		waitErr = <-exited
	case <-ctx.Done():
		result.Canceled = true
		waitErr = terminateGroup(pgid, spec.CancelSignal, spec.KillGrace, exited)
	}

	select {
	case <-readDone:
	case <-time.After(outputDrainTimeout):
	}
	pr.Close()
	<-readDone
	result.Output = output.String()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("failed waiting for %s: %w", spec.Path, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// terminateGroup sends sig to the whole group, waits up to grace for the
// leader to exit, then SIGKILLs whatever is left of the group.
func terminateGroup(pgid int, sig os.Signal, grace time.Duration, exited <-chan error) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	_ = unix.Kill(-pgid, s)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-exited:
		// Leader is gone; reap stragglers still in the group.
		if unix.Kill(-pgid, 0) == nil {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
		return err
	case <-timer.C:
		_ = unix.Kill(-pgid, unix.SIGKILL)
		return <-exited
	}
}

// readLines copies r into out line by line, calling onLine for each line.
func readLines(r io.Reader, out *strings.Builder, onLine func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out.WriteString(line)
			if onLine != nil {
				onLine(strings.TrimRight(line, "\r\n"))
			}
		}
		if err != nil {
			return
		}
	}
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
