package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound means a required runtime or tool binary is missing.
	ErrExecutableNotFound = errors.New("executable not found")
	// ErrInvalidDescriptor means an environment descriptor is incomplete or inconsistent.
	ErrInvalidDescriptor = errors.New("invalid environment descriptor")
	// ErrEnvironmentBusy means another operation holds the environment root.
	ErrEnvironmentBusy = errors.New("environment is busy")
	// ErrEnvironmentNotFound means no descriptor exists under the requested name.
	ErrEnvironmentNotFound = errors.New("environment not found")

	// ErrItemTimeout matches ItemFailure values caused by the per-item timeout.
	ErrItemTimeout = errors.New("item timed out")
	// ErrItemCanceled is the error attached to an item interrupted by cancellation.
	ErrItemCanceled = errors.New("item canceled")

	// ErrInsufficientSpace matches InsufficientSpaceError values.
	ErrInsufficientSpace = errors.New("insufficient disk space")
	// ErrCanceled is returned by fetch and snapshot calls interrupted by their context.
	ErrCanceled = errors.New("operation canceled")

	// ErrNoFullSnapshot is the incremental snapshot precondition failure.
	ErrNoFullSnapshot = errors.New("no prior full snapshot")

	// ErrChecksumMismatch means a downloaded archive does not match its published digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrStateKeyMissing means a key source holds no state database key yet.
	ErrStateKeyMissing = errors.New("state key not found")
)

// FatalEnvironmentError aborts a whole run before any item executes.
type FatalEnvironmentError struct {
	Environment string
	Err         error
}

func (e *FatalEnvironmentError) Error() string {
	return fmt.Sprintf("environment %q unusable: %v", e.Environment, e.Err)
}

func (e *FatalEnvironmentError) Unwrap() error { return e.Err }

// ItemFailure is a per-item failure; the run continues with the next item.
type ItemFailure struct {
	DisplayName string
	ExitCode    int
	Timeout     bool
	Output      string
	Err         error
}

func (e *ItemFailure) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timed out", e.DisplayName)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.DisplayName, e.Err)
	default:
		return fmt.Sprintf("%s: exited with status %d", e.DisplayName, e.ExitCode)
	}
}

func (e *ItemFailure) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrItemTimeout) true for timed out items.
func (e *ItemFailure) Is(target error) bool {
	return target == ErrItemTimeout && e.Timeout
}

// FetchError is a transport or status failure while downloading.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: server returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InsufficientSpaceError is the fetch preflight failure.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
	Message   string
}

func (e *InsufficientSpaceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("insufficient disk space at %s: need %d bytes, have %d", e.Path, e.Required, e.Available)
}

func (e *InsufficientSpaceError) Is(target error) bool { return target == ErrInsufficientSpace }

// InstallError is an extraction, format or move failure while installing an archive.
type InstallError struct {
	Archive string
	Op      string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %s: %v", e.Archive, e.Op, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// SnapshotToolError is a non-zero exit of the external sync tool.
type SnapshotToolError struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *SnapshotToolError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}
