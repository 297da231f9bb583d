package infra

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	// LedgerFileName is the install ledger kept at the root of every environment.
	LedgerFileName = ".wpm_installed.log"
	// componentToolLogName is the log winetricks keeps of verbs it applied.
	componentToolLogName = "winetricks.log"

	ledgerMarker = "[installed]"
)

// FileLedger implements domain.InstallLedger as an append-only text file
// inside each environment root.
type FileLedger struct {
	mu sync.Mutex
}

// NewFileLedger creates a file-backed install ledger.
func NewFileLedger() *FileLedger {
	return &FileLedger{}
}

// Append writes one ledger line for op.
func (l *FileLedger) Append(root string, op domain.InstallOperation, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s %s kind=%s source=%s name=%s\n",
		at.UTC().Format(time.RFC3339),
		ledgerMarker,
		op.Identifier(),
		op.Kind,
		singleLine(op.Source),
		singleLine(op.DisplayName))

	f, err := os.OpenFile(filepath.Join(root, LedgerFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open install ledger: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to install ledger: %w", err)
	}
	return f.Close()
}

// Installed returns every identifier recorded for root. Verbs listed in the
// component tool's own log count as installed too. Missing files yield an
// empty set.
func (l *FileLedger) Installed(root string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	installed := make(map[string]bool)

	err := scanLines(filepath.Join(root, LedgerFileName), func(line string) {
		_, rest, ok := strings.Cut(line, ledgerMarker)
		if !ok {
			return
		}
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			installed[fields[0]] = true
		}
	})
	if err != nil {
		return nil, err
	}

	err = scanLines(filepath.Join(root, componentToolLogName), func(line string) {
		verb := strings.TrimSpace(line)
		if verb != "" && !strings.HasPrefix(verb, "#") && !strings.ContainsAny(verb, " \t") {
			installed[verb] = true
		}
	})
	if err != nil {
		return nil, err
	}

	return installed, nil
}

// Entries returns the raw ledger lines for root, oldest first.
func (l *FileLedger) Entries(root string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lines []string
	err := scanLines(filepath.Join(root, LedgerFileName), func(line string) {
		if strings.Contains(line, ledgerMarker) {
			lines = append(lines, line)
		}
	})
	return lines, err
}

func scanLines(path string, fn func(line string)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Ensure FileLedger implements domain.InstallLedger.
var _ domain.InstallLedger = (*FileLedger)(nil)
