// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FakeRuntime builds a runtime tree whose wine and wineserver are shell
// scripts. The fake wine answers --version and otherwise logs its arguments
// and environment prefix to CallLog.
type FakeRuntime struct {
	Dir     string
	Version string
	// CompatLayer lays the binaries out under files/bin like Proton.
	CompatLayer bool
	CallLog     string
}

// NewFakeRuntime creates a fake runtime generator rooted at dir.
func NewFakeRuntime(dir, version string, compatLayer bool) *FakeRuntime {
	return &FakeRuntime{
		Dir:         dir,
		Version:     version,
		CompatLayer: compatLayer,
		CallLog:     filepath.Join(dir, "calls.log"),
	}
}

// BinDir returns the directory holding the fake executables.
func (f *FakeRuntime) BinDir() string {
	if f.CompatLayer {
		return filepath.Join(f.Dir, "files", "bin")
	}
	return filepath.Join(f.Dir, "bin")
}

// Create writes the runtime tree.
func (f *FakeRuntime) Create() error {
	if err := os.MkdirAll(f.BinDir(), 0755); err != nil {
		return err
	}
	wine := fmt.Sprintf(`#!/bin/sh
if [ "$1" = "--version" ]; then
  echo %q
  exit 0
fi
echo "wine $* prefix=$WINEPREFIX" >> %q
echo "running $*"
exit 0
`, f.Version, f.CallLog)
	if err := writeScript(filepath.Join(f.BinDir(), "wine"), wine); err != nil {
		return err
	}
	return writeScript(filepath.Join(f.BinDir(), "wineserver"), "#!/bin/sh\nexit 0\n")
}

// Calls returns the logged invocations, one per line.
func (f *FakeRuntime) Calls() []string {
	return readLines(f.CallLog)
}

// FakeComponentTool is a winetricks stand-in. Components listed in Failing
// exit 1; components listed in Hanging sleep until killed.
type FakeComponentTool struct {
	Path    string
	CallLog string
	Failing []string
	Hanging []string
}

// NewFakeComponentTool creates a fake component tool at dir/winetricks.
func NewFakeComponentTool(dir string) *FakeComponentTool {
	return &FakeComponentTool{
		Path:    filepath.Join(dir, "winetricks"),
		CallLog: filepath.Join(dir, "winetricks-calls.log"),
	}
}

// Create writes the script.
func (f *FakeComponentTool) Create() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "echo \"$*\" >> %q\n", f.CallLog)
	b.WriteString("for last; do :; done\n")
	b.WriteString("echo \"Executing verb $last in $WINEPREFIX\"\n")
	b.WriteString("case \"$last\" in\n")
	for _, name := range f.Failing {
		fmt.Fprintf(&b, "  %s) echo \"verb $last failed\" >&2; exit 1 ;;\n", name)
	}
	for _, name := range f.Hanging {
		fmt.Fprintf(&b, "  %s) sleep 60 & wait ;;\n", name)
	}
	b.WriteString("esac\nexit 0\n")
	return writeScript(f.Path, b.String())
}

// Calls returns the logged argument lists, one per line.
func (f *FakeComponentTool) Calls() []string {
	return readLines(f.CallLog)
}

// FakeSteam creates the compatdata layout of a Steam client.
type FakeSteam struct {
	Root string
}

// NewFakeSteam creates a fake Steam tree generator.
func NewFakeSteam(root string) *FakeSteam {
	return &FakeSteam{Root: root}
}

// Create creates compatdata/<appID>/pfx/drive_c for each app id.
func (f *FakeSteam) Create(appIDs ...string) error {
	for _, id := range appIDs {
		drive := filepath.Join(f.Root, "steamapps", "compatdata", id, "pfx", "drive_c")
		if err := os.MkdirAll(drive, 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(drive, ".marker"), []byte(id), 0644); err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Join(f.Root, "steamapps", "common"), 0755)
}

// PrefixRoot returns the pfx directory of appID.
func (f *FakeSteam) PrefixRoot(appID string) string {
	return filepath.Join(f.Root, "steamapps", "compatdata", appID, "pfx")
}

func writeScript(path, content string) error {
	return os.WriteFile(path, []byte(content), 0755)
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
