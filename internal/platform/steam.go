package platform

import (
	"os"
	"path/filepath"
)

// Steam variable names read by Proton.
const (
	VarCompatDataPath   = "STEAM_COMPAT_DATA_PATH"
	VarClientInstall    = "STEAM_COMPAT_CLIENT_INSTALL_PATH"
	VarShaderPath       = "STEAM_COMPAT_SHADER_PATH"
	VarCompatMounts     = "STEAM_COMPAT_MOUNTS"
	steamAppsDir        = "steamapps"
	steamCompatDataDir  = "compatdata"
	steamShaderCacheDir = "shadercache"
	steamCommonDir      = "common"
)

// Steam implements CompatPlatform for the Steam client on Linux.
type Steam struct {
	root string
}

// NewSteam creates a Steam locator for the client installed at root.
// An empty root falls back to ~/.steam/steam.
func NewSteam(root string) *Steam {
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".steam", "steam")
	}
	return &Steam{root: root}
}

func (s *Steam) ID() string {
	return "steam"
}

func (s *Steam) Name() string {
	return "Steam"
}

// ClientRoot returns the Steam installation directory.
func (s *Steam) ClientRoot() string {
	return s.root
}

// CompatRoot returns steamapps/compatdata.
func (s *Steam) CompatRoot() string {
	return filepath.Join(s.root, steamAppsDir, steamCompatDataDir)
}

// PrefixRoot returns compatdata/<appID>/pfx.
func (s *Steam) PrefixRoot(appID string) string {
	return filepath.Join(s.CompatRoot(), appID, "pfx")
}

// CompatVars returns the four STEAM_COMPAT_* variables for appID.
func (s *Steam) CompatVars(appID string) map[string]string {
	return map[string]string{
		VarCompatDataPath: filepath.Join(s.CompatRoot(), appID),
		VarClientInstall:  s.root,
		VarShaderPath:     filepath.Join(s.root, steamAppsDir, steamShaderCacheDir, appID),
		VarCompatMounts:   filepath.Join(s.root, steamAppsDir, steamCommonDir),
	}
}

// Ensure Steam implements CompatPlatform.
var _ CompatPlatform = (*Steam)(nil)
