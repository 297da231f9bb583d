package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	githubAPIBaseURL = "https://api.github.com"
	githubAPITimeout = 30 * time.Second
)

// GitHubRelease represents a GitHub release response.
type GitHubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a release asset.
type GitHubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// RuntimeRelease is a downloadable runtime archive picked from a release.
type RuntimeRelease struct {
	Repo  string
	Tag   string
	Asset GitHubAsset
	// Checksum is the published sha256sum/sha512sum asset for Asset, if any.
	Checksum *GitHubAsset
}

// ReleaseIndex looks up the newest runtime archives published as GitHub
// releases (Proton-GE, Wine-GE, Kron4ek builds and similar).
type ReleaseIndex struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

// NewReleaseIndex creates a release index against the public GitHub API.
// The client has no timeout; each request carries its own.
func NewReleaseIndex(userAgent string) *ReleaseIndex {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &ReleaseIndex{
		client:    &http.Client{},
		baseURL:   githubAPIBaseURL,
		userAgent: userAgent,
	}
}

// NewReleaseIndexWithClient creates a release index against a custom API base URL (for testing).
func NewReleaseIndexWithClient(client *http.Client, baseURL, userAgent string) *ReleaseIndex {
	idx := NewReleaseIndex(userAgent)
	idx.client = client
	idx.baseURL = strings.TrimSuffix(baseURL, "/")
	return idx
}

// LatestRelease fetches the latest release of repo ("owner/name").
func (r *ReleaseIndex) LatestRelease(ctx context.Context, repo string) (*GitHubRelease, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository %q: want owner/name", repo)
	}

	ctx, cancel := context.WithTimeout(ctx, githubAPITimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", r.baseURL, owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d for %s", resp.StatusCode, repo)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release: %w", err)
	}
	return &release, nil
}

// LatestRuntime returns the first asset of the latest release that is an
// installable archive and contains filter (case-insensitive, empty matches all).
func (r *ReleaseIndex) LatestRuntime(ctx context.Context, repo, filter string) (*RuntimeRelease, error) {
	release, err := r.LatestRelease(ctx, repo)
	if err != nil {
		return nil, err
	}
	asset, err := findRuntimeAsset(release, filter)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", repo, release.TagName, err)
	}
	return &RuntimeRelease{
		Repo:     repo,
		Tag:      release.TagName,
		Asset:    *asset,
		Checksum: findChecksumAsset(release, asset.Name),
	}, nil
}

func findRuntimeAsset(release *GitHubRelease, filter string) (*GitHubAsset, error) {
	filter = strings.ToLower(filter)
	for i := range release.Assets {
		asset := &release.Assets[i]
		name := strings.ToLower(asset.Name)
		if format, _ := detectArchive(asset.Name); format == formatUnknown {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		return asset, nil
	}
	return nil, fmt.Errorf("no runtime archive among %d assets", len(release.Assets))
}

// findChecksumAsset matches "<archive>.sha512sum" or "<stem>.sha512sum"
// (and the sha256 variants) against the release assets.
func findChecksumAsset(release *GitHubRelease, archiveName string) *GitHubAsset {
	_, stem := detectArchive(archiveName)
	var candidates []string
	for _, ext := range []string{".sha512sum", ".sha256sum"} {
		candidates = append(candidates, archiveName+ext, stem+ext)
	}
	for _, want := range candidates {
		for i := range release.Assets {
			if release.Assets[i].Name == want {
				return &release.Assets[i]
			}
		}
	}
	return nil
}
