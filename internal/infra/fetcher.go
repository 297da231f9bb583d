package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

const (
	// fetchChunkSize is the read size for streaming downloads.
	fetchChunkSize = 8 * 1024
	// MinFreeSpaceUnknownSize is required free space when the server omits Content-Length.
	MinFreeSpaceUnknownSize = 500 * 1000 * 1000
	// DefaultUserAgent identifies downloads made by wpm.
	DefaultUserAgent = "wpm"
)

// Fetcher streams remote runtime archives to disk.
type Fetcher struct {
	client    *http.Client
	fs        domain.FileSystemManager
	userAgent string
	logger    *zap.Logger
}

// NewFetcher creates a fetcher. The client carries no overall timeout since
// runtime archives can take minutes; callers cancel through the context.
func NewFetcher(fs domain.FileSystemManager, userAgent string, logger *zap.Logger) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		fs:        fs,
		userAgent: userAgent,
		logger:    logger,
	}
}

// NewFetcherWithClient creates a fetcher with a custom HTTP client (for testing).
func NewFetcherWithClient(client *http.Client, fs domain.FileSystemManager, userAgent string, logger *zap.Logger) *Fetcher {
	f := NewFetcher(fs, userAgent, logger)
	f.client = client
	return f
}

// Fetch downloads url to destPath and returns destPath. Progress percentages
// are sent on events only when the server declares the content length.
// A canceled or failed transfer never leaves a partial file behind.
func (f *Fetcher) Fetch(ctx context.Context, url, destPath string, events chan<- domain.Event) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: %w", url, domain.ErrCanceled)
		}
		return "", &domain.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	if err := f.checkSpace(destPath, total); err != nil {
		return "", err
	}

	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("failed to remove stale file: %w", err)}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("failed to create destination directory: %w", err)}
	}

	f.logger.Info("downloading",
		zap.String("url", url),
		zap.String("dest", destPath),
		zap.Int64("size", total))

	written, err := f.stream(ctx, resp.Body, destPath, total, events)
	if err != nil {
		if rmErr := os.Remove(destPath); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn("failed to remove partial download", zap.String("path", destPath), zap.Error(rmErr))
		}
		if errors.Is(err, domain.ErrCanceled) {
			return "", fmt.Errorf("fetch %s: %w", url, err)
		}
		return "", &domain.FetchError{URL: url, Err: err}
	}

	f.logger.Info("download complete", zap.String("dest", destPath), zap.Int64("bytes", written))
	// Percent stays zero when the size was never known.
	done := domain.Event{Kind: domain.EventDownloadCompleted, DisplayName: filepath.Base(destPath)}
	if total > 0 {
		done.Percent = 100
	}
	domain.Send(events, done, domain.DefaultSendWait)
	return destPath, nil
}

// checkSpace fails with InsufficientSpaceError when the destination volume
// cannot hold twice the declared size (or the fixed floor when unknown).
func (f *Fetcher) checkSpace(destPath string, total int64) error {
	required := uint64(MinFreeSpaceUnknownSize)
	if total > 0 {
		required = 2 * uint64(total)
	}

	free, err := f.fs.FreeSpace(filepath.Dir(destPath))
	if err != nil {
		return fmt.Errorf("failed to check free space: %w", err)
	}
	if free < required {
		return &domain.InsufficientSpaceError{
			Path:      filepath.Dir(destPath),
			Required:  required,
			Available: free,
			Message: fmt.Sprintf("not enough free space in %s: need %s, only %s available",
				filepath.Dir(destPath), humanize.Bytes(required), humanize.Bytes(free)),
		}
	}
	return nil
}

// stream copies body to destPath in fixed-size chunks, checking ctx between reads.
func (f *Fetcher) stream(ctx context.Context, body io.Reader, destPath string, total int64, events chan<- domain.Event) (int64, error) {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", destPath, err)
	}

	buf := make([]byte, fetchChunkSize)
	var written int64
	lastPercent := -1
	name := filepath.Base(destPath)

	for {
		if ctx.Err() != nil {
			out.Close()
			return written, domain.ErrCanceled
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return written, fmt.Errorf("failed to write %s: %w", destPath, err)
			}
			written += int64(n)

			if total > 0 {
				percent := int(written * 100 / total)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					domain.Send(events, domain.Event{
						Kind:        domain.EventDownloadProgress,
						DisplayName: name,
						Percent:     percent,
					}, domain.DefaultSendWait)
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			if ctx.Err() != nil {
				return written, domain.ErrCanceled
			}
			return written, fmt.Errorf("transfer interrupted: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close %s: %w", destPath, err)
	}
	if total > 0 && written != total {
		return written, fmt.Errorf("short transfer: got %d of %d bytes", written, total)
	}
	return written, nil
}
