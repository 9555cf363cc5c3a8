package ports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DiskMediaStore downloads media into a content-addressed local cache.
// The cache key is the SHA-256 of the URL, sharded by the first two hex
// digits; re-downloading a known URL is a no-op.
type DiskMediaStore struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewDiskMediaStore creates a media store rooted at dir.
func NewDiskMediaStore(dir string, timeout time.Duration, logger *slog.Logger) *DiskMediaStore {
	return &DiskMediaStore{
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "media_store"),
	}
}

// Download implements MediaStore. Returns the local path of the cached file.
func (s *DiskMediaStore) Download(ctx context.Context, rawURL string) (string, error) {
	dest, err := s.PathFor(rawURL)
	if err != nil {
		return "", Validation("media.download", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", Validation("media.download", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", Transient("media.download", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", RateLimited("media.download",
			fmt.Errorf("source returned 429 for %s", rawURL), retryAfterHeader(resp))
	case resp.StatusCode >= 500:
		return "", Transient("media.download",
			fmt.Errorf("source returned %d for %s", resp.StatusCode, rawURL))
	case resp.StatusCode >= 400:
		return "", Permanent("media.download",
			fmt.Errorf("source returned %d for %s", resp.StatusCode, rawURL))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", Transient("media.download", err)
	}

	// Write to a temp file and rename so a crashed download never leaves a
	// truncated file at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", Transient("media.download", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", Transient("media.download", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", Transient("media.download", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", Transient("media.download", err)
	}

	s.logger.Debug("media cached", "url", rawURL, "path", dest)
	return dest, nil
}

// PathFor returns the cache path a URL maps to, without downloading.
func (s *DiskMediaStore) PathFor(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid media url %q", rawURL)
	}
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:])
	if ext := strings.ToLower(path.Ext(parsed.Path)); ext != "" && len(ext) <= 8 {
		name += ext
	}
	return filepath.Join(s.dir, name[:2], name), nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
