package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/grab/v3"
)

// ErrEmptyResource is returned when the fetched resource holds no data.
var ErrEmptyResource = errors.New("element-set resource is empty")

// Fetcher retrieves the element-set text from a configured location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Resource is the default Fetcher. http(s) locations are downloaded into
// CacheDir with grab; anything else is read as a local file.
type Resource struct {
	CacheDir string
	Client   *grab.Client
}

// NewResource returns a fetcher caching downloads in cacheDir. An empty
// cacheDir uses a per-process temporary directory.
func NewResource(cacheDir string) *Resource {
	return &Resource{CacheDir: cacheDir, Client: grab.NewClient()}
}

// Fetch reads the whole resource. It performs exactly one attempt.
func (r *Resource) Fetch(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("no source location configured")
	}

	path := location
	if isRemote(location) {
		var err error
		path, err = r.download(ctx, location)
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%s: %w", location, ErrEmptyResource)
	}
	return data, nil
}

func (r *Resource) download(ctx context.Context, url string) (string, error) {
	dir := r.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "satellite-globe")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir %q: %w", dir, err)
	}

	req, err := grab.NewRequest(filepath.Join(dir, cacheName(url)), url)
	if err != nil {
		return "", fmt.Errorf("build download request for %q: %w", url, err)
	}
	// Element sets are republished in place; a partial file from an older
	// revision must never be resumed.
	req.NoResume = true
	req = req.WithContext(ctx)

	client := r.Client
	if client == nil {
		client = grab.NewClient()
	}
	resp := client.Do(req)
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("download %q: %w", url, err)
	}
	return resp.Filename, nil
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// cacheName maps a URL to a stable file name; query strings such as
// gp.php?GROUP=active make the URL's base name useless on its own.
func cacheName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8]) + ".txt"
}
