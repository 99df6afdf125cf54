// Package imagecache keeps brand logos on disk, one file per URL hash.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"callbrand/internal/observability"
)

const (
	defaultMaxBytes        = 2 << 20
	defaultDownloadTimeout = 30 * time.Second
)

type Cache struct {
	Dir             string
	HTTP            *http.Client
	MaxBytes        int64
	DownloadTimeout time.Duration
	Now             func() time.Time

	flight singleflight.Group
}

func New(dir string, httpClient *http.Client) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("image cache dir: %w", err)
	}
	return &Cache{Dir: dir, HTTP: httpClient}, nil
}

// Path is where rawURL is (or would be) stored.
func (c *Cache) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:])+extension(rawURL))
}

// Get returns the local path only if rawURL is already cached.
func (c *Cache) Get(rawURL string) (string, bool) {
	if strings.TrimSpace(rawURL) == "" {
		return "", false
	}
	p := c.Path(rawURL)
	if fi, err := os.Stat(p); err == nil && fi.Size() > 0 {
		observability.ImageCache.WithLabelValues("hit").Inc()
		return p, true
	}
	return "", false
}

// Load returns the cached path, downloading once if absent. Concurrent
// callers for the same URL share one download. The download is detached from
// ctx so one caller giving up does not fail the others; ctx only bounds the wait.
func (c *Cache) Load(ctx context.Context, rawURL string) (string, error) {
	if p, ok := c.Get(rawURL); ok {
		return p, nil
	}
	if err := validURL(rawURL); err != nil {
		return "", err
	}
	ch := c.flight.DoChan(rawURL, func() (any, error) {
		if p, ok := c.Get(rawURL); ok {
			return p, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.downloadTimeout())
		defer cancel()
		return c.download(dctx, rawURL)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.ImageCache.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type Result struct {
	Path string
	Err  error
}

// LoadAsync runs Load in the background; the channel receives exactly one Result.
func (c *Cache) LoadAsync(ctx context.Context, rawURL string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		p, err := c.Load(ctx, rawURL)
		out <- Result{Path: p, Err: err}
	}()
	return out
}

func (c *Cache) download(ctx context.Context, rawURL string) (string, error) {
	observability.ImageCache.WithLabelValues("miss").Inc()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		observability.ImageCache.WithLabelValues("error").Inc()
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.ImageCache.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetch %s: http %d", rawURL, resp.StatusCode)
	}

	limit := c.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	tmp, err := os.CreateTemp(c.Dir, ".dl-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", errors.New("empty image body")
	}
	if n > limit {
		return "", fmt.Errorf("image exceeds %d bytes", limit)
	}

	dst := c.Path(rawURL)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	slog.Debug("logo cached", "url", rawURL, "bytes", n)
	return dst, nil
}

// Cleanup removes cached files not modified within maxAge.
func (c *Cache) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Prefetch loads every distinct URL with at most workers downloads in flight.
// Failures are logged; the number of cached URLs is returned.
func (c *Cache) Prefetch(ctx context.Context, urls []string, workers int) int {
	if workers <= 0 {
		workers = 4
	}
	seen := make(map[string]bool, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	results := make(chan bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		g.Go(func() error {
			_, err := c.Load(gctx, u)
			if err != nil {
				slog.Debug("logo prefetch failed", "url", u, "err", err)
			}
			results <- err == nil
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	ok := 0
	for r := range results {
		if r {
			ok++
		}
	}
	return ok
}

func (c *Cache) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Cache) downloadTimeout() time.Duration {
	if c.DownloadTimeout > 0 {
		return c.DownloadTimeout
	}
	return defaultDownloadTimeout
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func validURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported image url scheme %q", u.Scheme)
	}
	return nil
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".img"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg":
		return ext
	}
	return ".img"
}
