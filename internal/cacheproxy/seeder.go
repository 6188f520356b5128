package cacheproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultSeedPaths are the assets fetched into a fresh cache generation at
// install time. The offline fallback rides along so it is available before
// the first organic miss.
func DefaultSeedPaths() []string {
	return []string{"/", "/index.html", "/manifest.json", DefaultOfflinePath}
}

type SeederOptions struct {
	Store       *Store
	UpstreamURL string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Seeder fills a cache generation from the upstream. A missing optional
// asset never blocks installation; per-path failures are logged and joined
// into the returned error for the caller to downgrade.
type Seeder struct {
	store      *Store
	upstream   *url.URL
	httpClient *http.Client
	log        *zap.Logger
}

func NewSeeder(opts SeederOptions) (*Seeder, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	upstream, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.UpstreamURL), "/"))
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Seeder{
		store:      opts.Store,
		upstream:   upstream,
		httpClient: httpClient,
		log:        log.Named("seeder"),
	}, nil
}

// Seed fetches each path into the active generation. Existing entries are
// left untouched.
func (s *Seeder) Seed(ctx context.Context, paths []string) error {
	if s == nil {
		return ErrInvalidInput
	}
	if len(paths) == 0 {
		paths = DefaultSeedPaths()
	}
	var failed []string
	for _, path := range paths {
		if err := s.seedOne(ctx, path); err != nil {
			s.log.Warn("asset seed failed", zap.String("path", path), zap.Error(err))
			failed = append(failed, path)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("seeding failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (s *Seeder) seedOne(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return ErrInvalidInput
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	target := *s.upstream
	target.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheableBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxCacheableBody {
		return fmt.Errorf("asset exceeds the cache entry limit")
	}
	return s.store.Put(path, CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     stripHopHeaders(resp.Header),
		Body:       body,
		FetchedAt:  time.Now().UTC(),
	})
}
