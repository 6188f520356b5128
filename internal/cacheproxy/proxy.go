package cacheproxy

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAPIPrefix   = "/api/"
	DefaultOfflinePath = "/offline.html"

	// maxCacheableBody bounds what one entry may hold; larger responses
	// pass through uncached.
	maxCacheableBody = 8 << 20
)

type ProxyOptions struct {
	Store       *Store
	UpstreamURL string
	HTTPClient  *http.Client
	APIPrefix   string
	OfflinePath string
	Logger      *zap.Logger
}

// Proxy serves GET traffic cache-first from the active generation, filling
// the cache opportunistically from the upstream. API-prefixed paths and
// non-GET methods always go to the network and are never cached.
type Proxy struct {
	store       *Store
	upstream    *url.URL
	httpClient  *http.Client
	apiPrefix   string
	offlinePath string
	log         *zap.Logger
}

func NewProxy(opts ProxyOptions) (*Proxy, error) {
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
	apiPrefix := strings.TrimSpace(opts.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	offlinePath := strings.TrimSpace(opts.OfflinePath)
	if offlinePath == "" {
		offlinePath = DefaultOfflinePath
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{
		store:       opts.Store,
		upstream:    upstream,
		httpClient:  httpClient,
		apiPrefix:   apiPrefix,
		offlinePath: offlinePath,
		log:         log.Named("cacheproxy"),
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		p.passThrough(w, r)
		return
	}
	if p.isAPIPath(r.URL.Path) {
		// Freshness beats offline availability for API traffic.
		p.passThrough(w, r)
		return
	}

	key := r.URL.RequestURI()
	if entry, ok, err := p.store.Get(key); err == nil && ok {
		writeCachedResponse(w, entry)
		return
	} else if err != nil {
		p.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}

	p.fetchAndFill(w, r, key)
}

// isAPIPath matches the API prefix including the bare path without its
// trailing slash, so "/api" routes like "/api/".
func (p *Proxy) isAPIPath(path string) bool {
	if strings.HasPrefix(path, p.apiPrefix) {
		return true
	}
	trimmed := strings.TrimSuffix(p.apiPrefix, "/")
	return trimmed != "" && path == trimmed
}

func (p *Proxy) fetchAndFill(w http.ResponseWriter, r *http.Request, key string) {
	fetchURL := p.upstreamURL(r)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, fetchURL, nil)
	if err != nil {
		p.serveOffline(w)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Info("upstream fetch failed, serving offline fallback",
			zap.String("key", key), zap.Error(err))
		p.serveOffline(w)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheableBody+1))
	if err != nil {
		p.serveOffline(w)
		return
	}

	if p.cacheable(resp, fetchURL, len(body)) {
		entry := CachedResponse{
			StatusCode: resp.StatusCode,
			Header:     stripHopHeaders(resp.Header),
			Body:       body,
			FetchedAt:  time.Now().UTC(),
		}
		// The body was read once; the stored entry and the written
		// response are both served from the same copy.
		if err := p.store.Put(key, entry); err != nil {
			p.log.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
		}
	}

	copyHeader(w.Header(), stripHopHeaders(resp.Header))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	if len(body) > maxCacheableBody {
		// The buffered prefix hit the entry limit; the rest of the body
		// streams through uncached.
		_, _ = io.Copy(w, resp.Body)
	}
}

// cacheable applies the same-origin 200 filter: only complete, successful,
// non-redirected responses from the configured upstream host are stored.
func (p *Proxy) cacheable(resp *http.Response, fetchURL string, bodyLen int) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if bodyLen > maxCacheableBody {
		return false
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	if resp.Request.URL.Host != p.upstream.Host {
		return false
	}
	// A followed redirect lands on a different URL than the one fetched.
	return resp.Request.URL.String() == fetchURL
}

func (p *Proxy) serveOffline(w http.ResponseWriter) {
	if entry, ok, err := p.store.Get(p.offlinePath); err == nil && ok {
		writeCachedResponse(w, entry)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("offline: the application is not reachable\n"))
}

// passThrough forwards a request to the upstream without touching the cache.
func (p *Proxy) passThrough(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.upstreamURL(r), r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req.Header, r.Header)
	if r.Header.Get("Content-Type") != "" {
		req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), stripHopHeaders(resp.Header))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) upstreamURL(r *http.Request) string {
	target := *p.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery
	return target.String()
}

func writeCachedResponse(w http.ResponseWriter, entry CachedResponse) {
	copyHeader(w.Header(), entry.Header)
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func copyRequestHeaders(dst, src http.Header) {
	for _, name := range []string{"Accept", "Accept-Language", "If-None-Match", "If-Modified-Since"} {
		if value := src.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(src http.Header) http.Header {
	dst := src.Clone()
	for _, name := range hopHeaders {
		dst.Del(name)
	}
	return dst
}
