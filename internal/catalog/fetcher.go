package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
)

// Status codes the fetcher reacts to.
const (
	statusOK          = 200
	statusForbidden   = 403
	statusTooManyReqs = 429
)

// maxResponseBodyBytes limits the size of fetched page responses.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MB

// challengeMarker appears in the interstitial page served to a flagged
// session instead of results.
const challengeMarker = "Pardon Our Interruption"

// CookieSource yields the session cookie bound to a proxy. An empty cookie
// means the session is not seeded yet.
type CookieSource interface {
	Get(ctx context.Context, proxyKey string) (string, error)
}

// FetcherConfig configures the HTTP fetcher.
type FetcherConfig struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
}

// Fetcher retrieves catalog and detail pages over HTTP. Each proxy gets its
// own http.Client so transports and connection pools stay per-egress.
type Fetcher struct {
	cfg      FetcherConfig
	sessions CookieSource
	log      logger.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFetcher creates a page fetcher. sessions may be nil when the upstream
// needs no session cookie.
func NewFetcher(cfg FetcherConfig, sessions CookieSource, log logger.Logger) *Fetcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:      cfg,
		sessions: sessions,
		log:      log,
		clients:  make(map[string]*http.Client),
	}
}

// FetchCatalogPage retrieves one page of search results for a query.
func (f *Fetcher) FetchCatalogPage(ctx context.Context, query string, page int, proxy *domain.Proxy) (string, error) {
	u := f.cfg.BaseURL + "/sch/i.html?_nkw=" + url.QueryEscape(query) +
		"&_pgn=" + strconv.Itoa(page)
	return f.fetch(ctx, u, proxy)
}

// FetchDetailPage retrieves one listing's detail page.
func (f *Fetcher) FetchDetailPage(ctx context.Context, number string, proxy *domain.Proxy) (string, error) {
	return f.fetch(ctx, f.cfg.BaseURL+"/itm/"+url.PathEscape(number), proxy)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, proxy *domain.Proxy) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")
	f.setSessionCookie(ctx, req, proxy)

	resp, err := f.client(proxy).Do(req)
	if err != nil {
		return "", fmt.Errorf("http fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == statusForbidden || resp.StatusCode == statusTooManyReqs:
		return "", fmt.Errorf("http status %d: %w", resp.StatusCode, ErrUpstreamBlocked)
	case resp.StatusCode != statusOK:
		return "", fmt.Errorf("unexpected http status %d", resp.StatusCode)
	case strings.Contains(string(body), challengeMarker):
		return "", fmt.Errorf("challenge page served: %w", ErrUpstreamBlocked)
	}

	return string(body), nil
}

// setSessionCookie attaches the proxy's session cookie when one is seeded.
// A missing cookie is not an error; the first request of a fresh session
// runs bare.
func (f *Fetcher) setSessionCookie(ctx context.Context, req *http.Request, proxy *domain.Proxy) {
	if f.sessions == nil {
		return
	}
	cookie, err := f.sessions.Get(ctx, ProxyKey(proxy))
	if err != nil {
		f.log.Debug("no session cookie for request",
			logger.String("proxy", ProxyKey(proxy)), logger.Error(err))
		return
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

// client returns the http.Client for a proxy, building it on first use.
func (f *Fetcher) client(proxy *domain.Proxy) *http.Client {
	key := ProxyKey(proxy)

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c
	}

	c := &http.Client{Timeout: f.cfg.RequestTimeout}
	if proxy != nil {
		if proxyURL, err := url.Parse(proxy.URL()); err == nil {
			c.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		} else {
			f.log.Warn("malformed proxy, fetching direct",
				logger.String("proxy", proxy.Server), logger.Error(err))
		}
	}

	f.clients[key] = c
	return c
}

// ProxyKey names a proxy for session and delay bookkeeping. Direct
// connections share the empty key.
func ProxyKey(proxy *domain.Proxy) string {
	if proxy == nil {
		return ""
	}
	return proxy.Server
}
