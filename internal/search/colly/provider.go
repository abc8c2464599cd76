// Package collysearch resolves search terms by scraping a results page with gocolly.
package collysearch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/tracksync/internal/search"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Waiter paces outbound requests; ratelimit.HostLimiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Limiter   Waiter
}

// Provider implements tracks.SearchProvider using the Colly collector.
type Provider struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = search.DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = search.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Provider{cfg: cfg, baseCollector: c}
}

// Resolve fetches the results page for terms and returns its first result.
func (p *Provider) Resolve(ctx context.Context, terms string) (tracks.Target, error) {
	if terms == "" {
		return tracks.Target{}, tracks.ErrNoCandidate
	}
	pageURL := search.ResultsURL(p.cfg.BaseURL, terms)
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx, pageURL); err != nil {
			return tracks.Target{}, fmt.Errorf("search pacing: %w", err)
		}
	}

	var (
		body     []byte
		fetchErr error
	)
	collector := p.baseCollector.Clone()
	collector.UserAgent = p.cfg.UserAgent
	collector.SetRequestTimeout(p.cfg.Timeout)
	p.configureCollectorHooks(collector, &body, &fetchErr)

	if err := runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return tracks.Target{}, err
	}
	return search.FirstTarget(p.cfg.BaseURL, body)
}

func (p *Provider) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "en-US,en;q=0.8")
	})
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly search canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
