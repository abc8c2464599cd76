// Package headless resolves search terms by rendering the results page in
// headless Chrome, for when the static page carries no results.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/tracksync/internal/search"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

const resultSelector = "a#video-title, ytd-video-renderer"

// Config controls the behavior of the headless provider.
type Config struct {
	BaseURL           string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Provider implements tracks.SearchProvider using chromedp.
type Provider struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless provider backed by chromedp. Chrome is only
// launched on the first Resolve.
func NewChromedp(cfg Config) (*Provider, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = search.DefaultBaseURL
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Provider{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (p *Provider) Close() {
	p.allocCancel()
}

// Resolve renders the results page for terms and returns its first result.
func (p *Provider) Resolve(ctx context.Context, terms string) (tracks.Target, error) {
	if terms == "" {
		return tracks.Target{}, tracks.ErrNoCandidate
	}
	if err := p.acquire(ctx); err != nil {
		return tracks.Target{}, err
	}
	defer p.release()

	taskCtx, taskCancel := chromedp.NewContext(p.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, p.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	html, err := p.render(taskCtx, search.ResultsURL(p.cfg.BaseURL, terms))
	if err != nil {
		if ctx.Err() != nil {
			return tracks.Target{}, fmt.Errorf("headless search canceled: %w", ctx.Err())
		}
		return tracks.Target{}, err
	}
	return search.FirstTarget(p.cfg.BaseURL, []byte(html))
}

func (p *Provider) render(ctx context.Context, pageURL string) (string, error) {
	var html string
	actions := []chromedp.Action{
		p.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(resultSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (p *Provider) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (p *Provider) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (p *Provider) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

func (p *Provider) navTimeout() time.Duration {
	if p.cfg.NavigationTimeout > 0 {
		return p.cfg.NavigationTimeout
	}
	return 45 * time.Second
}
