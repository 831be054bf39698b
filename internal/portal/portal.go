// Package portal drives the SMS provider's web dashboard through a headless
// Chrome session. It logs in, refreshes the received-SMS view and reads
// service totals, per-number counts and message bodies out of the DOM.
package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

const (
	loginPath    = "/login"
	receivedPath = "/portal/sms/received"

	pollInterval = 250 * time.Millisecond
)

// ErrTimeout is returned when a page condition did not hold in time.
var ErrTimeout = errors.New("portal: timed out waiting for page")

// Config holds browser and portal settings.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// RemoteURL is the DevTools WebSocket URL of an already running Chrome.
	// Empty launches a local one.
	RemoteURL string
	Headless  bool

	LoginTimeout  time.Duration
	LoadTimeout   time.Duration
	CollapseDelay time.Duration

	Logger zerolog.Logger
}

func (c *Config) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 20 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.CollapseDelay < 0 {
		c.CollapseDelay = 0
	}
}

// Portal is a single logged-in browser tab. It is not safe for concurrent
// use; the poll loop drives it from one goroutine.
type Portal struct {
	cfg     Config
	log     zerolog.Logger
	lnch    *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
}

// New creates a Portal. Call Start to open the browser.
func New(cfg Config) *Portal {
	cfg.defaults()
	return &Portal{cfg: cfg, log: cfg.Logger.With().Str("component", "portal").Logger()}
}

// Start launches Chrome (or connects to RemoteURL) and opens a stealth tab.
func (p *Portal) Start(ctx context.Context) error {
	var wsURL string
	if p.cfg.RemoteURL != "" {
		wsURL = p.cfg.RemoteURL
		p.log.Info().Str("url", wsURL).Msg("Connecting to remote browser")
	} else {
		l := launcher.New().
			Context(ctx).
			Headless(p.cfg.Headless).
			NoSandbox(true).
			Set("disable-gpu").
			Set("disable-dev-shm-usage").
			Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
		p.lnch = l
		p.log.Info().Bool("headless", p.cfg.Headless).Msg("Launched local browser")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		p.cleanup()
		return fmt.Errorf("connect browser: %w", err)
	}
	p.browser = b

	page, err := stealth.Page(b)
	if err != nil {
		p.cleanup()
		return fmt.Errorf("open tab: %w", err)
	}
	p.page = page
	return nil
}

// Close shuts the tab and the browser.
func (p *Portal) Close() error {
	var err error
	if p.page != nil {
		err = p.page.Close()
		p.page = nil
	}
	p.cleanup()
	return err
}

func (p *Portal) cleanup() {
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to close browser")
		}
		p.browser = nil
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
		p.lnch = nil
	}
}

func (p *Portal) tab() (*rod.Page, error) {
	if p.page == nil {
		return nil, errors.New("portal: browser not started")
	}
	return p.page, nil
}

func (p *Portal) navigate(ctx context.Context, url string, timeout time.Duration) error {
	page, err := p.tab()
	if err != nil {
		return err
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.log.Warn().Err(err).Str("url", url).Msg("Page load did not settle")
	}
	return nil
}

// eval runs js in the tab. Each call is bounded by LoadTimeout so a hung
// renderer or an open dialog cannot block the caller past it.
func (p *Portal) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	page, err := p.tab()
	if err != nil {
		return nil, err
	}
	evalCtx, cancel := p.callContext(ctx)
	defer cancel()
	return page.Context(evalCtx).Eval(js, args...)
}

func (p *Portal) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.LoadTimeout)
}

// waitFor polls the boolean script js until it returns true, ctx ends or
// timeout passes.
func (p *Portal) waitFor(ctx context.Context, timeout time.Duration, js string, args ...interface{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := p.eval(ctx, js, args...)
		if err == nil && res.Value.Bool() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// html returns the serialized document.
func (p *Portal) html(ctx context.Context) (string, error) {
	res, err := p.eval(ctx, `() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *Portal) currentURL(ctx context.Context) (string, error) {
	res, err := p.eval(ctx, `() => location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
