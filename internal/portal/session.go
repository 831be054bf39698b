package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSessionLost means the portal redirected to its login page.
	ErrSessionLost = errors.New("portal: session lost")

	// ErrLoginFailed means the credentials were submitted but the portal
	// stayed on the login page.
	ErrLoginFailed = errors.New("portal: login failed")
)

const (
	spinnerGoneJS = `() => {
		const el = document.querySelector('.waitMe_container');
		return !el || el.offsetParent === null || getComputedStyle(el).display === 'none';
	}`

	resultsPresentJS = `() => document.getElementById('ResultCDR') !== null`
	loginFormJS      = `() => document.querySelector('input[name=email]') !== null && document.querySelector('input[name=password]') !== null`

	submitLoginJS = `() => {
		const btn = document.querySelector('button[name=submit]');
		if (!btn) return false;
		btn.click();
		return true;
	}`

	popoverNextJS = `() => {
		const btn = document.querySelector('.driver-popover-next-btn');
		if (!btn || btn.offsetParent === null) return false;
		btn.click();
		return true;
	}`

	popoverTimeout = 5 * time.Second
	settleDelay    = 2 * time.Second
)

// Login signs in and opens the received-SMS view. It is also used to
// re-authenticate after ErrSessionLost.
func (p *Portal) Login(ctx context.Context) error {
	p.log.Info().Str("url", p.cfg.BaseURL+loginPath).Msg("Logging in")

	if err := p.navigate(ctx, p.cfg.BaseURL+loginPath, p.cfg.LoginTimeout); err != nil {
		return err
	}
	if err := p.waitFor(ctx, p.cfg.LoginTimeout, loginFormJS); err != nil {
		return fmt.Errorf("login form: %w", err)
	}

	page, err := p.tab()
	if err != nil {
		return err
	}
	formCtx, cancel := context.WithTimeout(ctx, p.cfg.LoginTimeout)
	defer cancel()
	fields := []struct{ selector, value string }{
		{"input[name=email]", p.cfg.Username},
		{"input[name=password]", p.cfg.Password},
	}
	for _, f := range fields {
		el, err := page.Context(formCtx).Element(f.selector)
		if err != nil {
			return fmt.Errorf("find %s: %w", f.selector, err)
		}
		if err := el.Input(f.value); err != nil {
			return fmt.Errorf("fill %s: %w", f.selector, err)
		}
	}

	res, err := p.eval(ctx, submitLoginJS)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	if !res.Value.Bool() {
		return errors.New("submit login: button not found")
	}
	if err := sleep(ctx, settleDelay); err != nil {
		return err
	}

	if err := p.openReceived(ctx); err != nil {
		return err
	}
	p.dismissPopovers(ctx)
	p.log.Info().Msg("Logged in")
	return nil
}

// openReceived navigates to the received-SMS view and waits for the
// results container.
func (p *Portal) openReceived(ctx context.Context) error {
	if err := p.navigate(ctx, p.cfg.BaseURL+receivedPath, p.cfg.LoginTimeout); err != nil {
		return err
	}
	if err := p.checkSession(ctx); err != nil {
		if errors.Is(err, ErrSessionLost) {
			return ErrLoginFailed
		}
		return err
	}
	if err := p.waitFor(ctx, p.cfg.LoadTimeout, spinnerGoneJS); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Err(err).Msg("Loading spinner still visible, continuing")
	}
	if err := p.waitFor(ctx, p.cfg.LoginTimeout, resultsPresentJS); err != nil {
		return fmt.Errorf("received view: %w", err)
	}
	return nil
}

// dismissPopovers clicks through the two-step tutorial the portal shows
// after login. Missing popovers are not an error.
func (p *Portal) dismissPopovers(ctx context.Context) {
	for step := 0; step < 2; step++ {
		if err := p.waitFor(ctx, popoverTimeout, popoverNextJS); err != nil {
			p.log.Debug().Int("step", step).Msg("No tutorial popup")
			return
		}
		if err := sleep(ctx, time.Second); err != nil {
			return
		}
	}
	p.log.Info().Msg("Closed tutorial popup")
}

// checkSession returns ErrSessionLost when the tab sits on the login page.
func (p *Portal) checkSession(ctx context.Context) error {
	u, err := p.currentURL(ctx)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}
	if strings.Contains(u, loginPath) {
		return ErrSessionLost
	}
	return nil
}
