package portal

import (
	"context"
	"errors"
	"fmt"

	"otp-relay/internal/snapshot"
)

const (
	clickGetSMSJS = `() => {
		const btn = Array.from(document.querySelectorAll('button')).find(b => b.textContent.includes('Get SMS'));
		if (!btn) return false;
		btn.click();
		return true;
	}`

	clickServiceJS = `(id) => {
		const want = "getDetials('" + id + "')";
		const el = Array.from(document.querySelectorAll('div[onclick]')).find(d => d.getAttribute('onclick').includes(want));
		if (!el) return false;
		el.click();
		return true;
	}`

	countNumbersJS = `(panel) => {
		let n = 0;
		for (const p of document.getElementsByClassName(panel)) {
			n += p.querySelectorAll('div[onclick*="getDetialsNumber"]').length;
		}
		return n;
	}`

	hasNumbersJS = `(panel) => Array.from(document.getElementsByClassName(panel)).some(p => p.querySelector('div[onclick*="getDetialsNumber"]') !== null)`

	clickNumberJS = `(panel, number) => {
		for (const p of document.getElementsByClassName(panel)) {
			for (const d of p.querySelectorAll('div[onclick*="getDetialsNumber"]')) {
				if (d.textContent.trim() === number) {
					d.click();
					return true;
				}
			}
		}
		return false;
	}`

	countMessagesJS  = `() => document.querySelectorAll('.ContentSMS.open .card.bg-soft-dark').length`
	enoughMessagesJS = `(want) => document.querySelectorAll('.ContentSMS.open .card.bg-soft-dark').length >= want`
)

// Refresh asks the portal to reload the received-SMS view and waits for it
// to settle. It returns ErrSessionLost when the portal has logged us out.
func (p *Portal) Refresh(ctx context.Context) error {
	if err := p.checkSession(ctx); err != nil {
		return err
	}
	res, err := p.eval(ctx, clickGetSMSJS)
	if err != nil {
		return fmt.Errorf("click Get SMS: %w", err)
	}
	if !res.Value.Bool() {
		// The view can lose the button after a portal-side redirect.
		if err := p.checkSession(ctx); err != nil {
			return err
		}
		return errors.New("click Get SMS: button not found")
	}
	if err := p.waitFor(ctx, p.cfg.LoadTimeout, spinnerGoneJS); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return p.checkSession(ctx)
}

// Services returns every service card with its total message count.
func (p *Portal) Services(ctx context.Context) ([]snapshot.ServiceCount, error) {
	doc, err := p.html(ctx)
	if err != nil {
		return nil, err
	}
	return ParseServices(doc)
}

// Numbers expands service, reads its number cards and collapses it again.
func (p *Portal) Numbers(ctx context.Context, service string) ([]snapshot.NumberCount, error) {
	if err := p.openService(ctx, service); err != nil {
		return nil, err
	}
	defer p.closeService(ctx, service)

	doc, err := p.html(ctx)
	if err != nil {
		return nil, err
	}
	return ParseNumbers(doc, service)
}

// Messages opens number under service and returns the message bodies in
// positions [from, to). When the page loads fewer than to messages within
// the load timeout, the available tail is returned and the caller decides
// what to do with the shortfall.
func (p *Portal) Messages(ctx context.Context, service, number string, from, to int) ([]snapshot.Message, error) {
	if err := p.openService(ctx, service); err != nil {
		return nil, err
	}
	defer p.closeService(ctx, service)

	panel := PanelClass(service)
	if err := p.clickNumber(ctx, panel, number); err != nil {
		return nil, err
	}
	defer func() {
		if err := p.clickNumber(ctx, panel, number); err != nil {
			p.log.Debug().Err(err).Str("number", number).Msg("Failed to collapse number")
			return
		}
		_ = sleep(ctx, p.cfg.CollapseDelay)
	}()

	if err := p.waitFor(ctx, p.cfg.LoadTimeout, enoughMessagesJS, to); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		loaded := -1
		if res, err := p.eval(ctx, countMessagesJS); err == nil {
			loaded = res.Value.Int()
		}
		p.log.Warn().
			Str("service", service).
			Str("number", number).
			Int("loaded", loaded).
			Int("want", to).
			Msg("Messages did not finish loading")
	}

	doc, err := p.html(ctx)
	if err != nil {
		return nil, err
	}
	all, err := ParseMessages(doc)
	if err != nil {
		return nil, err
	}
	return window(all, from, to), nil
}

func window(all []snapshot.Message, from, to int) []snapshot.Message {
	if to > len(all) {
		to = len(all)
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return nil
	}
	return all[from:to]
}

// openService expands the service card unless its numbers are already
// visible, then waits for the number cards.
func (p *Portal) openService(ctx context.Context, service string) error {
	panel := PanelClass(service)
	res, err := p.eval(ctx, hasNumbersJS, panel)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", service, err)
	}
	if res.Value.Bool() {
		return nil
	}

	if err := p.clickService(ctx, service); err != nil {
		return err
	}
	if err := p.waitFor(ctx, p.cfg.LoadTimeout, hasNumbersJS, panel); err != nil {
		return fmt.Errorf("numbers of %s: %w", service, err)
	}
	return nil
}

func (p *Portal) closeService(ctx context.Context, service string) {
	res, err := p.eval(ctx, countNumbersJS, PanelClass(service))
	if err != nil || res.Value.Int() == 0 {
		return
	}
	if err := p.clickService(ctx, service); err != nil {
		p.log.Debug().Err(err).Str("service", service).Msg("Failed to collapse service")
		return
	}
	_ = sleep(ctx, p.cfg.CollapseDelay)
}

func (p *Portal) clickService(ctx context.Context, service string) error {
	res, err := p.eval(ctx, clickServiceJS, service)
	if err != nil {
		return fmt.Errorf("click service %s: %w", service, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("click service %s: card not found", service)
	}
	return nil
}

func (p *Portal) clickNumber(ctx context.Context, panel, number string) error {
	res, err := p.eval(ctx, clickNumberJS, panel, number)
	if err != nil {
		return fmt.Errorf("click number %s: %w", number, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("click number %s: card not found", number)
	}
	return nil
}
