package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// requestIdleWindow is how long the network must stay quiet to count as idle.
const requestIdleWindow = 500 * time.Millisecond

// RodPage adapts a *rod.Page to Page.
type RodPage struct {
	id   string
	page *rod.Page
}

// NewRodPage wraps an existing rod page.
func NewRodPage(id string, page *rod.Page) *RodPage {
	return &RodPage{id: id, page: page}
}

// ID returns the session ID the page was created under.
func (p *RodPage) ID() string { return p.id }

// Rod exposes the underlying page for callers that need the full driver.
func (p *RodPage) Rod() *rod.Page { return p.page }

// PageHandle implements Handle.
func (p *RodPage) PageHandle() Page { return p }

func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (p *RodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.Title, nil
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

func (p *RodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, nil)
}

func (p *RodPage) Viewport(ctx context.Context) (*Viewport, error) {
	var vp Viewport
	if err := p.Eval(ctx, `() => ({ width: window.innerWidth, height: window.innerHeight })`, &vp); err != nil {
		return nil, err
	}
	return &vp, nil
}

func (p *RodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return pg.WaitLoad()
}

func (p *RodPage) Reload(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if err := pg.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return pg.WaitLoad()
}

func (p *RodPage) Eval(ctx context.Context, js string, out any, args ...any) error {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	if out == nil || res == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}

func (p *RodPage) AddInitScript(ctx context.Context, js string) error {
	if _, err := p.page.Context(ctx).EvalOnNewDocument(js); err != nil {
		return fmt.Errorf("add init script: %w", err)
	}
	return nil
}

func (p *RodPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	pg := p.page.Context(ctx).Timeout(timeout)
	defer pg.CancelTimeout()
	switch state {
	case LoadStateLoad:
		return pg.WaitLoad()
	case LoadStateDOMContentLoaded:
		return pg.Wait(rod.Eval(`() => document.readyState !== 'loading'`))
	case LoadStateNetworkIdle:
		pg.WaitRequestIdle(requestIdleWindow, nil, nil, nil)()
		return pg.GetContext().Err()
	default:
		return fmt.Errorf("unknown load state %q", state)
	}
}

func (p *RodPage) WaitForFunction(ctx context.Context, js string, timeout time.Duration, args ...any) error {
	pg := p.page.Context(ctx).Timeout(timeout)
	defer pg.CancelTimeout()
	return pg.Wait(rod.Eval(js, args...))
}

func (p *RodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *RodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text: %w", err)
	}
	return el.Input(value)
}

func (p *RodPage) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("element not found: %w", err)
	}
	return el.Text()
}

func (p *RodPage) Visible(ctx context.Context, selector string) (bool, error) {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Visible()
}

func (p *RodPage) Close() error {
	return p.page.Close()
}
