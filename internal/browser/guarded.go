package browser

import (
	"context"
	"errors"
	"time"
)

// GuardedPage bounds every interaction and navigation with a timeout and
// reports expiry as *ActionTimeoutError. Reads pass through unchanged.
type GuardedPage struct {
	Page
	timeout time.Duration
}

// Guard wraps p. A non-positive timeout defaults to 30s.
func Guard(p Page, timeout time.Duration) *GuardedPage {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if g, ok := p.(*GuardedPage); ok {
		return &GuardedPage{Page: g.Page, timeout: timeout}
	}
	return &GuardedPage{Page: p, timeout: timeout}
}

// Unwrap returns the wrapped page.
func (g *GuardedPage) Unwrap() Page { return g.Page }

// PageHandle implements Handle.
func (g *GuardedPage) PageHandle() Page { return g }

func (g *GuardedPage) run(ctx context.Context, action, target string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ActionTimeoutError{Action: action, Target: target, Timeout: g.timeout, Err: err}
	}
	return err
}

func (g *GuardedPage) Navigate(ctx context.Context, url string) error {
	return g.run(ctx, "navigate", url, func(ctx context.Context) error {
		return g.Page.Navigate(ctx, url)
	})
}

func (g *GuardedPage) Reload(ctx context.Context) error {
	return g.run(ctx, "reload", "", g.Page.Reload)
}

func (g *GuardedPage) Click(ctx context.Context, selector string) error {
	return g.run(ctx, "click", selector, func(ctx context.Context) error {
		return g.Page.Click(ctx, selector)
	})
}

func (g *GuardedPage) Fill(ctx context.Context, selector, value string) error {
	return g.run(ctx, "fill", selector, func(ctx context.Context) error {
		return g.Page.Fill(ctx, selector, value)
	})
}

func (g *GuardedPage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := g.run(ctx, "text", selector, func(ctx context.Context) error {
		var err error
		text, err = g.Page.Text(ctx, selector)
		return err
	})
	return text, err
}

func (g *GuardedPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = g.timeout
	}
	err := g.Page.WaitForLoadState(ctx, state, timeout)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &ActionTimeoutError{Action: "wait for " + string(state), Timeout: timeout, Err: err}
	}
	return err
}
