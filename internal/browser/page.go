// Package browser is the driver boundary: a small page capability interface,
// its go-rod implementation, and the session manager that owns Chrome.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadState names a page lifecycle milestone.
type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// Viewport is the page's visible area in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Page is the set of driver capabilities the harness relies on.
// Scripts passed to Eval and WaitForFunction are function expressions,
// e.g. `() => document.title` or `(id) => window.__routeChangeId !== id`.
type Page interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Viewport(ctx context.Context) (*Viewport, error)

	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error

	// Eval runs js and decodes its JSON-serializable result into out (may be nil).
	Eval(ctx context.Context, js string, out any, args ...any) error
	// AddInitScript registers a plain script run on every new document.
	AddInitScript(ctx context.Context, js string) error
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	// WaitForFunction blocks until js returns a truthy value or timeout elapses.
	WaitForFunction(ctx context.Context, js string, timeout time.Duration, args ...any) error

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	Visible(ctx context.Context, selector string) (bool, error)

	Close() error
}

// Handle is implemented by anything that can expose its page, such as page
// objects and fixtures.
type Handle interface {
	PageHandle() Page
}

// Unwrap strips wrappers that expose Unwrap() and returns the innermost page,
// which identifies the browser tab.
func Unwrap(p Page) Page {
	for {
		w, ok := p.(interface{ Unwrap() Page })
		if !ok {
			return p
		}
		inner := w.Unwrap()
		if inner == nil {
			return p
		}
		p = inner
	}
}

// Resolve finds the page behind v: a Page itself or a Handle.
func Resolve(v any) (Page, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case Page:
		return t, true
	case Handle:
		p := t.PageHandle()
		return p, p != nil
	default:
		return nil, false
	}
}

// ErrActionTimeout matches every *ActionTimeoutError.
var ErrActionTimeout = errors.New("browser action timed out")

// ActionTimeoutError describes an interaction or navigation that did not
// complete within its timeout.
type ActionTimeoutError struct {
	Action  string
	Target  string
	Timeout time.Duration
	Err     error
}

func (e *ActionTimeoutError) Error() string {
	target := ""
	if e.Target != "" {
		target = fmt.Sprintf(" %q", e.Target)
	}
	return fmt.Sprintf("%s%s did not complete within %v: %v", e.Action, target, e.Timeout, e.Err)
}

func (e *ActionTimeoutError) Unwrap() error { return e.Err }

func (e *ActionTimeoutError) Is(target error) bool { return target == ErrActionTimeout }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
