// Package browsertest provides an in-memory browser.Page for unit tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"e2eheal/internal/browser"
)

// EvalFunc answers scripts sent to Eval and WaitForFunction.
type EvalFunc func(js string, args []any) (any, error)

// FakePage is a scriptable browser.Page. Set the exported fields before use;
// per-method failures are injected through Errors keyed by method name
// ("URL", "Title", "HTML", "Screenshot", "Viewport", "Navigate", ...).
type FakePage struct {
	mu sync.Mutex

	CurrentURL   string
	CurrentTitle string
	Content      string
	Shot         []byte
	Size         *browser.Viewport
	Errors       map[string]error
	EvalFn       EvalFunc
	// Elements maps selectors to text; a missing selector is not found.
	Elements map[string]string
	// Hidden marks selectors that exist but are not visible.
	Hidden map[string]bool
	// PanicOn makes the named method panic.
	PanicOn string

	Navigations []string
	Reloads     int
	InitScripts []string
	Clicks      []string
	Filled      map[string]string
	Closed      bool
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns a page at url with a small document.
func NewFakePage(url string) *FakePage {
	return &FakePage{
		CurrentURL:   url,
		CurrentTitle: "Fake Page",
		Content:      "<html><head><title>Fake Page</title></head><body><h1>Hello</h1></body></html>",
		Shot:         []byte("\x89PNG\r\n\x1a\nfake"),
		Size:         &browser.Viewport{Width: 1280, Height: 720},
		Errors:       make(map[string]error),
		Elements:     make(map[string]string),
		Hidden:       make(map[string]bool),
		Filled:       make(map[string]string),
	}
}

// PageHandle implements browser.Handle.
func (f *FakePage) PageHandle() browser.Page { return f }

func (f *FakePage) check(method string) error {
	if f.PanicOn == method {
		panic(fmt.Sprintf("fake page: %s exploded", method))
	}
	return f.Errors[method]
}

func (f *FakePage) URL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("URL"); err != nil {
		return "", err
	}
	return f.CurrentURL, nil
}

func (f *FakePage) Title(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Title"); err != nil {
		return "", err
	}
	return f.CurrentTitle, nil
}

func (f *FakePage) HTML(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("HTML"); err != nil {
		return "", err
	}
	return f.Content, nil
}

func (f *FakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Screenshot"); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.Shot...), nil
}

func (f *FakePage) Viewport(ctx context.Context) (*browser.Viewport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Viewport"); err != nil {
		return nil, err
	}
	if f.Size == nil {
		return nil, nil
	}
	vp := *f.Size
	return &vp, nil
}

func (f *FakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Navigate"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Navigations = append(f.Navigations, url)
	f.CurrentURL = url
	return nil
}

func (f *FakePage) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Reload"); err != nil {
		return err
	}
	f.Reloads++
	return nil
}

func (f *FakePage) evalFn(method string) (EvalFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.EvalFn, f.check(method)
}

func (f *FakePage) Eval(ctx context.Context, js string, out any, args ...any) error {
	fn, err := f.evalFn("Eval")
	if err != nil {
		return err
	}

	if fn == nil {
		return nil
	}
	v, err := fn(js, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *FakePage) AddInitScript(ctx context.Context, js string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("AddInitScript"); err != nil {
		return err
	}
	f.InitScripts = append(f.InitScripts, js)
	return nil
}

func (f *FakePage) WaitForLoadState(ctx context.Context, state browser.LoadState, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("WaitForLoadState:" + string(state)); err != nil {
		return err
	}
	return f.check("WaitForLoadState")
}

// WaitForFunction polls EvalFn until it returns a truthy value.
func (f *FakePage) WaitForFunction(ctx context.Context, js string, timeout time.Duration, args ...any) error {
	fn, err := f.evalFn("WaitForFunction")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if fn != nil {
			v, err := fn(js, args)
			if err != nil {
				return err
			}
			if truthy(v) {
				return nil
			}
		}
		if err := browser.Sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func (f *FakePage) element(method, selector string) (string, error) {
	if err := f.check(method); err != nil {
		return "", err
	}
	text, ok := f.Elements[selector]
	if !ok {
		return "", fmt.Errorf("element not found: %s", selector)
	}
	return text, nil
}

func (f *FakePage) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.element("Click", selector); err != nil {
		return err
	}
	f.Clicks = append(f.Clicks, selector)
	return nil
}

func (f *FakePage) Fill(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.element("Fill", selector); err != nil {
		return err
	}
	f.Filled[selector] = value
	return nil
}

func (f *FakePage) Text(ctx context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, err := f.element("Text", selector)
	return strings.TrimSpace(text), err
}

func (f *FakePage) Visible(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("Visible"); err != nil {
		return false, err
	}
	_, ok := f.Elements[selector]
	return ok && !f.Hidden[selector], nil
}

func (f *FakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// BlockingPage is a FakePage whose Navigate and Click wait for ctx to end,
// for exercising timeout paths.
type BlockingPage struct {
	*FakePage
}

func (b *BlockingPage) Navigate(ctx context.Context, url string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *BlockingPage) Click(ctx context.Context, selector string) error {
	<-ctx.Done()
	return ctx.Err()
}
