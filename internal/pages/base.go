// Package pages holds page objects for the application under test. Each
// page object exposes its browser page through browser.Handle so failure
// hooks can find it.
package pages

import (
	"context"
	"net/url"
	"strings"

	"e2eheal/internal/browser"
)

// BasePage carries the page and base URL shared by all page objects.
type BasePage struct {
	page    browser.Page
	baseURL string
}

// NewBasePage creates a base page.
func NewBasePage(page browser.Page, baseURL string) BasePage {
	return BasePage{page: page, baseURL: strings.TrimRight(baseURL, "/")}
}

// PageHandle implements browser.Handle.
func (b BasePage) PageHandle() browser.Page { return b.page }

// URL resolves path against the base URL. Absolute URLs pass through.
func (b BasePage) URL(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if path == "" {
		return b.baseURL + "/"
	}
	return b.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Goto navigates to path relative to the base URL.
func (b BasePage) Goto(ctx context.Context, path string) error {
	return b.page.Navigate(ctx, b.URL(path))
}

// Title returns the document title.
func (b BasePage) Title(ctx context.Context) (string, error) {
	return b.page.Title(ctx)
}

// visibleText returns the trimmed text of selector, or "" when the element
// is absent or hidden.
func (b BasePage) visibleText(ctx context.Context, selector string) (string, error) {
	ok, err := b.page.Visible(ctx, selector)
	if err != nil || !ok {
		return "", err
	}
	text, err := b.page.Text(ctx, selector)
	return strings.TrimSpace(text), err
}
