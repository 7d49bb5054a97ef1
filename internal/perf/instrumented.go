package perf

import (
	"context"
	"sync"

	"e2eheal/internal/browser"
	"e2eheal/internal/logging"
)

// InstrumentedPage measures the page after every Navigate and Reload. It
// samples the already-loaded document instead of navigating again.
type InstrumentedPage struct {
	browser.Page
	rec Recorder

	mu   sync.Mutex
	last *Metrics
}

// Instrument wraps page with rec.
func Instrument(page browser.Page, rec Recorder) *InstrumentedPage {
	return &InstrumentedPage{Page: page, rec: rec}
}

// PageHandle implements browser.Handle.
func (p *InstrumentedPage) PageHandle() browser.Page { return p }

// Unwrap returns the wrapped page.
func (p *InstrumentedPage) Unwrap() browser.Page { return p.Page }

// Close closes the page and drops its collector record.
func (p *InstrumentedPage) Close() error {
	p.rec.Forget(p.Page)
	return p.Page.Close()
}

// Navigate loads url and records its metrics. Measurement problems are
// logged; only the navigation error is returned.
func (p *InstrumentedPage) Navigate(ctx context.Context, url string) error {
	if err := p.rec.InjectCollectors(ctx, p.Page); err != nil {
		logging.PerfWarn("Could not inject collectors before %s: %v", url, err)
	}
	if err := p.Page.Navigate(ctx, url); err != nil {
		return err
	}
	p.measure(ctx, url)
	return nil
}

// Reload reloads the page and records its metrics.
func (p *InstrumentedPage) Reload(ctx context.Context) error {
	if err := p.Page.Reload(ctx); err != nil {
		return err
	}
	p.measure(ctx, "")
	return nil
}

func (p *InstrumentedPage) measure(ctx context.Context, label string) {
	m, err := p.rec.MeasureCurrentPage(ctx, p.Page, label)
	if err != nil {
		logging.PerfWarn("Measurement failed for %s: %v", label, err)
		return
	}
	p.mu.Lock()
	p.last = &m
	p.mu.Unlock()
}

// LastMetrics returns the most recent measurement, if any.
func (p *InstrumentedPage) LastMetrics() (Metrics, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Metrics{}, false
	}
	return *p.last, true
}
