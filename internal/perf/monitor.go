package perf

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"e2eheal/internal/browser"
	"e2eheal/internal/logging"
	"e2eheal/internal/store"
)

const exportTimeLayout = "20060102_150405"

// Ledger receives flattened samples on Flush. *store.LocalStore implements it.
type Ledger interface {
	RecordPerf(ctx context.Context, samples []store.PerfSample) error
}

// Options configures a Monitor.
type Options struct {
	OutputDir   string
	SettleDelay time.Duration
	VitalsDelay time.Duration
	IdleTimeout time.Duration
	RunID       string
	// ExportName is the base name Flush exports under.
	ExportName string
	// Ledger is optional.
	Ledger Ledger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Exports lists the files written by Flush.
type Exports struct {
	JSONPath string
	CSVPath  string
}

// Recorder is the measurement surface used by tests and page wrappers.
type Recorder interface {
	InjectCollectors(ctx context.Context, page browser.Page) error
	MeasureCurrentPage(ctx context.Context, page browser.Page, label string) (Metrics, error)
	MeasurePagePerformance(ctx context.Context, page browser.Page, url string) (Metrics, error)
	WaitForRouteChange(ctx context.Context, page browser.Page, timeout time.Duration) bool
	// Forget drops per-page state once the page is closed.
	Forget(page browser.Page)
	History() []Metrics
	Flush(ctx context.Context) (Exports, error)
}

// Monitor records metrics for one run. Safe for concurrent use.
type Monitor struct {
	opts Options

	mu       sync.Mutex
	history  []Metrics
	injected map[browser.Page]bool
}

var _ Recorder = (*Monitor)(nil)

// NewMonitor creates a monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.OutputDir == "" {
		opts.OutputDir = "performance_reports"
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{opts: opts, injected: make(map[browser.Page]bool)}
}

// OutputDir returns the export directory.
func (m *Monitor) OutputDir() string { return m.opts.OutputDir }

// InjectCollectors installs the vitals observers and route-change notifier
// for new documents and the current one. Repeated calls for the same tab,
// through any wrapper, do nothing.
func (m *Monitor) InjectCollectors(ctx context.Context, page browser.Page) error {
	key := browser.Unwrap(page)
	m.mu.Lock()
	done := m.injected[key]
	m.mu.Unlock()
	if done {
		return nil
	}

	if err := page.AddInitScript(ctx, collectorsScript); err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}
	if err := page.Eval(ctx, injectNowJS, nil); err != nil {
		return fmt.Errorf("install collectors: %w", err)
	}

	m.mu.Lock()
	m.injected[key] = true
	m.mu.Unlock()
	logging.PerfDebug("Collectors installed")
	return nil
}

// Forget drops the page's collector record.
func (m *Monitor) Forget(page browser.Page) {
	m.mu.Lock()
	delete(m.injected, browser.Unwrap(page))
	m.mu.Unlock()
}

// MeasureCurrentPage samples the loaded page without navigating. label
// defaults to the page URL.
func (m *Monitor) MeasureCurrentPage(ctx context.Context, page browser.Page, label string) (Metrics, error) {
	ts := m.opts.Now()
	if err := m.InjectCollectors(ctx, page); err != nil {
		logging.PerfWarn("Could not inject collectors: %v", err)
	}
	if err := m.settle(ctx, page, m.opts.SettleDelay); err != nil {
		return Metrics{}, err
	}
	return m.collect(ctx, page, label, ts), nil
}

// MeasurePagePerformance navigates to url and samples it once loaded.
func (m *Monitor) MeasurePagePerformance(ctx context.Context, page browser.Page, url string) (Metrics, error) {
	ts := m.opts.Now()
	if err := m.InjectCollectors(ctx, page); err != nil {
		logging.PerfWarn("Could not inject collectors: %v", err)
	}
	if err := page.Navigate(ctx, url); err != nil {
		return Metrics{}, fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := m.settle(ctx, page, m.opts.VitalsDelay); err != nil {
		return Metrics{}, err
	}
	return m.collect(ctx, page, url, ts), nil
}

// settle waits for network idle, falling back to the load event for apps
// that hold long-lived connections open, then sleeps delay.
func (m *Monitor) settle(ctx context.Context, page browser.Page, delay time.Duration) error {
	if err := page.WaitForLoadState(ctx, browser.LoadStateNetworkIdle, m.opts.IdleTimeout); err != nil {
		logging.PerfDebug("Network never went idle (%v), waiting for load", err)
		if err := page.WaitForLoadState(ctx, browser.LoadStateLoad, m.opts.IdleTimeout); err != nil {
			logging.PerfWarn("Load state not reached: %v", err)
		}
	}
	return browser.Sleep(ctx, delay)
}

type navigationTiming struct {
	NavigationStart          float64  `json:"navigationStart"`
	DOMContentLoadedEventEnd float64  `json:"domContentLoadedEventEnd"`
	LoadEventEnd             float64  `json:"loadEventEnd"`
	TimeToFirstByte          *float64 `json:"timeToFirstByte"`
}

type webVitals struct {
	LCP *float64 `json:"lcp"`
	FID *float64 `json:"fid"`
	CLS *float64 `json:"cls"`
	FCP *float64 `json:"fcp"`
}

type resourceMetrics struct {
	ResourceCount         *int64 `json:"resourceCount"`
	TotalBytesTransferred *int64 `json:"totalBytesTransferred"`
	JSHeapUsedSize        *int64 `json:"jsHeapUsedSize"`
	JSHeapTotalSize       *int64 `json:"jsHeapTotalSize"`
}

// collect reads timings, vitals and resources. A failed read leaves its
// fields nil.
func (m *Monitor) collect(ctx context.Context, page browser.Page, label string, ts time.Time) Metrics {
	if label == "" {
		if url, err := page.URL(ctx); err == nil {
			label = url
		}
	}

	var nav navigationTiming
	if err := page.Eval(ctx, navigationTimingJS, &nav); err != nil {
		logging.PerfWarn("Could not read navigation timing: %v", err)
	}
	var vitals webVitals
	if err := page.Eval(ctx, webVitalsJS, &vitals); err != nil {
		logging.PerfWarn("Could not read web vitals: %v", err)
	}
	var res resourceMetrics
	if err := page.Eval(ctx, resourceMetricsJS, &res); err != nil {
		logging.PerfWarn("Could not read resource metrics: %v", err)
	}

	metrics := Metrics{
		URL:                    label,
		Timestamp:              ts,
		FirstContentfulPaint:   vitals.FCP,
		LargestContentfulPaint: vitals.LCP,
		FirstInputDelay:        vitals.FID,
		CumulativeLayoutShift:  vitals.CLS,
		JSHeapUsedSize:         res.JSHeapUsedSize,
		JSHeapTotalSize:        res.JSHeapTotalSize,
		NetworkRequests:        res.ResourceCount,
		TotalBytesTransferred:  res.TotalBytesTransferred,
	}
	if nav.NavigationStart > 0 && nav.LoadEventEnd > 0 {
		metrics.PageLoadTime = ptr(nav.LoadEventEnd - nav.NavigationStart)
	}
	if nav.NavigationStart > 0 && nav.DOMContentLoadedEventEnd > 0 {
		metrics.DOMContentLoaded = ptr(nav.DOMContentLoadedEventEnd - nav.NavigationStart)
	}
	if nav.TimeToFirstByte != nil && *nav.TimeToFirstByte > 0 {
		metrics.TimeToFirstByte = nav.TimeToFirstByte
	}

	m.mu.Lock()
	m.history = append(m.history, metrics)
	m.mu.Unlock()
	logging.PerfDebug("Recorded metrics for %s", label)
	return metrics
}

// RouteWatch holds the route-change counter sampled before an action.
type RouteWatch struct {
	page browser.Page
	prev float64
}

// WatchRouteChange samples the route-change counter. Call it before the
// action that is expected to change the route.
func (m *Monitor) WatchRouteChange(ctx context.Context, page browser.Page) (*RouteWatch, error) {
	var prev float64
	if err := page.Eval(ctx, routeChangeIDJS, &prev); err != nil {
		return nil, fmt.Errorf("read route change id: %w", err)
	}
	return &RouteWatch{page: page, prev: prev}, nil
}

// Wait blocks until the counter moves or timeout elapses. A timeout means
// no client-side route change was seen and returns false.
func (w *RouteWatch) Wait(ctx context.Context, timeout time.Duration) bool {
	if w == nil {
		return false
	}
	return w.page.WaitForFunction(ctx, routeChangedJS, timeout, w.prev) == nil
}

// WaitForRouteChange samples the counter now and waits for it to change.
func (m *Monitor) WaitForRouteChange(ctx context.Context, page browser.Page, timeout time.Duration) bool {
	w, err := m.WatchRouteChange(ctx, page)
	if err != nil {
		logging.PerfDebug("Route change watch failed: %v", err)
		return false
	}
	return w.Wait(ctx, timeout)
}

// MeasureAfterRouteChange runs action, waits for the SPA route change it
// triggers and samples the page. The sample is taken even when no change is
// seen; changed reports which case occurred.
func (m *Monitor) MeasureAfterRouteChange(ctx context.Context, page browser.Page, action func(context.Context) error, label string, timeout time.Duration) (metrics Metrics, changed bool, err error) {
	w, werr := m.WatchRouteChange(ctx, page)
	if werr != nil {
		logging.PerfDebug("Route change watch failed: %v", werr)
	}
	if action != nil {
		if err := action(ctx); err != nil {
			return Metrics{}, false, err
		}
	}

	changed = w.Wait(ctx, timeout)
	if !changed {
		logging.PerfDebug("No route change within %v", timeout)
	}
	if label == "" {
		url, _ := page.URL(ctx)
		label = "route:" + url
	}
	if err := browser.Sleep(ctx, m.opts.SettleDelay); err != nil {
		return Metrics{}, changed, err
	}
	metrics, err = m.MeasureCurrentPage(ctx, page, label)
	return metrics, changed, err
}

// History returns a copy of the recorded metrics in order.
func (m *Monitor) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.history...)
}

// Clear drops the recorded metrics.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// AverageMetrics returns the per-field mean over the history.
func (m *Monitor) AverageMetrics() map[string]float64 {
	return Average(m.History())
}

func (m *Monitor) exportPath(name, ext string) string {
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = "performance_metrics"
	}
	return filepath.Join(m.opts.OutputDir,
		fmt.Sprintf("%s_%s%s", base, m.opts.Now().UTC().Format(exportTimeLayout), ext))
}

// SaveJSON writes the history as a JSON array and returns the file path.
func (m *Monitor) SaveJSON(name string) (string, error) {
	if err := os.MkdirAll(m.opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create perf directory: %w", err)
	}
	history := m.History()
	if history == nil {
		history = []Metrics{}
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics: %w", err)
	}
	path := m.exportPath(name, ".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}

// SaveCSV writes the history with a header row and returns the file path.
func (m *Monitor) SaveCSV(name string) (string, error) {
	if err := os.MkdirAll(m.opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create perf directory: %w", err)
	}
	path := m.exportPath(name, ".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, metrics := range m.History() {
		if err := w.Write(metrics.record()); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}
	return path, nil
}

// Flush exports the history and appends it to the ledger. An empty history
// writes nothing.
func (m *Monitor) Flush(ctx context.Context) (Exports, error) {
	history := m.History()
	if len(history) == 0 {
		return Exports{}, nil
	}

	var ex Exports
	var err error
	if ex.JSONPath, err = m.SaveJSON(m.opts.ExportName); err != nil {
		return ex, err
	}
	if ex.CSVPath, err = m.SaveCSV(m.opts.ExportName); err != nil {
		return ex, err
	}
	logging.Perf("Exported %d samples to %s", len(history), ex.JSONPath)

	if m.opts.Ledger != nil {
		var samples []store.PerfSample
		for _, metrics := range history {
			for name, v := range metrics.Values() {
				samples = append(samples, store.PerfSample{
					RunID:     m.opts.RunID,
					URL:       metrics.URL,
					Metric:    name,
					Value:     v,
					CreatedAt: metrics.Timestamp,
				})
			}
		}
		if err := m.opts.Ledger.RecordPerf(ctx, samples); err != nil {
			logging.PerfWarn("Failed to record perf samples: %v", err)
		}
	}
	return ex, nil
}

// NoopRecorder is used when performance monitoring is off.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) InjectCollectors(context.Context, browser.Page) error { return nil }

func (NoopRecorder) MeasureCurrentPage(context.Context, browser.Page, string) (Metrics, error) {
	return Metrics{}, nil
}

func (NoopRecorder) MeasurePagePerformance(ctx context.Context, page browser.Page, url string) (Metrics, error) {
	return Metrics{}, page.Navigate(ctx, url)
}

func (NoopRecorder) WaitForRouteChange(context.Context, browser.Page, time.Duration) bool {
	return false
}

func (NoopRecorder) Forget(browser.Page) {}

func (NoopRecorder) History() []Metrics { return nil }

func (NoopRecorder) Flush(context.Context) (Exports, error) { return Exports{}, nil }

func ptr(v float64) *float64 { return &v }
