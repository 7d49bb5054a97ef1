package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"e2eheal/internal/browser"
	"e2eheal/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Options configures an Engine.
type Options struct {
	ScreenshotDir       string
	ScreenshotOnFailure bool
	DOMBudget           int

	RunID          string
	Browser        string
	Headless       bool
	VideoOnFailure bool

	// Now defaults to time.Now.
	Now func() time.Time
	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
	// Timeout bounds each driver call. Defaults to 10s.
	Timeout time.Duration
}

// Request describes the failure to capture.
type Request struct {
	TestID     string
	TestName   string
	SourcePath string
	Err        error
	// ErrorKind overrides the kind derived from Err.
	ErrorKind string
	// Page may be nil when the test had no browser page.
	Page browser.Page
}

// Engine captures failure contexts.
type Engine struct {
	opts Options
}

// NewEngine creates a capture engine.
func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.DOMBudget <= 0 {
		opts.DOMBudget = DefaultDOMBudget
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Engine{opts: opts}
}

type fieldErrors struct {
	mu   sync.Mutex
	errs map[string]string
}

func (f *fieldErrors) set(field, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[field] = msg
}

// Capture never fails: every sub-capture is guarded on its own and a
// failure is recorded under its field name instead.
func (e *Engine) Capture(ctx context.Context, req Request) FailureContext {
	ts := e.opts.Now()
	fc := FailureContext{
		TestID:         req.TestID,
		TestName:       req.TestName,
		TestFile:       req.SourcePath,
		ErrorMessage:   errorMessage(req.Err),
		ErrorKind:      req.ErrorKind,
		Timestamp:      ts,
		RunID:          e.opts.RunID,
		Browser:        e.opts.Browser,
		Headless:       e.opts.Headless,
		VideoOnFailure: e.opts.VideoOnFailure,
	}
	if fc.ErrorKind == "" {
		fc.ErrorKind = ErrorKind(req.Err)
	}
	if fc.TestName == "" {
		fc.TestName = req.TestID
	}

	errs := &fieldErrors{errs: make(map[string]string)}
	var g errgroup.Group

	g.Go(e.guard(FieldSource, errs, func() error {
		if req.SourcePath == "" {
			return errors.New("source path unknown")
		}
		data, err := e.opts.ReadFile(req.SourcePath)
		if err != nil {
			return err
		}
		fc.Source = string(data)
		return nil
	}))

	page := req.Page
	if page == nil {
		errs.set(FieldPage, "no page available")
	} else {
		g.Go(e.guard(FieldURL, errs, func() error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			url, err := page.URL(ctx)
			fc.URL = url
			return err
		}))
		g.Go(e.guard(FieldTitle, errs, func() error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			title, err := page.Title(ctx)
			fc.Title = title
			return err
		}))
		g.Go(e.guard(FieldViewport, errs, func() error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			vp, err := page.Viewport(ctx)
			fc.Viewport = vp
			return err
		}))
		g.Go(e.guard(FieldDOM, errs, func() error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			markup, err := page.HTML(ctx)
			if err != nil {
				return err
			}
			fc.DOM, fc.DOMTruncated = TruncateDOM(CompactDOM(markup), e.opts.DOMBudget)
			return nil
		}))
		if e.opts.ScreenshotOnFailure {
			g.Go(e.guard(FieldScreenshot, errs, func() error {
				ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
				defer cancel()
				path, err := e.screenshot(ctx, page, req.TestID, ts)
				fc.ScreenshotPath = path
				return err
			}))
		}
	}

	_ = g.Wait()

	fc.captureErrors = errs.errs
	for field, msg := range fc.captureErrors {
		logging.CaptureWarn("%s: could not capture %s: %s", req.TestID, field, msg)
	}
	logging.CaptureDebug("Captured context for %s (url=%q dom=%d chars screenshot=%q)",
		req.TestID, fc.URL, len(fc.DOM), fc.ScreenshotPath)
	return fc
}

// guard wraps a sub-capture so that neither an error nor a panic escapes.
// Each closure writes a distinct FailureContext field.
func (e *Engine) guard(field string, errs *fieldErrors, fn func() error) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				errs.set(field, fmt.Sprintf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			errs.set(field, err.Error())
		}
		return nil
	}
}

func (e *Engine) screenshot(ctx context.Context, page browser.Page, testID string, ts time.Time) (string, error) {
	if err := os.MkdirAll(e.opts.ScreenshotDir, 0755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	data, err := page.Screenshot(ctx, true)
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.opts.ScreenshotDir, ScreenshotName(testID, ts))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorKind names the most specific error type in err's chain, ignoring the
// generic wrappers from the errors and fmt packages.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var timeout *browser.ActionTimeoutError
	if errors.As(err, &timeout) {
		return "ActionTimeoutError"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DeadlineExceeded"
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.PkgPath() {
		case "errors", "fmt", "":
			continue
		}
		return t.Name()
	}
	return "Error"
}
