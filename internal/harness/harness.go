// Package harness is the run-scoped context shared by every spec: it builds
// the capture engine, failure tracker, model service, healing orchestrator,
// performance recorder and browser sessions from one configuration.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"e2eheal/internal/browser"
	"e2eheal/internal/capture"
	"e2eheal/internal/config"
	"e2eheal/internal/healing"
	"e2eheal/internal/inference"
	"e2eheal/internal/logging"
	"e2eheal/internal/pages"
	"e2eheal/internal/perf"
	"e2eheal/internal/store"

	"github.com/google/uuid"
)

// Harness is constructed once per run and passed to hooks and specs.
type Harness struct {
	RunID  string
	Config *config.Config

	Capture      *capture.Engine
	Orchestrator *healing.Orchestrator
	Service      inference.Service
	Perf         perf.Recorder
	Sessions     *browser.SessionManager
	// Ledger is nil when the database could not be opened.
	Ledger *store.LocalStore

	mu      sync.Mutex
	current browser.Page
	lastErr error
	pages   []*browser.RodPage
}

// New validates cfg and wires the run. Configuration errors are fatal.
func New(cfg *config.Config) (*Harness, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.LogsDir(),
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.IsJSON(),
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	h := &Harness{
		RunID:  uuid.NewString(),
		Config: cfg,
	}
	logging.Boot("Run %s starting (browser=%s headless=%v retries=%d healing=%v perf=%v)",
		h.RunID, cfg.Browser.Name, cfg.Browser.Headless, cfg.Runner.RetryCount, cfg.Healing.Enabled, cfg.Perf.Enabled)

	ledger, err := store.NewLocalStore(cfg.LedgerPath())
	if err != nil {
		logging.BootWarn("Ledger unavailable, continuing without it: %v", err)
	} else {
		h.Ledger = ledger
	}

	if cfg.Healing.Enabled {
		svc, err := inference.NewService(cfg.Healing)
		if err != nil {
			h.closeLedger()
			return nil, err
		}
		h.Service = svc
	}

	h.Capture = capture.NewEngine(capture.Options{
		ScreenshotDir:       cfg.ScreenshotDir(),
		ScreenshotOnFailure: cfg.Artifacts.ScreenshotOnFailure,
		DOMBudget:           cfg.Healing.GetDOMBudget(),
		RunID:               h.RunID,
		Browser:             cfg.Browser.Name,
		Headless:            cfg.Browser.Headless,
		VideoOnFailure:      cfg.Artifacts.VideoOnFailure,
		Timeout:             cfg.GetTimeout(),
	})

	opts := healing.Options{
		Capturer:  h.Capture,
		Tracker:   healing.NewTracker(cfg.Runner.RetryCount),
		Pending:   healing.NewPendingStore(),
		Service:   h.Service,
		Reporter:  healing.NewReporter(cfg.HealingDir()),
		Enabled:   cfg.Healing.Enabled,
		Threshold: cfg.Healing.Confidence,
		RunID:     h.RunID,
	}
	if h.Ledger != nil {
		opts.Ledger = h.Ledger
	}
	h.Orchestrator = healing.NewOrchestrator(opts)

	if cfg.Perf.Enabled {
		popts := perf.Options{
			OutputDir:   cfg.PerfDir(),
			SettleDelay: cfg.Perf.GetSettleDelay(),
			VitalsDelay: cfg.Perf.GetVitalsDelay(),
			IdleTimeout: cfg.Perf.GetIdleTimeout(),
			RunID:       h.RunID,
		}
		if h.Ledger != nil {
			popts.Ledger = h.Ledger
		}
		h.Perf = perf.NewMonitor(popts)
	} else {
		h.Perf = perf.NoopRecorder{}
	}

	h.Sessions = browser.NewSessionManager(BrowserConfig(cfg))
	return h, nil
}

// BrowserConfig maps the run configuration onto the session manager's.
func BrowserConfig(cfg *config.Config) browser.Config {
	return browser.Config{
		Bin:            cfg.Browser.Bin,
		DebuggerURL:    cfg.Browser.DebuggerURL,
		Flags:          cfg.Browser.LaunchFlags,
		Headless:       cfg.Browser.Headless,
		SlowMo:         cfg.GetSlowMo(),
		ViewportWidth:  cfg.Browser.GetViewportWidth(),
		ViewportHeight: cfg.Browser.GetViewportHeight(),
		Timeout:        cfg.GetTimeout(),
	}
}

// RetryBudget returns R, the number of retries after the first attempt.
func (h *Harness) RetryBudget() int { return h.Config.Runner.RetryCount }

// NewPage opens a fresh page, guarded with the action timeout and, when
// monitoring is on, instrumented. The page becomes the current one.
func (h *Harness) NewPage(ctx context.Context) (browser.Page, error) {
	rp, err := h.Sessions.NewPage(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	h.mu.Lock()
	h.pages = append(h.pages, rp)
	h.mu.Unlock()

	return h.Wrap(rp), nil
}

// Wrap guards page and instruments it when monitoring is on, then tracks
// it as the current page.
func (h *Harness) Wrap(page browser.Page) browser.Page {
	var p browser.Page = browser.Guard(page, h.Config.GetTimeout())
	if _, noop := h.Perf.(perf.NoopRecorder); !noop {
		p = perf.Instrument(p, h.Perf)
	}
	h.Track(p)
	return p
}

// NewApp opens a page and builds the page objects over it.
func (h *Harness) NewApp(ctx context.Context) (*pages.App, error) {
	p, err := h.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return pages.NewApp(p, h.Config.BaseURL), nil
}

// Track makes v's page the one captured on failure. v may be a page or
// anything implementing browser.Handle; other values clear it.
func (h *Harness) Track(v any) {
	p, _ := browser.Resolve(v)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = p
}

// CurrentPage returns the tracked page, or nil.
func (h *Harness) CurrentPage() browser.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Observe remembers err as the current attempt's failure cause so its kind
// reaches the failure context, and returns it unchanged.
func (h *Harness) Observe(err error) error {
	if err != nil {
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
	}
	return err
}

// takeObserved returns and clears the observed error.
func (h *Harness) takeObserved() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.lastErr
	h.lastErr = nil
	return err
}

// ReportFailure hands one failed attempt to the orchestrator.
func (h *Harness) ReportFailure(ctx context.Context, testID, testName, sourcePath string, err error) healing.Outcome {
	kind := ""
	if observed := h.takeObserved(); observed != nil {
		if err == nil {
			err = observed
		} else {
			kind = capture.ErrorKind(observed)
		}
	}
	return h.Orchestrator.OnTestFailure(ctx, healing.Failure{
		TestID:     testID,
		TestName:   testName,
		SourcePath: sourcePath,
		Err:        err,
		ErrorKind:  kind,
		Page:       h.CurrentPage(),
	})
}

// ClosePages closes every page opened since the last call and clears the
// current page. Suites register it with DeferCleanup so it runs after the
// failure hook has captured.
func (h *Harness) ClosePages() {
	h.mu.Lock()
	opened := h.pages
	h.pages = nil
	h.current = nil
	h.mu.Unlock()
	for _, p := range opened {
		h.Perf.Forget(p)
		if err := h.Sessions.ClosePage(p.ID()); err != nil {
			logging.BrowserDebug("close page %s: %v", p.ID(), err)
		}
	}
}

// Close flushes performance data and releases the browser and ledger.
func (h *Harness) Close(ctx context.Context) error {
	var errs []error

	if ex, err := h.Perf.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush perf: %w", err))
	} else if ex.JSONPath != "" {
		logging.Perf("Performance metrics saved to %s and %s", ex.JSONPath, ex.CSVPath)
	}

	h.ClosePages()
	if err := h.Sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown browser: %w", err))
	}

	if err := h.closeLedger(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	logging.Boot("Run %s finished", h.RunID)
	logging.Sync()
	return errors.Join(errs...)
}

func (h *Harness) closeLedger() error {
	if h.Ledger == nil {
		return nil
	}
	err := h.Ledger.Close()
	h.Ledger = nil
	return err
}
