package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"e2eheal/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Session describes the public metadata for a tracked page.
type Session struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionRecord struct {
	meta Session
	page *RodPage
	// incognito is the page's own browser context, disposed with it.
	incognito *rod.Browser
}

func (r *sessionRecord) close() error {
	err := r.page.Close()
	if r.incognito != nil {
		if cerr := r.incognito.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Config holds browser launch configuration.
type Config struct {
	Bin            string        `json:"bin"`
	DebuggerURL    string        `json:"debugger_url"`
	Flags          []string      `json:"flags"`
	Headless       bool          `json:"headless"`
	SlowMo         time.Duration `json:"slow_mo"`
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Timeout:        30 * time.Second,
	}
}

// ActionTimeout returns the per-action timeout.
func (c Config) ActionTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// SessionManager owns the Chrome instance and tracks the pages it opened.
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	launcher   *launcher.Launcher // nil when attached to an external Chrome
	sessions   map[string]*sessionRecord
	controlURL string

	// connCtx scopes the connection and its event bus; callers' contexts
	// only bound individual calls.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting")
		m.closeLocked()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l, url, err := m.launch()
		if err != nil {
			return err
		}
		m.launcher = l
		controlURL = url
	}

	if err := ctx.Err(); err != nil {
		m.killLauncher()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(controlURL).Context(connCtx)
	if m.cfg.SlowMo > 0 {
		browser = browser.SlowMotion(m.cfg.SlowMo)
	}
	if err := browser.Connect(); err != nil {
		connCancel()
		m.killLauncher()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.connCtx, m.connCancel = connCtx, connCancel
	m.controlURL = controlURL
	logging.Browser("Browser connected (headless=%v)", m.cfg.Headless)
	return nil
}

// launch starts a local Chrome. If the configured flags are rejected it
// retries once without them.
func (m *SessionManager) launch() (*launcher.Launcher, string, error) {
	l := m.newLauncher()
	for name, val := range launchFlags(m.cfg.Flags) {
		if val == "" {
			l = l.Set(name)
		} else {
			l = l.Set(name, val)
		}
	}
	url, err := l.Launch()
	if err == nil {
		return l, url, nil
	}
	l.Cleanup()

	fallback := m.newLauncher()
	alt, altErr := fallback.Launch()
	if altErr != nil {
		fallback.Cleanup()
		return nil, "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	logging.BrowserWarn("Chrome rejected launch flags, started without them: %v", err)
	return fallback, alt, nil
}

func (m *SessionManager) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	return l
}

// launchFlags parses "--name=value" and "--name" command-line flags.
func launchFlags(raw []string) map[flags.Flag]string {
	out := make(map[flags.Flag]string, len(raw))
	for _, f := range raw {
		name, val, _ := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if name != "" {
			out[flags.Flag(name)] = val
		}
	}
	return out
}

// killLauncher stops a Chrome this manager launched and removes its
// temporary profile. Callers hold m.mu.
func (m *SessionManager) killLauncher() {
	if m.launcher == nil {
		return
	}
	m.launcher.Kill()
	m.launcher.Cleanup()
	m.launcher = nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// NewPage opens a page in a fresh incognito context, applies the viewport,
// and navigates to url when it is non-empty.
func (m *SessionManager) NewPage(ctx context.Context, url string) (*RodPage, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser, connCtx := m.browser, m.connCtx
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	// Rebind to the connection so Close works after ctx ends.
	incognito = incognito.Context(connCtx)

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(connCtx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.viewportWidth(),
		Height:            m.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}

	meta := Session{
		ID:        uuid.NewString(),
		TargetID:  string(page.TargetID),
		URL:       url,
		CreatedAt: time.Now(),
	}
	rp := NewRodPage(meta.ID, page)

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: rp, incognito: incognito}
	m.mu.Unlock()

	if url != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout())
		defer cancel()
		if err := rp.Navigate(navCtx, url); err != nil {
			return rp, fmt.Errorf("initial navigation: %w", err)
		}
	}

	logging.BrowserDebug("Opened page %s (%s)", meta.ID, url)
	return rp, nil
}

func (m *SessionManager) viewportWidth() int {
	if m.cfg.ViewportWidth == 0 {
		return 1920
	}
	return m.cfg.ViewportWidth
}

func (m *SessionManager) viewportHeight() int {
	if m.cfg.ViewportHeight == 0 {
		return 1080
	}
	return m.cfg.ViewportHeight
}

// List returns metadata for all open pages.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// Page returns the page for a session.
func (m *SessionManager) Page(sessionID string) (*RodPage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// ClosePage closes and forgets one page.
func (m *SessionManager) ClosePage(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	return rec.close()
}

// Shutdown closes tracked pages and the browser, and stops a Chrome the
// manager launched itself. An attached external Chrome is left running.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *SessionManager) closeLocked() error {
	for id, rec := range m.sessions {
		_ = rec.close()
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		if m.launcher != nil {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCtx, m.connCancel = nil, nil
	}
	m.killLauncher()
	m.controlURL = ""
	return err
}
