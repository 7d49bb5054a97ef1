//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"e2eheal/internal/browser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T) (*browser.SessionManager, context.Context) {
	t.Helper()
	cfg := browser.DefaultConfig()
	cfg.Headless = true
	cfg.Timeout = 10 * time.Second

	sm := browser.NewSessionManager(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	t.Cleanup(func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	})

	require.NoError(t, sm.Start(ctx), "Failed to start browser")
	return sm, ctx
}

func TestSessionManager_Navigation_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><head><title>Hello</title></head><body><h1>Hello World</h1></body></html>")
	}))
	defer ts.Close()

	sm, ctx := startManager(t)

	page, err := sm.NewPage(ctx, ts.URL)
	require.NoError(t, err, "Failed to open page")
	require.NotEmpty(t, page.ID())
	assert.Len(t, sm.List(), 1)

	title, err := page.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", title)

	html, err := page.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "Hello World")

	vp, err := page.Viewport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1920, vp.Width)

	shot, err := page.Screenshot(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	require.NoError(t, page.Navigate(ctx, ts.URL+"/page2"))
	url, err := page.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/page2", url)
}

func TestSessionManager_Interaction_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintln(w, `
			<html>
			<body>
				<button id="btn1" onclick="document.getElementById('out').textContent='clicked'">Click Me</button>
				<input id="inp1" type="text" value="old" />
				<p id="out"></p>
				<p id="hidden" style="display:none">secret</p>
			</body>
			</html>
		`)
	}))
	defer ts.Close()

	sm, ctx := startManager(t)
	page, err := sm.NewPage(ctx, ts.URL)
	require.NoError(t, err)

	guarded := browser.Guard(page, 5*time.Second)
	require.NoError(t, guarded.Click(ctx, "#btn1"))
	require.NoError(t, guarded.Fill(ctx, "#inp1", "hello"))

	text, err := guarded.Text(ctx, "#out")
	require.NoError(t, err)
	assert.Equal(t, "clicked", text)

	var value string
	require.NoError(t, page.Eval(ctx, `() => document.getElementById('inp1').value`, &value))
	assert.Equal(t, "hello", value)

	visible, err := page.Visible(ctx, "#hidden")
	require.NoError(t, err)
	assert.False(t, visible)

	err = page.WaitForFunction(ctx, `() => window.neverSet === true`, 200*time.Millisecond)
	assert.Error(t, err)

	// Bounded waits release their timers; later calls on the page still work.
	for i := 0; i < 3; i++ {
		require.NoError(t, page.WaitForFunction(ctx, `() => document.readyState === 'complete'`, time.Minute))
		require.NoError(t, page.WaitForLoadState(ctx, browser.LoadStateLoad, time.Minute))
	}
	require.NoError(t, guarded.Click(ctx, "#btn1"))

	require.NoError(t, sm.ClosePage(page.ID()))
	assert.Empty(t, sm.List())
}

func TestSessionManager_OutlivesStartContext_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><head><title>Later</title></head><body></body></html>")
	}))
	defer ts.Close()

	cfg := browser.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	sm := browser.NewSessionManager(cfg)
	t.Cleanup(func() { _ = sm.Shutdown(context.Background()) })

	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, sm.Start(startCtx))
	cancelStart()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		page, err := sm.NewPage(ctx, ts.URL)
		require.NoError(t, err, "page %d", i)
		cancel()

		// The page stays usable after the context that opened it ends.
		title, err := page.Title(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Later", title)
		require.NoError(t, sm.ClosePage(page.ID()))
	}
}
