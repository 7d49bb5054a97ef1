package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"e2eheal/internal/browser"
	"e2eheal/internal/browser/browsertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedPage_TimeoutBecomesActionTimeoutError(t *testing.T) {
	page := &browsertest.BlockingPage{FakePage: browsertest.NewFakePage("http://app.test/")}
	guarded := browser.Guard(page, 20*time.Millisecond)

	err := guarded.Click(context.Background(), "#submit")
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrActionTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var ate *browser.ActionTimeoutError
	require.True(t, errors.As(err, &ate))
	assert.Equal(t, "click", ate.Action)
	assert.Equal(t, "#submit", ate.Target)
	assert.Equal(t, 20*time.Millisecond, ate.Timeout)
	assert.Contains(t, ate.Error(), `click "#submit" did not complete within 20ms`)
}

func TestGuardedPage_NavigateTimeout(t *testing.T) {
	page := &browsertest.BlockingPage{FakePage: browsertest.NewFakePage("about:blank")}
	err := browser.Guard(page, 10*time.Millisecond).Navigate(context.Background(), "http://slow.test/")

	var ate *browser.ActionTimeoutError
	require.ErrorAs(t, err, &ate)
	assert.Equal(t, "navigate", ate.Action)
}

func TestGuardedPage_PassesThroughOtherErrors(t *testing.T) {
	page := browsertest.NewFakePage("http://app.test/")
	page.Errors["Fill"] = errors.New("element detached")

	err := browser.Guard(page, time.Second).Fill(context.Background(), "#email", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, browser.ErrActionTimeout)
	assert.EqualError(t, err, "element detached")
}

func TestGuardedPage_SuccessAndReads(t *testing.T) {
	page := browsertest.NewFakePage("http://app.test/")
	page.Elements["#greeting"] = "  Hi there "
	guarded := browser.Guard(page, time.Second)

	require.NoError(t, guarded.Navigate(context.Background(), "http://app.test/home"))
	assert.Equal(t, []string{"http://app.test/home"}, page.Navigations)

	text, err := guarded.Text(context.Background(), "#greeting")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)

	url, err := guarded.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://app.test/home", url)
}

func TestGuard_DoesNotDoubleWrap(t *testing.T) {
	page := browsertest.NewFakePage("http://app.test/")
	inner := browser.Guard(page, time.Second)
	outer := browser.Guard(inner, 2*time.Second)
	assert.Same(t, page, outer.Unwrap())
}

func TestUnwrap(t *testing.T) {
	page := browsertest.NewFakePage("http://app.test/")
	assert.Same(t, page, browser.Unwrap(page))
	assert.Same(t, page, browser.Unwrap(browser.Guard(page, time.Second)))
}

func TestResolve(t *testing.T) {
	page := browsertest.NewFakePage("http://app.test/")

	got, ok := browser.Resolve(page)
	require.True(t, ok)
	assert.Same(t, page, got)

	got, ok = browser.Resolve(browser.Guard(page, time.Second))
	require.True(t, ok)
	assert.NotNil(t, got)

	_, ok = browser.Resolve("not a page")
	assert.False(t, ok)

	_, ok = browser.Resolve(nil)
	assert.False(t, ok)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, browser.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, browser.Sleep(context.Background(), 0))
}
