package healing

import (
	"testing"

	"e2eheal/internal/browser"

	"github.com/stretchr/testify/assert"
)

func TestBuildPrompt(t *testing.T) {
	fc := testContext("e2e/login_test.go::Login", "timeout waiting for #submit")
	fc.TestFile = "e2e/login_test.go"
	fc.Viewport = &browser.Viewport{Width: 1280, Height: 720}

	p := BuildPrompt(fc)

	assert.Equal(t, p, BuildPrompt(fc), "prompt must be deterministic")
	for _, want := range []string{
		"- Test Name: Login with valid credentials",
		"- Error Type: ActionTimeoutError",
		"- URL: http://app.local/login",
		"- Page Title: Login",
		"- Viewport: 1280x720",
		"timeout waiting for #submit",
		"```go\npackage e2e\n",
		`<form id="login"></form>`,
		"exactly one JSON object",
		`"updated_test_code"`,
	} {
		assert.Contains(t, p, want)
	}
}

func TestBuildPrompt_MissingFields(t *testing.T) {
	p := BuildPrompt(testContext("T", ""))
	assert.Contains(t, p, "No error message captured")

	fc := testContext("T", "x")
	fc.Source = ""
	fc.DOM = ""
	fc.URL = ""
	p = BuildPrompt(fc)
	assert.Contains(t, p, "Source not available")
	assert.Contains(t, p, "No DOM captured")
	assert.Contains(t, p, "- URL: N/A")
}
