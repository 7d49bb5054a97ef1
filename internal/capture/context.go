// Package capture snapshots the forensic state of a failed test: error,
// page URL and title, viewport, compacted DOM, screenshot and test source.
package capture

import (
	"maps"
	"time"

	"e2eheal/internal/browser"
)

// Capture field names used as CaptureErrors keys.
const (
	FieldPage       = "page"
	FieldURL        = "url"
	FieldTitle      = "title"
	FieldViewport   = "viewport"
	FieldDOM        = "dom"
	FieldScreenshot = "screenshot"
	FieldSource     = "source"
)

// FailureContext is the immutable snapshot of one failed test attempt.
type FailureContext struct {
	TestID       string    `json:"test_id"`
	TestName     string    `json:"test_name"`
	TestFile     string    `json:"test_file,omitempty"`
	ErrorMessage string    `json:"error_message"`
	ErrorKind    string    `json:"error_kind"`
	Timestamp    time.Time `json:"timestamp"`

	URL            string            `json:"url,omitempty"`
	Title          string            `json:"title,omitempty"`
	Viewport       *browser.Viewport `json:"viewport,omitempty"`
	DOM            string            `json:"dom,omitempty"`
	DOMTruncated   bool              `json:"dom_truncated,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	Source         string            `json:"source,omitempty"`

	RunID          string `json:"run_id,omitempty"`
	Browser        string `json:"browser,omitempty"`
	Headless       bool   `json:"headless"`
	VideoOnFailure bool   `json:"video_on_failure,omitempty"`

	captureErrors map[string]string
}

// CaptureErrors returns a copy of the per-field capture failures.
func (fc FailureContext) CaptureErrors() map[string]string {
	return maps.Clone(fc.captureErrors)
}

// CaptureError returns the failure recorded for one field.
func (fc FailureContext) CaptureError(field string) (string, bool) {
	msg, ok := fc.captureErrors[field]
	return msg, ok
}

// HasPage reports whether a page was available at capture time.
func (fc FailureContext) HasPage() bool {
	_, missing := fc.captureErrors[FieldPage]
	return !missing
}
