package healing

import (
	"fmt"
	"path/filepath"
	"strings"

	"e2eheal/internal/capture"
)

// responseSchema is the object the model is asked to return.
const responseSchema = `{
  "analysis": "Detailed analysis of what went wrong",
  "root_cause": "Specific root cause identified",
  "confidence": 0.85,
  "suggested_fix": "Specific fix recommendation",
  "updated_test_code": "Complete corrected test code",
  "recommendations": "Additional suggestions for test stability"
}`

// BuildPrompt renders the analysis request for fc. The output depends only
// on fc.
func BuildPrompt(fc capture.FailureContext) string {
	var b strings.Builder

	b.WriteString("A browser end-to-end test has failed and needs analysis for potential auto-healing.\n\n")

	b.WriteString("## Test Information\n")
	fmt.Fprintf(&b, "- Test Name: %s\n", fc.TestName)
	fmt.Fprintf(&b, "- Test ID: %s\n", fc.TestID)
	fmt.Fprintf(&b, "- Error Type: %s\n", orDefault(fc.ErrorKind, "Unknown"))
	fmt.Fprintf(&b, "- URL: %s\n", orDefault(fc.URL, "N/A"))
	fmt.Fprintf(&b, "- Page Title: %s\n", orDefault(fc.Title, "N/A"))
	if fc.Viewport != nil {
		fmt.Fprintf(&b, "- Viewport: %dx%d\n", fc.Viewport.Width, fc.Viewport.Height)
	}
	if fc.Browser != "" {
		fmt.Fprintf(&b, "- Browser: %s (headless=%v)\n", fc.Browser, fc.Headless)
	}

	b.WriteString("\n## Error Message\n```\n")
	b.WriteString(orDefault(fc.ErrorMessage, "No error message captured"))
	b.WriteString("\n```\n")

	fmt.Fprintf(&b, "\n## Original Test Code\n```%s\n", fenceLanguage(fc.TestFile))
	b.WriteString(orDefault(fc.Source, "Source not available"))
	b.WriteString("\n```\n")

	b.WriteString("\n## DOM Context (truncated)\n```html\n")
	b.WriteString(orDefault(fc.DOM, "No DOM captured"))
	b.WriteString("\n```\n")

	b.WriteString(`
## Your Task
Analyze this failure and provide:
1. Root cause analysis: what exactly caused the test to fail.
2. Confidence: your confidence in the analysis, a number from 0.0 to 1.0.
3. Suggested fix: the specific code change or approach.
4. Updated test code: the complete corrected test code, in the same language as the original.
5. Recommendations: additional suggestions for test stability.

Focus on selector changes, timing and race conditions, network or loading problems, state management and flaky patterns.

IMPORTANT: Respond with exactly one JSON object with these keys and nothing else. No markdown fences, no prose before or after.
`)
	b.WriteString(responseSchema)
	b.WriteString("\n")
	return b.String()
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func fenceLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".mjs":
		return "javascript"
	case ".py":
		return "python"
	default:
		return ""
	}
}
