package healing

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"e2eheal/internal/capture"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const reportTimeLayout = "20060102_150405"

// Artifacts lists the files written for one healing attempt.
type Artifacts struct {
	ReportPath    string `json:"report_path"`
	HTMLPath      string `json:"html_path,omitempty"`
	CandidatePath string `json:"candidate_path,omitempty"`
}

// Reporter writes healing reports and candidate tests into one directory.
type Reporter struct {
	dir string
	now func() time.Time
	md  goldmark.Markdown
}

// NewReporter creates a reporter writing into dir.
func NewReporter(dir string) *Reporter {
	return &Reporter{
		dir: dir,
		now: time.Now,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Dir returns the output directory.
func (r *Reporter) Dir() string { return r.dir }

// Emit writes the markdown report, its HTML rendition and, when the model
// proposed code, the candidate test. The candidate is never applied.
func (r *Reporter) Emit(testName string, res Result, fc capture.FailureContext) (Artifacts, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return Artifacts{}, fmt.Errorf("failed to create healing directory: %w", err)
	}

	base := fmt.Sprintf("%s_%s", capture.SanitizeName(testName), r.now().Format(reportTimeLayout))
	report := RenderReport(testName, res, fc)

	var art Artifacts
	art.ReportPath = filepath.Join(r.dir, base+"_analysis.md")
	if err := os.WriteFile(art.ReportPath, []byte(report), 0644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write healing report: %w", err)
	}

	var html bytes.Buffer
	if err := r.md.Convert([]byte(report), &html); err == nil {
		htmlPath := filepath.Join(r.dir, base+"_analysis.html")
		if err := os.WriteFile(htmlPath, html.Bytes(), 0644); err != nil {
			return art, fmt.Errorf("failed to write html report: %w", err)
		}
		art.HTMLPath = htmlPath
	}

	if strings.TrimSpace(res.UpdatedTestCode) != "" && !res.Unparsed {
		art.CandidatePath = filepath.Join(r.dir, base+"_healed"+candidateExt(fc.TestFile))
		if err := os.WriteFile(art.CandidatePath, []byte(res.UpdatedTestCode), 0644); err != nil {
			return art, fmt.Errorf("failed to write healed test: %w", err)
		}
	}
	return art, nil
}

func candidateExt(testFile string) string {
	if ext := filepath.Ext(testFile); ext != "" {
		return ext
	}
	return ".go"
}

// RenderReport renders the markdown healing report.
func RenderReport(testName string, res Result, fc capture.FailureContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Healing Report: %s\n\n", testName)

	b.WriteString("## Test Information\n\n")
	fmt.Fprintf(&b, "- **Test ID:** `%s`\n", fc.TestID)
	if fc.TestFile != "" {
		fmt.Fprintf(&b, "- **Test File:** `%s`\n", fc.TestFile)
	}
	fmt.Fprintf(&b, "- **Failed At:** %s\n", fc.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Error Type:** %s\n", orDefault(fc.ErrorKind, "Unknown"))
	if fc.URL != "" {
		fmt.Fprintf(&b, "- **URL:** %s\n", fc.URL)
	}
	if fc.Title != "" {
		fmt.Fprintf(&b, "- **Page Title:** %s\n", fc.Title)
	}
	if fc.ScreenshotPath != "" {
		fmt.Fprintf(&b, "- **Screenshot:** `%s`\n", fc.ScreenshotPath)
	}
	if fc.RunID != "" {
		fmt.Fprintf(&b, "- **Run:** `%s`\n", fc.RunID)
	}
	fmt.Fprintf(&b, "- **Parse Strategy:** %s\n", res.Strategy)

	b.WriteString("\n## Error\n\n```\n")
	b.WriteString(orDefault(fc.ErrorMessage, "No error message captured"))
	b.WriteString("\n```\n")

	section(&b, "Analysis", res.Analysis)
	section(&b, "Root Cause", res.RootCause)
	section(&b, "Suggested Fix", res.SuggestedFix)

	if strings.TrimSpace(res.UpdatedTestCode) != "" {
		fmt.Fprintf(&b, "\n## Updated Test Code\n\n```%s\n%s\n```\n", fenceLanguage(fc.TestFile), res.UpdatedTestCode)
	}

	fmt.Fprintf(&b, "\n## Confidence\n\n%.0f%%\n", res.Confidence*100)

	section(&b, "Recommendations", res.Recommendations)

	b.WriteString("\n## Raw Response\n\n<details>\n<summary>Model output</summary>\n\n```\n")
	b.WriteString(res.RawResponse)
	b.WriteString("\n```\n\n</details>\n")
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "\n## %s\n\n%s\n", title, orDefault(body, "_None provided._"))
}
