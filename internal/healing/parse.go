package healing

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Result is the structured analysis extracted from a model response.
type Result struct {
	Analysis        string  `json:"analysis"`
	RootCause       string  `json:"root_cause"`
	Confidence      float64 `json:"confidence"`
	SuggestedFix    string  `json:"suggested_fix"`
	UpdatedTestCode string  `json:"updated_test_code,omitempty"`
	Recommendations string  `json:"recommendations,omitempty"`
	RawResponse     string  `json:"raw_response"`

	// Strategy names the extraction step that produced the result.
	Strategy string `json:"strategy"`
	// Unparsed is set only by the final fallback.
	Unparsed bool `json:"unparsed,omitempty"`
}

// Strategy names, in the order they are tried.
const (
	StrategyJSONFence   = "json_fence"
	StrategyAnyFence    = "any_fence"
	StrategyBraceScan   = "brace_scan"
	StrategyWholeText   = "whole_text"
	StrategyBraceStrip  = "brace_strip"
	StrategyFieldRegexp = "field_regexp"
	StrategyFallback    = "fallback"
)

const (
	fieldMatchConfidence = 0.3
	fallbackConfidence   = 0.2
)

var schemaKeys = []string{"analysis", "root_cause", "confidence", "suggested_fix", "updated_test_code", "recommendations"}

type strategy struct {
	name string
	run  func(raw string) (Result, bool)
}

// strategies is the ordered extraction chain. Each step is pure; the first
// success wins.
var strategies = []strategy{
	{StrategyJSONFence, candidates(jsonFences)},
	{StrategyAnyFence, candidates(anyFences)},
	{StrategyBraceScan, candidates(keyedObjects)},
	{StrategyWholeText, candidates(func(raw string) []string { return []string{strings.TrimSpace(raw)} })},
	{StrategyBraceStrip, candidates(braceStrip)},
	{StrategyFieldRegexp, fieldRegexp},
}

// ParseResponse extracts a Result from raw model output. It never fails:
// when nothing structured is found the raw text becomes the analysis with
// a low confidence and Unparsed set.
func ParseResponse(raw string) Result {
	for _, s := range strategies {
		if r, ok := s.run(raw); ok {
			r.Strategy = s.name
			r.RawResponse = raw
			return r
		}
	}
	return Result{
		Analysis:        raw,
		RootCause:       "Could not parse structured response",
		Confidence:      fallbackConfidence,
		SuggestedFix:    "Manual review required: the model response could not be parsed",
		Recommendations: "Try a different model or tighten the prompt",
		RawResponse:     raw,
		Strategy:        StrategyFallback,
		Unparsed:        true,
	}
}

func candidates(find func(raw string) []string) func(string) (Result, bool) {
	return func(raw string) (Result, bool) {
		if strings.TrimSpace(raw) == "" {
			return Result{}, false
		}
		for _, c := range find(raw) {
			if r, ok := decodeCandidate(c); ok {
				return r, true
			}
		}
		return Result{}, false
	}
}

// =============================================================================
// CANDIDATE FINDERS
// =============================================================================

type fence struct {
	lang string
	body string
}

func fencedBlocks(raw string) []fence {
	src := []byte(raw)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []fence
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		node, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(src))
		}
		blocks = append(blocks, fence{
			lang: strings.ToLower(string(node.Language(src))),
			body: strings.TrimSpace(buf.String()),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// Fences written on one line are not block-level markdown; catch them too.
var (
	inlineJSONFence = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	inlineAnyFence  = regexp.MustCompile("(?s)```(.*?)```")
)

func jsonFences(raw string) []string {
	var out []string
	for _, b := range fencedBlocks(raw) {
		if b.lang == "json" {
			out = append(out, b.body)
		}
	}
	for _, m := range inlineJSONFence.FindAllStringSubmatch(raw, -1) {
		out = append(out, m[1])
	}
	return out
}

func anyFences(raw string) []string {
	var out []string
	for _, b := range fencedBlocks(raw) {
		out = append(out, b.body)
	}
	for _, m := range inlineAnyFence.FindAllStringSubmatch(raw, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

var keyedObjectStart = regexp.MustCompile(`\{\s*"`)

// keyedObjects returns every balanced object that opens with a quoted key.
func keyedObjects(raw string) []string {
	var out []string
	for _, loc := range keyedObjectStart.FindAllStringIndex(raw, -1) {
		if obj, ok := balancedObject(raw[loc[0]:]); ok {
			out = append(out, obj)
		}
	}
	return out
}

// balancedObject returns the object starting at input[0], tracking string
// literals so braces inside values do not count.
func balancedObject(input string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[:i+1], true
			}
		}
	}
	return "", false
}

func braceStrip(raw string) []string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil
	}
	return []string{raw[start : end+1]}
}

// =============================================================================
// DECODING
// =============================================================================

// decodeCandidate accepts c only when it is a JSON object carrying at least
// one schema key.
func decodeCandidate(c string) (Result, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(c), &obj); err != nil || obj == nil {
		return Result{}, false
	}

	known := false
	for _, k := range schemaKeys {
		if _, ok := obj[k]; ok {
			known = true
			break
		}
	}
	if !known {
		return Result{}, false
	}

	return Result{
		Analysis:        textField(obj["analysis"]),
		RootCause:       textField(obj["root_cause"]),
		Confidence:      CoerceConfidence(obj["confidence"]),
		SuggestedFix:    textField(obj["suggested_fix"]),
		UpdatedTestCode: textField(obj["updated_test_code"]),
		Recommendations: textField(obj["recommendations"]),
	}, true
}

// textField renders a JSON value as text: strings verbatim, string lists
// one per line, anything else as compact JSON.
func textField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// CoerceConfidence converts a JSON number or numeric string into [0,1].
// Values above 1 (up to 100) and strings ending in "%" are percentages.
// Missing or non-numeric values yield 0.
func CoerceConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return clampConfidence(f, false)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return confidenceFromString(s)
	}
	return 0
}

func confidenceFromString(s string) float64 {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return clampConfidence(f, percent)
}

func clampConfidence(f float64, percent bool) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if percent || (f > 1 && f <= 100) {
		f /= 100
	}
	return math.Max(0, math.Min(1, f))
}

// =============================================================================
// FIELD REGEXP
// =============================================================================

var (
	fieldPatterns = map[string]*regexp.Regexp{
		"analysis":      regexp.MustCompile(`"analysis"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"root_cause":    regexp.MustCompile(`"root_cause"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"suggested_fix": regexp.MustCompile(`"suggested_fix"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	}
	confidencePattern = regexp.MustCompile(`"confidence"\s*:\s*"?\s*([0-9]+(?:\.[0-9]+)?)\s*(%?)`)
)

// fieldRegexp salvages individual fields from malformed JSON. It succeeds
// when at least one field matched.
func fieldRegexp(raw string) (Result, bool) {
	found := make(map[string]string)
	for key, re := range fieldPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			found[key] = unescapeJSONString(m[1])
		}
	}

	confidence := fieldMatchConfidence
	m := confidencePattern.FindStringSubmatch(raw)
	if m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = clampConfidence(f, m[2] == "%")
		}
	}

	if len(found) == 0 && m == nil {
		return Result{}, false
	}

	r := Result{
		Analysis:        found["analysis"],
		RootCause:       found["root_cause"],
		Confidence:      confidence,
		SuggestedFix:    found["suggested_fix"],
		Recommendations: "Check the model output format",
	}
	if r.Analysis == "" {
		r.Analysis = truncateRunes(raw, 500)
	}
	if r.RootCause == "" {
		r.RootCause = "Could not extract root cause"
	}
	if r.SuggestedFix == "" {
		r.SuggestedFix = "Manual review required: the model response was not valid JSON"
	}
	return r, true
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
