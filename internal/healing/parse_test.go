package healing

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_EmbeddedObject(t *testing.T) {
	raw := `Here is my analysis: {"analysis": "selector stale", "confidence": 0.9} hope it helps`

	r := ParseResponse(raw)

	assert.Equal(t, "selector stale", r.Analysis)
	assert.Equal(t, 0.9, r.Confidence)
	assert.Equal(t, StrategyBraceScan, r.Strategy)
	assert.Equal(t, raw, r.RawResponse)
	assert.False(t, r.Unparsed)
}

func TestParseResponse_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strategy string
		analysis string
	}{
		{
			name:     "json fence",
			raw:      "Sure!\n\n```json\n{\"analysis\": \"fenced\", \"confidence\": 0.5}\n```\n",
			strategy: StrategyJSONFence,
			analysis: "fenced",
		},
		{
			name:     "one-line json fence",
			raw:      "```json {\"analysis\": \"inline\"} ```",
			strategy: StrategyJSONFence,
			analysis: "inline",
		},
		{
			name:     "unlabelled fence",
			raw:      "Result:\n\n```\n{\"analysis\": \"plain fence\"}\n```\n",
			strategy: StrategyAnyFence,
			analysis: "plain fence",
		},
		{
			name:     "braces inside strings",
			raw:      `Answer {"analysis": "use {curly} \"quoted\" braces", "confidence": 0.4} end`,
			strategy: StrategyBraceScan,
			analysis: `use {curly} "quoted" braces`,
		},
		{
			name:     "first object lacks schema keys",
			raw:      `{"note": "ignore"} then {"analysis": "second"}`,
			strategy: StrategyBraceScan,
			analysis: "second",
		},
		{
			name:     "whitespace-led object",
			raw:      "\n\n{ \"analysis\" : \"spaced\" }\n",
			strategy: StrategyBraceScan,
			analysis: "spaced",
		},
		{
			name:     "truncated json",
			raw:      `{"analysis": "timing issue", "confidence": 0.7, "root_cause": "race`,
			strategy: StrategyFieldRegexp,
			analysis: "timing issue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseResponse(tt.raw)
			assert.Equal(t, tt.strategy, r.Strategy)
			assert.Equal(t, tt.analysis, r.Analysis)
			assert.False(t, r.Unparsed)
		})
	}
}

func TestParseResponse_FieldRegexpDefaults(t *testing.T) {
	raw := `{"root_cause": "button renamed", "suggested_fix": "use data-testid"`
	r := ParseResponse(raw)

	assert.Equal(t, StrategyFieldRegexp, r.Strategy)
	assert.Equal(t, "button renamed", r.RootCause)
	assert.Equal(t, "use data-testid", r.SuggestedFix)
	assert.Equal(t, 0.3, r.Confidence)
	assert.Equal(t, raw, r.Analysis)
}

func TestParseResponse_Fallback(t *testing.T) {
	for _, raw := range []string{"", "   ", "The login button moved.", `{"unrelated": true}`, "{{{"} {
		r := ParseResponse(raw)
		assert.True(t, r.Unparsed, "input %q", raw)
		assert.Equal(t, StrategyFallback, r.Strategy)
		assert.Equal(t, 0.2, r.Confidence)
		assert.Equal(t, raw, r.Analysis)
		assert.Empty(t, r.UpdatedTestCode)
	}
}

func TestParseResponse_Total(t *testing.T) {
	inputs := []string{
		"",
		"prose only",
		"{",
		"}",
		"}{",
		`{"analysis": }`,
		`{"confidence": "NaN"}`,
		`{"confidence": 1e309}`,
		"```json\n{broken\n```",
		"```",
		`[{"analysis": "in array"}]`,
		`{"analysis": "ok", "confidence": -4}`,
		`{"analysis": "ok", "confidence": 250}`,
		strings.Repeat("{\"a\":", 200),
		"\x00\xff\xfe",
	}
	for _, raw := range inputs {
		var r Result
		require.NotPanics(t, func() { r = ParseResponse(raw) }, "input %q", raw)
		assert.GreaterOrEqual(t, r.Confidence, 0.0, "input %q", raw)
		assert.LessOrEqual(t, r.Confidence, 1.0, "input %q", raw)
		assert.False(t, math.IsNaN(r.Confidence))
		assert.Equal(t, raw, r.RawResponse)
		assert.NotEmpty(t, r.Strategy)
	}
}

func TestParseResponse_RoundTrip(t *testing.T) {
	want := Result{
		Analysis:        "The submit button id changed",
		RootCause:       "selector #submit no longer exists",
		Confidence:      0.85,
		SuggestedFix:    "select the button by role",
		UpdatedTestCode: "package e2e\n\nfunc TestLogin() {}\n",
		Recommendations: "prefer data-testid attributes",
	}
	data, err := json.Marshal(want)
	require.NoError(t, err)

	got := ParseResponse(string(data))

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Result{}, "RawResponse", "Strategy")); diff != "" {
		t.Errorf("ParseResponse round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseResponse_TextFields(t *testing.T) {
	r := ParseResponse(`{"analysis": ["line one", "line two"], "suggested_fix": {"selector": "#go"}, "recommendations": null}`)
	assert.Equal(t, "line one\nline two", r.Analysis)
	assert.Equal(t, `{"selector":"#go"}`, r.SuggestedFix)
	assert.Empty(t, r.Recommendations)
	assert.Zero(t, r.Confidence)
}

func TestCoerceConfidence(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{``, 0},
		{`0.8`, 0.8},
		{`1`, 1},
		{`85`, 0.85},
		{`100`, 1},
		{`150`, 1},
		{`-0.5`, 0},
		{`"0.75"`, 0.75},
		{`"80%"`, 0.8},
		{`" 42 % "`, 0.42},
		{`"high"`, 0},
		{`true`, 0},
		{`null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.InDelta(t, tt.want, CoerceConfidence(json.RawMessage(tt.raw)), 1e-9)
		})
	}
}
