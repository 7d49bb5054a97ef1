package healing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"e2eheal/internal/capture"
	"e2eheal/internal/logging"
	"e2eheal/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const healedJSON = `{"analysis": "selector stale", "root_cause": "button id changed", "confidence": 0.9,
"suggested_fix": "use the role selector", "updated_test_code": "package e2e\n", "recommendations": "add data-testid"}`

type fakeService struct {
	mu        sync.Mutex
	ready     bool
	response  string
	err       error
	panicMsg  string
	readyHits int
	prompts   []string
	images    []string
}

func (s *fakeService) Name() string  { return "fake" }
func (s *fakeService) Model() string { return "fake-model" }

func (s *fakeService) Ready(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyHits++
	return s.ready
}

func (s *fakeService) Generate(ctx context.Context, prompt, imagePath string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.images = append(s.images, imagePath)
	s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.response, s.err
}

func (s *fakeService) calls() (ready, generate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyHits, len(s.prompts)
}

type fakeCapturer struct {
	mu       sync.Mutex
	requests []capture.Request
}

func (c *fakeCapturer) Capture(ctx context.Context, req capture.Request) capture.FailureContext {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	fc := testContext(req.TestID, req.Err.Error())
	fc.TestFile = req.SourcePath
	fc.ScreenshotPath = "/tmp/shot.png"
	return fc
}

type memLedger struct {
	mu       sync.Mutex
	attempts []store.HealingAttempt
}

func (l *memLedger) RecordHealing(ctx context.Context, a store.HealingAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func testContext(testID, msg string) capture.FailureContext {
	return capture.FailureContext{
		TestID:       testID,
		TestName:     "Login with valid credentials",
		ErrorMessage: msg,
		ErrorKind:    "ActionTimeoutError",
		Timestamp:    time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
		URL:          "http://app.local/login",
		Title:        "Login",
		DOM:          `<form id="login"></form>`,
		Source:       "package e2e\n",
	}
}

type fixture struct {
	orch     *Orchestrator
	service  *fakeService
	capturer *fakeCapturer
	ledger   *memLedger
	dir      string
}

func newFixture(t *testing.T, budget int, enabled bool) *fixture {
	t.Helper()
	f := &fixture{
		service:  &fakeService{ready: true, response: healedJSON},
		capturer: &fakeCapturer{},
		ledger:   &memLedger{},
		dir:      filepath.Join(t.TempDir(), "healing"),
	}
	f.orch = NewOrchestrator(Options{
		Capturer:  f.capturer,
		Tracker:   NewTracker(budget),
		Pending:   NewPendingStore(),
		Service:   f.service,
		Reporter:  NewReporter(f.dir),
		Ledger:    f.ledger,
		Enabled:   enabled,
		Threshold: 0.7,
		RunID:     "run-1",
	})
	return f
}

func (f *fixture) fail(id string) Outcome {
	return f.orch.OnTestFailure(context.Background(), Failure{
		TestID:     id,
		TestName:   "Login with valid credentials",
		SourcePath: "e2e/login_test.go",
		Err:        errors.New("timeout waiting for #submit"),
	})
}

func reportFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestOrchestrator_HealsOnFinalAttempt(t *testing.T) {
	f := newFixture(t, 2, true)

	out := f.fail("T")
	assert.Equal(t, SkipRetrying, out.Skipped)
	assert.Equal(t, StateRetrying, out.Decision.State)

	out = f.fail("T")
	assert.Equal(t, SkipRetrying, out.Skipped)
	_, generated := f.service.calls()
	assert.Zero(t, generated)

	out = f.fail("T")
	require.True(t, out.Healed, "skipped: %s", out.Skipped)
	assert.Equal(t, Decision{Count: 3, State: StateFinalFailure}, out.Decision)
	assert.Equal(t, "selector stale", out.Result.Analysis)
	assert.Equal(t, 0.9, out.Result.Confidence)

	assert.FileExists(t, out.Artifacts.ReportPath)
	assert.FileExists(t, out.Artifacts.HTMLPath)
	assert.FileExists(t, out.Artifacts.CandidatePath)
	assert.Equal(t, ".go", filepath.Ext(out.Artifacts.CandidatePath))

	assert.Len(t, f.capturer.requests, 3)
	assert.Equal(t, "/tmp/shot.png", f.service.images[0])
	assert.Contains(t, f.service.prompts[0], "timeout waiting for #submit")

	assert.Equal(t, 0, f.orch.Tracker().Len())
	assert.Equal(t, 0, f.orch.Pending().Len())

	require.Len(t, f.ledger.attempts, 1)
	a := f.ledger.attempts[0]
	assert.Equal(t, store.OutcomeHealed, a.Outcome)
	assert.Equal(t, "run-1", a.RunID)
	assert.Equal(t, "fake-model", a.Model)
	assert.Equal(t, StrategyBraceScan, a.Strategy)
}

func TestOrchestrator_DisabledNeverCallsService(t *testing.T) {
	for _, budget := range []int{0, 2} {
		f := newFixture(t, budget, false)

		var out Outcome
		for i := 0; i <= budget; i++ {
			out = f.fail("T")
		}

		assert.True(t, out.Decision.Final(), "budget %d", budget)
		assert.Equal(t, SkipDisabled, out.Skipped)
		ready, generated := f.service.calls()
		assert.Zero(t, ready, "budget %d", budget)
		assert.Zero(t, generated, "budget %d", budget)
		assert.Empty(t, reportFiles(t, f.dir))
		assert.Equal(t, 0, f.orch.Pending().Len())
		assert.Len(t, f.capturer.requests, budget+1)
	}
}

func TestOrchestrator_EmptyResponseWritesNoReport(t *testing.T) {
	f := newFixture(t, 0, true)
	f.service.response = ""

	out := f.fail("T")

	assert.False(t, out.Healed)
	assert.Equal(t, SkipNoResponse, out.Skipped)
	assert.Empty(t, reportFiles(t, f.dir))
	require.Len(t, f.ledger.attempts, 1)
	assert.Equal(t, store.OutcomeSkipped, f.ledger.attempts[0].Outcome)
}

func TestOrchestrator_GenerateErrors(t *testing.T) {
	f := newFixture(t, 0, true)
	f.service.err = errors.New("connection refused")
	out := f.fail("T")
	assert.Contains(t, out.Skipped, "connection refused")
	assert.Empty(t, reportFiles(t, f.dir))

	f = newFixture(t, 0, true)
	f.service.ready = false
	out = f.fail("T")
	assert.Equal(t, SkipUnavailable, out.Skipped)
	_, generated := f.service.calls()
	assert.Zero(t, generated)
}

func TestOrchestrator_UnparsedResponseWritesReportOnly(t *testing.T) {
	f := newFixture(t, 0, true)
	f.service.response = "I think the button moved but I am not sure."

	out := f.fail("T")

	require.True(t, out.Healed)
	assert.True(t, out.Result.Unparsed)
	assert.Equal(t, 0.2, out.Result.Confidence)
	assert.FileExists(t, out.Artifacts.ReportPath)
	assert.Empty(t, out.Artifacts.CandidatePath)

	data, err := os.ReadFile(out.Artifacts.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "I think the button moved")
}

func TestOrchestrator_RecoversPanics(t *testing.T) {
	f := newFixture(t, 0, true)
	f.service.panicMsg = "boom"

	var out Outcome
	require.NotPanics(t, func() { out = f.fail("T") })
	assert.False(t, out.Healed)
	assert.Equal(t, "panic: boom", out.Skipped)
}

func TestOrchestrator_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("pass after retry clears state", func(t *testing.T) {
		f := newFixture(t, 2, true)
		f.fail("T")
		out := f.orch.Reconcile(ctx, "T", VerdictPassed)
		assert.Equal(t, SkipPassed, out.Skipped)
		assert.Equal(t, 0, f.orch.Tracker().Count("T"))
		assert.Equal(t, 0, f.orch.Pending().Len())
	})

	t.Run("runner final failure before budget heals", func(t *testing.T) {
		f := newFixture(t, 3, true)
		f.fail("T")
		out := f.orch.Reconcile(ctx, "T", VerdictFailed)
		assert.True(t, out.Healed)
		assert.True(t, out.Decision.Final())
		assert.Equal(t, 0, f.orch.Tracker().Len())
	})

	t.Run("already healed is not healed twice", func(t *testing.T) {
		f := newFixture(t, 0, true)
		require.True(t, f.fail("T").Healed)
		out := f.orch.Reconcile(ctx, "T", VerdictFailed)
		assert.Equal(t, SkipHandled, out.Skipped)
		_, generated := f.service.calls()
		assert.Equal(t, 1, generated)
	})

	t.Run("interrupted is dropped", func(t *testing.T) {
		f := newFixture(t, 2, true)
		f.fail("T")
		out := f.orch.Reconcile(ctx, "T", VerdictInterrupted)
		assert.Equal(t, SkipIneligible, out.Skipped)
		assert.Equal(t, 0, f.orch.Pending().Len())
		_, generated := f.service.calls()
		assert.Zero(t, generated)
	})
}

func TestOrchestrator_LogsPhases(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetBase(zap.New(core))
	t.Cleanup(func() { logging.SetBase(nil) })

	f := newFixture(t, 0, true)
	require.True(t, f.fail("T").Healed)

	phases := make(map[string]bool)
	for _, entry := range logs.All() {
		if v, ok := entry.ContextMap()["phase"]; ok {
			phases[v.(string)] = true
		}
	}
	for _, p := range []string{"check service", "query model", "parse result", "write report"} {
		assert.True(t, phases[p], "missing phase %q", p)
	}
}
