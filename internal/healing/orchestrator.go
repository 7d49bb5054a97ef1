package healing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"e2eheal/internal/browser"
	"e2eheal/internal/capture"
	"e2eheal/internal/inference"
	"e2eheal/internal/logging"
	"e2eheal/internal/store"

	"go.uber.org/zap"
)

// Capturer snapshots a failed attempt. *capture.Engine implements it.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) capture.FailureContext
}

// Ledger records final-failure handling. *store.LocalStore implements it.
type Ledger interface {
	RecordHealing(ctx context.Context, a store.HealingAttempt) error
}

// Failure is one failed test attempt as seen by the runner hook.
type Failure struct {
	TestID     string
	TestName   string
	SourcePath string
	Err        error
	ErrorKind  string
	// Page may be nil.
	Page browser.Page
}

// Outcome reports what the orchestrator did with a failure.
type Outcome struct {
	Decision  Decision
	Healed    bool
	Skipped   string
	Result    *Result
	Artifacts Artifacts
}

// Skip reasons.
const (
	SkipRetrying    = "retry pending"
	SkipDisabled    = "healing disabled"
	SkipNoContext   = "no pending context"
	SkipUnavailable = "model service unavailable"
	SkipNoResponse  = "empty model response"
	SkipPassed      = "passed"
	SkipHandled     = "already handled"
	SkipIneligible  = "runner state not eligible"
)

// RunnerVerdict is the runner's final word on a test.
type RunnerVerdict int

const (
	VerdictPassed RunnerVerdict = iota
	VerdictFailed
	VerdictSkipped
	VerdictInterrupted
)

func (v RunnerVerdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	case VerdictSkipped:
		return "skipped"
	case VerdictInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Options configures an Orchestrator.
type Options struct {
	Capturer Capturer
	Tracker  *Tracker
	Pending  *PendingStore
	// Service may be nil when healing is disabled.
	Service  inference.Service
	Reporter *Reporter
	// Ledger is optional.
	Ledger Ledger

	Enabled   bool
	Threshold float64
	RunID     string
}

// Orchestrator drives failure capture, finality and the model call.
type Orchestrator struct {
	opts Options
	log  *logging.Logger
}

// NewOrchestrator creates an orchestrator. Tracker and Pending default to
// fresh instances with a zero retry budget.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Tracker == nil {
		opts.Tracker = NewTracker(0)
	}
	if opts.Pending == nil {
		opts.Pending = NewPendingStore()
	}
	return &Orchestrator{opts: opts, log: logging.Get(logging.CategoryHealing)}
}

// Tracker returns the failure-count tracker.
func (o *Orchestrator) Tracker() *Tracker { return o.opts.Tracker }

// Pending returns the pending-context store.
func (o *Orchestrator) Pending() *PendingStore { return o.opts.Pending }

// OnTestFailure handles one failed attempt: capture, store, count and, on
// the final attempt with healing enabled, analyze. It never panics and
// never alters the test's own failure.
func (o *Orchestrator) OnTestFailure(ctx context.Context, f Failure) (out Outcome) {
	defer o.recoverInto(f.TestID, &out)

	fc := o.capture(ctx, f)
	o.opts.Pending.Put(fc)

	d := o.opts.Tracker.RecordFailure(f.TestID)
	out.Decision = d
	if !d.Final() {
		logging.HealingDebug("%s failed attempt %d of %d, waiting for retry",
			f.TestID, d.Count, o.opts.Tracker.Budget()+1)
		out.Skipped = SkipRetrying
		return out
	}

	healed := o.heal(ctx, f.TestID)
	healed.Decision = d
	return healed
}

// OnTestPassed forgets any failure history of a test that passed on retry.
func (o *Orchestrator) OnTestPassed(testID string) {
	if n := o.opts.Tracker.Reset(testID); n > 0 {
		logging.Healing("%s passed after %d failed attempt(s)", testID, n)
	}
	o.opts.Pending.Drop(testID)
}

// Reconcile applies the runner's final verdict. The runner is
// authoritative: a final failure the tracker did not reach is healed from
// the pending context, a pass clears all state, and interrupted or skipped
// tests are never healed.
func (o *Orchestrator) Reconcile(ctx context.Context, testID string, verdict RunnerVerdict) (out Outcome) {
	defer o.recoverInto(testID, &out)

	switch verdict {
	case VerdictPassed:
		o.OnTestPassed(testID)
		out.Skipped = SkipPassed
		return out

	case VerdictFailed:
		if _, ok := o.opts.Pending.Peek(testID); !ok {
			out.Skipped = SkipHandled
			return out
		}
		n := o.opts.Tracker.Reset(testID)
		o.log.Zap().Warn("runner reported final failure before retry budget was exhausted",
			zap.String("test_id", testID),
			zap.Int("failures", n),
			zap.Int("budget", o.opts.Tracker.Budget()),
		)
		out = o.heal(ctx, testID)
		out.Decision = Decision{Count: n, State: StateFinalFailure}
		return out

	default:
		o.opts.Tracker.Reset(testID)
		o.opts.Pending.Drop(testID)
		logging.HealingDebug("%s ended as %s, not healing", testID, verdict)
		out.Skipped = SkipIneligible
		return out
	}
}

func (o *Orchestrator) capture(ctx context.Context, f Failure) (fc capture.FailureContext) {
	base := capture.FailureContext{
		TestID:       f.TestID,
		TestName:     f.TestName,
		TestFile:     f.SourcePath,
		ErrorMessage: errString(f.Err),
		ErrorKind:    f.ErrorKind,
	}
	if o.opts.Capturer == nil {
		base.Timestamp = time.Now()
		return base
	}
	defer func() {
		if r := recover(); r != nil {
			logging.HealingError("capture panicked for %s: %v", f.TestID, r)
			fc = base
		}
	}()
	return o.opts.Capturer.Capture(ctx, capture.Request{
		TestID:     f.TestID,
		TestName:   f.TestName,
		SourcePath: f.SourcePath,
		Err:        f.Err,
		ErrorKind:  f.ErrorKind,
		Page:       f.Page,
	})
}

// heal consumes the pending context and runs the model phases.
func (o *Orchestrator) heal(ctx context.Context, testID string) Outcome {
	fc, ok := o.opts.Pending.Take(testID)
	if !ok {
		return o.skip(ctx, capture.FailureContext{TestID: testID}, SkipNoContext)
	}
	if !o.opts.Enabled || o.opts.Service == nil || o.opts.Reporter == nil {
		logging.HealingDebug("%s reached final failure; %s", testID, SkipDisabled)
		return Outcome{Skipped: SkipDisabled}
	}

	log := o.log.Zap().With(zap.String("test_id", testID), zap.String("model", o.opts.Service.Model()))
	timer := logging.StartTimer(logging.CategoryHealing, "heal "+testID)
	defer timer.Stop()

	log.Info("healing final failure", zap.String("phase", "check service"))
	if !o.opts.Service.Ready(ctx) {
		log.Warn("model service not ready, skipping healing", zap.String("phase", "check service"))
		return o.skip(ctx, fc, SkipUnavailable)
	}

	log.Info("requesting analysis", zap.String("phase", "query model"))
	raw, err := o.opts.Service.Generate(ctx, BuildPrompt(fc), fc.ScreenshotPath)
	if err != nil {
		reason := "generate failed: " + err.Error()
		if errors.Is(err, inference.ErrEmptyResponse) {
			reason = SkipNoResponse
		}
		log.Warn("model call failed", zap.String("phase", "query model"), zap.Error(err))
		return o.skip(ctx, fc, reason)
	}
	if strings.TrimSpace(raw) == "" {
		log.Warn("model returned nothing", zap.String("phase", "query model"))
		return o.skip(ctx, fc, SkipNoResponse)
	}

	res := ParseResponse(raw)
	parseLog := log.With(zap.String("phase", "parse result"),
		zap.String("strategy", res.Strategy), zap.Float64("confidence", res.Confidence))
	if res.Unparsed {
		parseLog.Warn("could not parse model response, low confidence")
	} else {
		parseLog.Info("parsed model response")
	}

	art, err := o.opts.Reporter.Emit(fc.TestName, res, fc)
	if err != nil {
		log.Error("failed to write healing report", zap.String("phase", "write report"), zap.Error(err))
		return o.skip(ctx, fc, "write report: "+err.Error())
	}
	log.Info("healing report written", zap.String("phase", "write report"),
		zap.String("report", art.ReportPath), zap.String("candidate", art.CandidatePath))

	o.summarize(fc, res, art)
	o.record(ctx, store.HealingAttempt{
		RunID:         o.opts.RunID,
		TestID:        fc.TestID,
		TestName:      fc.TestName,
		Outcome:       store.OutcomeHealed,
		Model:         o.opts.Service.Model(),
		Confidence:    res.Confidence,
		Strategy:      res.Strategy,
		ReportPath:    art.ReportPath,
		CandidatePath: art.CandidatePath,
	})
	return Outcome{Healed: true, Result: &res, Artifacts: art}
}

func (o *Orchestrator) skip(ctx context.Context, fc capture.FailureContext, reason string) Outcome {
	a := store.HealingAttempt{
		RunID:    o.opts.RunID,
		TestID:   fc.TestID,
		TestName: fc.TestName,
		Outcome:  store.OutcomeSkipped,
		Reason:   reason,
	}
	if o.opts.Service != nil {
		a.Model = o.opts.Service.Model()
	}
	o.record(ctx, a)
	return Outcome{Skipped: reason}
}

func (o *Orchestrator) record(ctx context.Context, a store.HealingAttempt) {
	if o.opts.Ledger == nil {
		return
	}
	if err := o.opts.Ledger.RecordHealing(ctx, a); err != nil {
		logging.HealingWarn("failed to record healing attempt for %s: %v", a.TestID, err)
	}
}

// summarize prints the operator-facing verdict.
func (o *Orchestrator) summarize(fc capture.FailureContext, res Result, art Artifacts) {
	verdict := "manual review recommended"
	if res.Confidence >= o.opts.Threshold {
		verdict = "review the healed test"
	}
	if art.CandidatePath == "" {
		verdict = "manual review recommended (no candidate test)"
	}
	logging.Healing("Healing analysis for %s: model=%s confidence=%.0f%% threshold=%.0f%% -> %s",
		fc.TestName, o.opts.Service.Model(), res.Confidence*100, o.opts.Threshold*100, verdict)
	logging.Healing("Report: %s", art.ReportPath)
	if art.CandidatePath != "" {
		logging.Healing("Healed test: %s", art.CandidatePath)
	}
}

func (o *Orchestrator) recoverInto(testID string, out *Outcome) {
	if r := recover(); r != nil {
		logging.HealingError("healing panicked for %s: %v", testID, r)
		out.Healed = false
		out.Skipped = fmt.Sprintf("panic: %v", r)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
