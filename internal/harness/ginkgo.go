package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"e2eheal/internal/browser"
	"e2eheal/internal/config"
	"e2eheal/internal/healing"
	"e2eheal/internal/logging"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/ginkgo/v2/types"
	"go.uber.org/zap"
)

// InstallGinkgoHooks registers the per-attempt failure hook and the
// post-retry reconciliation with the running suite. get is evaluated lazily
// so the harness can be built in BeforeSuite.
//
// Call it at the top level of the suite file, before any container.
func InstallGinkgoHooks(get func() *Harness) {
	ginkgo.AfterEach(func(ctx ginkgo.SpecContext) {
		h := get()
		if h == nil {
			return
		}
		report := ginkgo.CurrentSpecReport()
		if !attemptFailed(report.State) {
			h.takeObserved()
			return
		}

		out := h.ReportFailure(ctx, SpecID(report), report.FullText(), report.LeafNodeLocation.FileName, FailureError(report))
		logging.Get(logging.CategoryHarness).Zap().Info("attempt failed",
			zap.String("test_id", SpecID(report)),
			zap.Int("attempt", report.NumAttempts),
			zap.Bool("final", out.Decision.Final()),
			zap.Bool("healed", out.Healed),
			zap.String("skipped", out.Skipped))

		if !out.Decision.Final() {
			if delay := h.Config.GetRetryDelay(); delay > 0 {
				_ = browser.Sleep(ctx, delay)
			}
		}
	})

	ginkgo.ReportAfterEach(func(report ginkgo.SpecReport) {
		h := get()
		if h == nil {
			return
		}
		out := h.Orchestrator.Reconcile(context.Background(), SpecID(report), Verdict(report.State))
		if out.Healed {
			logging.Harness("Healed %s after the runner's final failure", SpecID(report))
		}
	})
}

// FlakeAttempts is the decorator giving a spec the configured R retries.
// Decorators are evaluated while the tree is built, before any harness
// exists, so it reads the configuration directly.
func FlakeAttempts(cfg *config.Config) ginkgo.FlakeAttempts {
	return ginkgo.FlakeAttempts(cfg.Runner.RetryCount + 1)
}

// SpecID is the stable test identity: source file plus full spec text.
// It is the same across attempts of one spec. Files under the working
// directory are named relative to it.
func SpecID(report types.SpecReport) string {
	return relativeFile(report.LeafNodeLocation.FileName) + "::" + report.FullText()
}

func relativeFile(name string) string {
	wd, err := os.Getwd()
	if err != nil || !filepath.IsAbs(name) {
		return name
	}
	rel, err := filepath.Rel(wd, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return name
	}
	return filepath.ToSlash(rel)
}

// FailureError turns the attempt's failure into an error, or nil.
func FailureError(report types.SpecReport) error {
	msg := report.FailureMessage()
	if msg == "" {
		if report.State.Is(types.SpecStateFailureStates) {
			return errors.New(report.State.String())
		}
		return nil
	}
	return errors.New(msg)
}

func attemptFailed(state types.SpecState) bool {
	switch state {
	case types.SpecStateFailed, types.SpecStatePanicked, types.SpecStateTimedout:
		return true
	}
	return false
}

// Verdict maps the runner's final spec state to the orchestrator's.
func Verdict(state types.SpecState) healing.RunnerVerdict {
	switch state {
	case types.SpecStatePassed:
		return healing.VerdictPassed
	case types.SpecStateFailed, types.SpecStatePanicked, types.SpecStateTimedout:
		return healing.VerdictFailed
	case types.SpecStateSkipped, types.SpecStatePending:
		return healing.VerdictSkipped
	default:
		return healing.VerdictInterrupted
	}
}
