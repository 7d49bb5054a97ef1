package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"e2eheal/internal/diff"
	"e2eheal/internal/logging"
	"e2eheal/internal/store"

	"github.com/AlecAivazis/survey/v2"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const reportSuffix = "_analysis.md"

var (
	listLimit   int
	promoteTo   string
	promoteYes  bool
	watchSettle time.Duration
)

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Review healing reports and promote healed tests",
}

var healShowCmd = &cobra.Command{
	Use:   "show [report]",
	Short: "Render a healing report in the terminal (default: newest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHealShow,
}

var healListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded healing attempts from the ledger",
	RunE:  runHealList,
}

var healPromoteCmd = &cobra.Command{
	Use:   "promote <candidate>",
	Short: "Copy a healed test candidate over the original test file",
	Long: `Candidates are never applied automatically. promote shows the diff
against the target and asks for confirmation before overwriting it. The
previous file is kept alongside with a .orig suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: runHealPromote,
}

var healWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render new healing reports as they are written",
	RunE:  runHealWatch,
}

func init() {
	healListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum attempts to show")
	healPromoteCmd.Flags().StringVar(&promoteTo, "to", "", "Test file to overwrite (required)")
	healPromoteCmd.Flags().BoolVarP(&promoteYes, "yes", "y", false, "Do not ask for confirmation")
	_ = healPromoteCmd.MarkFlagRequired("to")
	healWatchCmd.Flags().DurationVar(&watchSettle, "settle", 300*time.Millisecond, "Quiet period before rendering a written report")
}

func runHealShow(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		reports, err := listReports(cfg.HealingDir())
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			return fmt.Errorf("no healing reports in %s", cfg.HealingDir())
		}
		path = reports[len(reports)-1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(string(data)))
	return nil
}

// listReports returns the analysis reports in dir, oldest first.
func listReports(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read healing dir: %w", err)
	}
	type report struct {
		path string
		mod  time.Time
	}
	var reports []report
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), reportSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		reports = append(reports, report{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].mod.Equal(reports[j].mod) {
			return reports[i].path < reports[j].path
		}
		return reports[i].mod.Before(reports[j].mod)
	})
	paths := make([]string, len(reports))
	for i, r := range reports {
		paths[i] = r.path
	}
	return paths, nil
}

func runHealList(cmd *cobra.Command, args []string) error {
	ledger, err := store.NewLocalStore(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	attempts, err := ledger.ListHealing(cmd.Context(), listLimit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No healing attempts recorded."))
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), attemptsTable(attempts))
	return nil
}

func attemptsTable(attempts []store.HealingAttempt) *table {
	t := newTable("Healing attempts", "WHEN", "TEST", "OUTCOME", "CONFIDENCE", "DETAIL")
	for _, a := range attempts {
		outcome := okStyle.Render(a.Outcome)
		detail := a.ReportPath
		confidence := fmt.Sprintf("%.0f%%", a.Confidence*100)
		if a.Outcome != store.OutcomeHealed {
			outcome = warnStyle.Render(a.Outcome)
			detail = a.Reason
			confidence = "-"
		}
		if a.CandidatePath != "" {
			detail += " +candidate"
		}
		t.add(humanize.Time(a.CreatedAt), a.TestName, outcome, confidence, detail)
	}
	return t
}

func runHealPromote(cmd *cobra.Command, args []string) error {
	candidate := args[0]
	healed, err := os.ReadFile(candidate)
	if err != nil {
		return fmt.Errorf("candidate: %w", err)
	}
	current, err := os.ReadFile(promoteTo)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("target: %w", err)
	}

	d := diff.Compute(promoteTo, candidate, string(current), string(healed), diff.DefaultContext)
	if d.Empty() {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Candidate is identical to "+promoteTo+"; nothing to promote."))
		return nil
	}
	added, removed := d.Stats()
	fmt.Fprint(cmd.OutOrStdout(), d.Render(styleDiffLine))
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("%d added, %d removed", added, removed)))

	if !promoteYes {
		ok := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Overwrite %s with %s?", promoteTo, filepath.Base(candidate)),
			Default: false,
		}
		if err := survey.AskOne(prompt, &ok); err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Not promoted."))
			return nil
		}
	}

	backup, err := promote(candidate, promoteTo)
	if err != nil {
		return err
	}
	logging.Healing("Promoted %s to %s", candidate, promoteTo)
	detail := promoteTo
	if backup != "" {
		detail += " (previous kept at " + backup + ")"
	}
	fmt.Fprintln(cmd.OutOrStdout(), check(true, "promoted", detail))
	return nil
}

// promote copies candidate over target, keeping an existing target as
// target.orig. It returns the backup path, or "" when target was new.
func promote(candidate, target string) (string, error) {
	src, err := os.Open(candidate)
	if err != nil {
		return "", fmt.Errorf("open candidate: %w", err)
	}
	defer src.Close()

	backup := ""
	if _, err := os.Stat(target); err == nil {
		backup = target + ".orig"
		if err := os.Rename(target, backup); err != nil {
			return "", fmt.Errorf("back up %s: %w", target, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}
	dst, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy candidate: %w", err)
	}
	return backup, dst.Close()
}

func runHealWatch(cmd *cobra.Command, args []string) error {
	dir := cfg.HealingDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create healing dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Watching "+dir+" (Ctrl+C to stop)"))
	return watchReports(cmd.Context(), watcher, watchSettle, func(path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.HealingWarn("read %s: %v", path, err)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("── "+filepath.Base(path)))
		fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(string(data)))
	})
}

// watchReports calls render once per report after its writes have been
// quiet for settle. It returns when ctx is done or the watcher closes.
func watchReports(ctx context.Context, w *fsnotify.Watcher, settle time.Duration, render func(string)) error {
	pending := make(map[string]time.Time)
	seen := make(map[string]bool)
	tick := time.NewTicker(max(settle/3, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, reportSuffix) || seen[event.Name] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.HealingWarn("watch error: %v", err)

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				seen[path] = true
				render(path)
			}
		}
	}
}
