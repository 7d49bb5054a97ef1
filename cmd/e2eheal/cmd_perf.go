package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"e2eheal/internal/browser"
	"e2eheal/internal/harness"
	"e2eheal/internal/perf"
	"e2eheal/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	measureConcurrency int
	measureName        string
	measureNoLedger    bool
)

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Measure pages and summarize performance exports",
}

var perfMeasureCmd = &cobra.Command{
	Use:   "measure <url>...",
	Short: "Load each URL in a fresh page and record its metrics",
	Long: `Opens one page per URL, up to --concurrency at a time, and records
navigation timing, Core Web Vitals and resource usage. Results are exported
as JSON and CSV to the perf directory and appended to the ledger, and each
URL is compared against its ledger baseline.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPerfMeasure,
}

var perfSummaryCmd = &cobra.Command{
	Use:   "summary <metrics.json>",
	Short: "Summarize an exported metrics file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPerfSummary,
}

func init() {
	perfMeasureCmd.Flags().IntVar(&measureConcurrency, "concurrency", 0, "Pages measured at once (default from config)")
	perfMeasureCmd.Flags().StringVar(&measureName, "name", "", "Export base name")
	perfMeasureCmd.Flags().BoolVar(&measureNoLedger, "no-ledger", false, "Do not record samples in the ledger")
}

func runPerfMeasure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var ledger *store.LocalStore
	opts := perf.Options{
		OutputDir:   cfg.PerfDir(),
		SettleDelay: cfg.Perf.GetSettleDelay(),
		VitalsDelay: cfg.Perf.GetVitalsDelay(),
		IdleTimeout: cfg.Perf.GetIdleTimeout(),
		RunID:       uuid.NewString(),
		ExportName:  measureName,
	}
	if !measureNoLedger {
		var err error
		if ledger, err = store.NewLocalStore(cfg.LedgerPath()); err != nil {
			return err
		}
		defer ledger.Close()
		opts.Ledger = ledger
	}
	mon := perf.NewMonitor(opts)

	sessions := browser.NewSessionManager(harness.BrowserConfig(cfg))
	defer func() { _ = sessions.Shutdown(ctx) }()
	if err := sessions.Start(ctx); err != nil {
		return err
	}

	limit := measureConcurrency
	if limit <= 0 {
		limit = cfg.Perf.GetConcurrency()
	}

	// Baselines are read before this run's samples are flushed.
	baselines := make(map[string]map[string]float64)
	if ledger != nil {
		for _, url := range args {
			baselines[url] = baselineFor(cmd, ledger, url)
		}
	}

	results := make([]perf.Metrics, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, url := range args {
		g.Go(func() error {
			rp, err := sessions.NewPage(gctx, "about:blank")
			if err != nil {
				return err
			}
			defer func() { _ = sessions.ClosePage(rp.ID()) }()

			page := browser.Guard(rp, cfg.GetTimeout())
			m, err := mon.MeasurePagePerformance(gctx, page, url)
			if err != nil {
				return fmt.Errorf("measure %s: %w", url, err)
			}
			results[i] = m
			logger.Debug("measured", zap.String("url", url), zap.Int("index", i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, m := range results {
		fmt.Fprintln(out, perf.Summary(m))
		if base := baselines[args[i]]; len(base) > 0 {
			fmt.Fprint(out, baselineTable(m, base))
		}
	}

	ex, err := mon.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, check(true, "exported", ex.JSONPath+", "+ex.CSVPath))
	return nil
}

var baselineMetrics = []string{
	perf.MetricPageLoadTime,
	perf.MetricTimeToFirstByte,
	perf.MetricFirstContentfulPaint,
	perf.MetricLargestContentfulPaint,
	perf.MetricCumulativeLayoutShift,
}

func baselineFor(cmd *cobra.Command, ledger *store.LocalStore, url string) map[string]float64 {
	base := make(map[string]float64)
	for _, metric := range baselineMetrics {
		mean, ok, err := ledger.PerfBaseline(cmd.Context(), url, metric)
		if err != nil {
			logger.Warn("baseline lookup failed", zap.String("url", url), zap.String("metric", metric), zap.Error(err))
			continue
		}
		if ok {
			base[metric] = mean
		}
	}
	return base
}

func baselineTable(m perf.Metrics, base map[string]float64) *table {
	values := m.Values()
	t := newTable("Against baseline", "METRIC", "NOW", "BASELINE", "CHANGE")
	for _, metric := range baselineMetrics {
		b, okBase := base[metric]
		v, okNow := values[metric]
		if !okBase || !okNow {
			continue
		}
		change := "-"
		if b != 0 {
			pct := (v - b) / b * 100
			change = fmt.Sprintf("%+.1f%%", pct)
			if pct > 20 {
				change = failStyle.Render(change)
			} else if pct < -5 {
				change = okStyle.Render(change)
			}
		}
		t.add(metric, formatMetric(metric, v), formatMetric(metric, b), change)
	}
	return t
}

func formatMetric(metric string, v float64) string {
	if metric == perf.MetricCumulativeLayoutShift {
		return fmt.Sprintf("%.3f", v)
	}
	return fmt.Sprintf("%.1f ms", v)
}

func runPerfSummary(cmd *cobra.Command, args []string) error {
	samples, err := loadMetrics(args[0])
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No samples in "+args[0]))
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), averagesTable(samples))
	return nil
}

func loadMetrics(path string) ([]perf.Metrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	var samples []perf.Metrics
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return samples, nil
}

func averagesTable(samples []perf.Metrics) *table {
	urls := make(map[string]bool)
	for _, s := range samples {
		urls[s.URL] = true
	}
	avg := perf.Average(samples)
	metrics := make([]string, 0, len(avg))
	for metric := range avg {
		metrics = append(metrics, metric)
	}
	order := make(map[string]int, len(perf.Columns))
	for i, c := range perf.Columns {
		order[c] = i
	}
	sort.Slice(metrics, func(i, j int) bool { return order[metrics[i]] < order[metrics[j]] })

	t := newTable(fmt.Sprintf("Averages over %d samples (%d URLs)", len(samples), len(urls)), "METRIC", "AVERAGE", "RATING")
	for _, metric := range metrics {
		rating := ""
		if r, ok := perf.Rate(metric, avg[metric]); ok {
			rating = string(r)
		}
		value := fmt.Sprintf("%.2f", avg[metric])
		if strings.HasSuffix(metric, "_size") || strings.HasSuffix(metric, "_transferred") {
			value = fmt.Sprintf("%.0f B", avg[metric])
		}
		t.add(metric, value, rating)
	}
	return t
}
