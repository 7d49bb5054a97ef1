// Package perf measures page loads, Web Vitals and SPA route changes through
// the browser.Page interface, and exports the samples as JSON and CSV.
package perf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Metrics is one measured page state. Nil fields were not available, e.g.
// PageLoadTime after a client-side route change.
type Metrics struct {
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`

	PageLoadTime           *float64 `json:"page_load_time"`
	DOMContentLoaded       *float64 `json:"dom_content_loaded"`
	FirstContentfulPaint   *float64 `json:"first_contentful_paint"`
	LargestContentfulPaint *float64 `json:"largest_contentful_paint"`
	FirstInputDelay        *float64 `json:"first_input_delay"`
	CumulativeLayoutShift  *float64 `json:"cumulative_layout_shift"`
	TimeToFirstByte        *float64 `json:"time_to_first_byte"`
	JSHeapUsedSize         *int64   `json:"js_heap_used_size"`
	JSHeapTotalSize        *int64   `json:"js_heap_total_size"`
	NetworkRequests        *int64   `json:"network_requests"`
	TotalBytesTransferred  *int64   `json:"total_bytes_transferred"`
}

// Metric names, in export column order.
const (
	MetricPageLoadTime           = "page_load_time"
	MetricDOMContentLoaded       = "dom_content_loaded"
	MetricFirstContentfulPaint   = "first_contentful_paint"
	MetricLargestContentfulPaint = "largest_contentful_paint"
	MetricFirstInputDelay        = "first_input_delay"
	MetricCumulativeLayoutShift  = "cumulative_layout_shift"
	MetricTimeToFirstByte        = "time_to_first_byte"
	MetricJSHeapUsedSize         = "js_heap_used_size"
	MetricJSHeapTotalSize        = "js_heap_total_size"
	MetricNetworkRequests        = "network_requests"
	MetricTotalBytesTransferred  = "total_bytes_transferred"
)

// Columns is the CSV header.
var Columns = []string{
	"url",
	"timestamp",
	MetricPageLoadTime,
	MetricDOMContentLoaded,
	MetricFirstContentfulPaint,
	MetricLargestContentfulPaint,
	MetricFirstInputDelay,
	MetricCumulativeLayoutShift,
	MetricTimeToFirstByte,
	MetricJSHeapUsedSize,
	MetricJSHeapTotalSize,
	MetricNetworkRequests,
	MetricTotalBytesTransferred,
}

type field struct {
	name  string
	value *float64
}

// numeric lists the optional numeric fields in column order.
func (m Metrics) numeric() []field {
	return []field{
		{MetricPageLoadTime, m.PageLoadTime},
		{MetricDOMContentLoaded, m.DOMContentLoaded},
		{MetricFirstContentfulPaint, m.FirstContentfulPaint},
		{MetricLargestContentfulPaint, m.LargestContentfulPaint},
		{MetricFirstInputDelay, m.FirstInputDelay},
		{MetricCumulativeLayoutShift, m.CumulativeLayoutShift},
		{MetricTimeToFirstByte, m.TimeToFirstByte},
		{MetricJSHeapUsedSize, intValue(m.JSHeapUsedSize)},
		{MetricJSHeapTotalSize, intValue(m.JSHeapTotalSize)},
		{MetricNetworkRequests, intValue(m.NetworkRequests)},
		{MetricTotalBytesTransferred, intValue(m.TotalBytesTransferred)},
	}
}

// Values returns the present numeric fields by name.
func (m Metrics) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, f := range m.numeric() {
		if f.value != nil {
			out[f.name] = *f.value
		}
	}
	return out
}

// record renders m as one CSV row; absent values are empty cells.
func (m Metrics) record() []string {
	row := []string{m.URL, m.Timestamp.UTC().Format(time.RFC3339Nano)}
	for _, f := range m.numeric() {
		if f.value == nil {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(*f.value, 'f', -1, 64))
	}
	return row
}

// Average computes the per-field mean over present values only. Fields
// absent from every sample are omitted.
func Average(samples []Metrics) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, m := range samples {
		for name, v := range m.Values() {
			sums[name] += v
			counts[name]++
		}
	}
	out := make(map[string]float64, len(sums))
	for name, sum := range sums {
		out[name] = sum / float64(counts[name])
	}
	return out
}

func intValue(v *int64) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// Rating is a Web Vitals verdict.
type Rating string

const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs improvement"
	RatingPoor             Rating = "poor"
)

type thresholds struct{ good, poor float64 }

var vitalThresholds = map[string]thresholds{
	MetricLargestContentfulPaint: {2500, 4000},
	MetricFirstInputDelay:        {100, 300},
	MetricCumulativeLayoutShift:  {0.1, 0.25},
}

// Rate classifies a Core Web Vital. ok is false for metrics without
// thresholds.
func Rate(metric string, v float64) (r Rating, ok bool) {
	t, ok := vitalThresholds[metric]
	if !ok {
		return "", false
	}
	switch {
	case v <= t.good:
		return RatingGood, true
	case v <= t.poor:
		return RatingNeedsImprovement, true
	default:
		return RatingPoor, true
	}
}

// Summary renders a human-readable digest of m.
func Summary(m Metrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Performance metrics for %s\n", m.URL)

	ms := func(label string, v *float64) {
		if v != nil {
			fmt.Fprintf(&b, "  %-22s %.2f ms\n", label, *v)
		}
	}
	ms("Page load time:", m.PageLoadTime)
	ms("DOM content loaded:", m.DOMContentLoaded)
	ms("Time to first byte:", m.TimeToFirstByte)

	b.WriteString("Core Web Vitals:\n")
	vital := func(label, metric, format string, v *float64) {
		if v == nil {
			return
		}
		r, _ := Rate(metric, *v)
		fmt.Fprintf(&b, "  %-22s "+format+" (%s)\n", label, *v, r)
	}
	vital("LCP:", MetricLargestContentfulPaint, "%.2f ms", m.LargestContentfulPaint)
	vital("FID:", MetricFirstInputDelay, "%.2f ms", m.FirstInputDelay)
	vital("CLS:", MetricCumulativeLayoutShift, "%.3f", m.CumulativeLayoutShift)
	ms("FCP:", m.FirstContentfulPaint)

	b.WriteString("Resources:\n")
	if m.JSHeapUsedSize != nil {
		fmt.Fprintf(&b, "  %-22s %.2f MB\n", "JS heap used:", float64(*m.JSHeapUsedSize)/1024/1024)
	}
	if m.NetworkRequests != nil {
		fmt.Fprintf(&b, "  %-22s %d\n", "Network requests:", *m.NetworkRequests)
	}
	if m.TotalBytesTransferred != nil {
		fmt.Fprintf(&b, "  %-22s %.2f KB\n", "Total bytes:", float64(*m.TotalBytesTransferred)/1024)
	}
	return b.String()
}
