// Package logging provides categorized logging for e2eheal on top of zap.
// Every category writes to the shared console core. In debug mode each category
// additionally gets its own file under the configured logs directory.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config loading
	CategoryBrowser Category = "browser" // Driver sessions and page actions
	CategoryCapture Category = "capture" // Failure context capture
	CategoryHealing Category = "healing" // Healing orchestration
	CategoryGateway Category = "gateway" // Model service calls
	CategoryPerf    Category = "perf"    // Performance instrumentation
	CategoryStore   Category = "store"   // Ledger persistence
	CategoryHarness Category = "harness" // Runner hooks
	CategoryCLI     Category = "cli"
)

// AllCategories lists every known category.
var AllCategories = []Category{
	CategoryBoot,
	CategoryBrowser,
	CategoryCapture,
	CategoryHealing,
	CategoryGateway,
	CategoryPerf,
	CategoryStore,
	CategoryHarness,
	CategoryCLI,
}

// Options controls logger construction. It mirrors config.LoggingConfig
// to avoid an import cycle.
type Options struct {
	Dir        string
	Level      string
	JSONFormat bool
	DebugMode  bool
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	files     = make(map[Category]*os.File)
	loggersMu sync.RWMutex

	base    = zap.NewNop()
	options Options
	optsMu  sync.RWMutex
)

// Initialize builds the console core and, in debug mode, prepares the logs
// directory. Safe to call more than once; previously opened files are closed.
func Initialize(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	if opts.DebugMode {
		if opts.Dir == "" {
			return fmt.Errorf("logs directory required in debug mode")
		}
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	core := zapcore.NewCore(newEncoder(opts.JSONFormat), zapcore.Lock(os.Stderr), level)

	optsMu.Lock()
	options = opts
	optsMu.Unlock()

	replaceBase(zap.New(core))
	Get(CategoryBoot).Debug("logging initialized (level=%s debug=%v)", level, opts.DebugMode)
	return nil
}

// SetBase swaps the shared logger. The CLI uses it to reuse its own zap
// logger and tests use it with an observer core.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	replaceBase(l)
}

func replaceBase(l *zap.Logger) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	closeFilesLocked()
	base = l
	loggers = make(map[Category]*Logger)
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// IsDebugMode reports whether per-category files are written.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return options.DebugMode
}

// IsCategoryEnabled checks the category switch. Unlisted categories are on.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	enabled, exists := options.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := base
	if fileCore := openCategoryCore(category); fileCore != nil {
		zl = zap.New(zapcore.NewTee(base.Core(), fileCore))
	}

	l := &Logger{
		category: category,
		sugar:    zl.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// openCategoryCore must be called with loggersMu held.
func openCategoryCore(category Category) zapcore.Core {
	optsMu.RLock()
	opts := options
	optsMu.RUnlock()

	if !opts.DebugMode || opts.Dir == "" {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return nil
	}
	files[category] = file
	return zapcore.NewCore(newEncoder(opts.JSONFormat), zapcore.AddSync(file), zapcore.DebugLevel)
}

// Category returns the logger's category.
func (l *Logger) Category() Category {
	return l.category
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying structured key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Sync flushes every category logger.
func Sync() {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	_ = base.Sync()
}

// CloseAll flushes and closes category files and drops cached loggers.
func CloseAll() {
	Sync()
	loggersMu.Lock()
	defer loggersMu.Unlock()
	closeFilesLocked()
	loggers = make(map[Category]*Logger)
}

func closeFilesLocked() {
	for cat, f := range files {
		_ = f.Sync()
		_ = f.Close()
		delete(files, cat)
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// BrowserWarn logs a warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// Capture logs to the capture category
func Capture(format string, args ...interface{}) {
	Get(CategoryCapture).Info(format, args...)
}

// CaptureDebug logs debug to the capture category
func CaptureDebug(format string, args ...interface{}) {
	Get(CategoryCapture).Debug(format, args...)
}

// CaptureWarn logs a warning to the capture category
func CaptureWarn(format string, args ...interface{}) {
	Get(CategoryCapture).Warn(format, args...)
}

// Healing logs to the healing category
func Healing(format string, args ...interface{}) {
	Get(CategoryHealing).Info(format, args...)
}

// HealingDebug logs debug to the healing category
func HealingDebug(format string, args ...interface{}) {
	Get(CategoryHealing).Debug(format, args...)
}

// HealingWarn logs a warning to the healing category
func HealingWarn(format string, args ...interface{}) {
	Get(CategoryHealing).Warn(format, args...)
}

// HealingError logs an error to the healing category
func HealingError(format string, args ...interface{}) {
	Get(CategoryHealing).Error(format, args...)
}

// Gateway logs to the gateway category
func Gateway(format string, args ...interface{}) {
	Get(CategoryGateway).Info(format, args...)
}

// GatewayDebug logs debug to the gateway category
func GatewayDebug(format string, args ...interface{}) {
	Get(CategoryGateway).Debug(format, args...)
}

// GatewayWarn logs a warning to the gateway category
func GatewayWarn(format string, args ...interface{}) {
	Get(CategoryGateway).Warn(format, args...)
}

// Perf logs to the perf category
func Perf(format string, args ...interface{}) {
	Get(CategoryPerf).Info(format, args...)
}

// PerfDebug logs debug to the perf category
func PerfDebug(format string, args ...interface{}) {
	Get(CategoryPerf).Debug(format, args...)
}

// PerfWarn logs a warning to the perf category
func PerfWarn(format string, args ...interface{}) {
	Get(CategoryPerf).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// Harness logs to the harness category
func Harness(format string, args ...interface{}) {
	Get(CategoryHarness).Info(format, args...)
}

// HarnessWarn logs a warning to the harness category
func HarnessWarn(format string, args ...interface{}) {
	Get(CategoryHarness).Warn(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
