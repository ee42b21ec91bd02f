// Package logging provides category-scoped logging for docsense, backed by
// zap. Each subsystem logs under its own category; categories can be
// silenced individually so a noisy index rebuild does not drown pipeline
// diagnostics.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryStore     Category = "store"
	CategoryIndex     Category = "index"
	CategoryParser    Category = "parser"
	CategoryLLM       Category = "llm"
	CategoryEmbedding Category = "embedding"
	CategoryMatch     Category = "match"
	CategoryExtract   Category = "extract"
	CategoryValidate  Category = "validate"
	CategoryPipeline  Category = "pipeline"
	CategoryPlanner   Category = "planner"
	CategoryRetrieval Category = "retrieval"
	CategoryCitation  Category = "citation"
	CategoryAudit     Category = "audit"
)

// Logger wraps a zap sugared logger bound to a category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger // nil means disabled
}

var (
	mu       sync.RWMutex
	root     *zap.Logger
	loggers  = make(map[Category]*Logger)
	disabled = make(map[Category]bool)
)

// Initialize installs the process-wide zap logger. Call once at startup;
// before Initialize every category logger is a no-op.
func Initialize(verbose bool) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	InitializeWith(logger)
	return nil
}

// InitializeWith installs an existing zap logger (used by tests).
func InitializeWith(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*Logger)
}

// SetCategoryEnabled toggles one category. Unknown categories default on.
func SetCategoryEnabled(c Category, enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	disabled[c] = !enabled
	delete(loggers, c)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Get returns the logger for a category. Returns a no-op logger when the
// root logger is not installed or the category is disabled.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{category: c}
	if root != nil && !disabled[c] {
		l.sugar = root.Sugar().With("cat", string(c))
	}
	loggers[c] = l
	return l
}

// Debug logs at debug level with Printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs at info level with Printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs at warn level with Printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs at error level with Printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// =============================================================================
// CONVENIENCE CATEGORY HELPERS
// =============================================================================

// Store logs an info message in the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message in the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Index logs an info message in the index category.
func Index(format string, args ...interface{}) { Get(CategoryIndex).Info(format, args...) }

// Pipeline logs an info message in the pipeline category.
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Info(format, args...) }

// Planner logs an info message in the planner category.
func Planner(format string, args ...interface{}) { Get(CategoryPlanner).Info(format, args...) }

// Retrieval logs an info message in the retrieval category.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// LLM logs an info message in the llm category.
func LLM(format string, args ...interface{}) { Get(CategoryLLM).Info(format, args...) }

// Embedding logs an info message in the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures the duration of one operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(c Category, op string) *Timer {
	return &Timer{category: c, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level, or warn when the operation
// took longer than a second.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %v", t.op, elapsed)
		return
	}
	l.Debug("%s took %v", t.op, elapsed)
}
