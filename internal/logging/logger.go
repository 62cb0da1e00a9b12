// Package logging provides config-driven categorized file-based logging for
// safeabstract. Logs are written to .safeabstract/logs/ with a separate
// file per category. Logging is controlled by debug_mode - when false, no
// logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Process startup, config/policy load
	CategoryRules    Category = "rules"    // Rule Registry (C1) load and validation
	CategoryExtract  Category = "extract"  // Reference Extractor (C2)
	CategoryAbstract Category = "abstract" // Pattern Generator + Abstraction Engine (C3/C4)
	CategoryScore    Category = "score"    // Quality Scorer (C5)
	CategoryPipeline Category = "pipeline" // Validation Pipeline (C6) stage transitions
	CategoryStore    Category = "store"    // Store Contract (C8)
	CategoryMetrics  Category = "metrics"  // Metrics Collector (C7)
	CategoryPolicy   Category = "policy"   // Policy/Config (C9) load and hot-reload
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig to avoid
// a circular import between internal/config and internal/logging.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// configFile is the shape of the JSON sidecar Initialize reads to decide
// whether logging is active, independent of the YAML config file the rest
// of the application loads through internal/config.
type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry is a JSON log entry shaped so a Mangle program could
// parse it as log_entry(Timestamp, Category, Level, Message, RequestID).
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int
)

const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config. Call once at
// startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".safeabstract", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== safeabstract logging initialized ===")
	boot.Info("workspace: %s", workspace)
	boot.Info("logs directory: %s", logsDir)
	boot.Info("debug mode: %v", config.DebugMode)
	boot.Info("log level: %s", config.Level)

	if len(config.Categories) > 0 {
		enabledCount := 0
		for cat, enabled := range config.Categories {
			if enabled {
				enabledCount++
			}
			boot.Debug("category %q: %v", cat, enabled)
		}
		boot.Info("enabled categories: %d/%d", enabledCount, len(config.Categories))
	} else {
		boot.Info("all categories enabled (no category filter)")
	}

	return nil
}

// loadConfig reads the logging config from .safeabstract/logging.json.
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".safeabstract", "logging.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message if the configured level permits it.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message; errors are always written if the logger
// exists, regardless of configured level.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a log entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if config.JSONFormat {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// IsJSONFormat returns whether JSON logging is enabled.
func IsJSONFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.JSONFormat
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - one Info/Debug/Warn/Error pair per category.
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{})  { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})   { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{})  { Get(CategoryBoot).Error(format, args...) }

func Rules(format string, args ...interface{})      { Get(CategoryRules).Info(format, args...) }
func RulesDebug(format string, args ...interface{})  { Get(CategoryRules).Debug(format, args...) }
func RulesWarn(format string, args ...interface{})   { Get(CategoryRules).Warn(format, args...) }
func RulesError(format string, args ...interface{})  { Get(CategoryRules).Error(format, args...) }

func Extract(format string, args ...interface{})      { Get(CategoryExtract).Info(format, args...) }
func ExtractDebug(format string, args ...interface{})  { Get(CategoryExtract).Debug(format, args...) }
func ExtractWarn(format string, args ...interface{})   { Get(CategoryExtract).Warn(format, args...) }
func ExtractError(format string, args ...interface{})  { Get(CategoryExtract).Error(format, args...) }

func Abstract(format string, args ...interface{})      { Get(CategoryAbstract).Info(format, args...) }
func AbstractDebug(format string, args ...interface{})  { Get(CategoryAbstract).Debug(format, args...) }
func AbstractWarn(format string, args ...interface{})   { Get(CategoryAbstract).Warn(format, args...) }
func AbstractError(format string, args ...interface{})  { Get(CategoryAbstract).Error(format, args...) }

func Score(format string, args ...interface{})      { Get(CategoryScore).Info(format, args...) }
func ScoreDebug(format string, args ...interface{})  { Get(CategoryScore).Debug(format, args...) }
func ScoreWarn(format string, args ...interface{})   { Get(CategoryScore).Warn(format, args...) }
func ScoreError(format string, args ...interface{})  { Get(CategoryScore).Error(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{})  { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})   { Get(CategoryPipeline).Warn(format, args...) }
func PipelineError(format string, args ...interface{})  { Get(CategoryPipeline).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})   { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{})  { Get(CategoryStore).Error(format, args...) }

func Metrics(format string, args ...interface{})      { Get(CategoryMetrics).Info(format, args...) }
func MetricsDebug(format string, args ...interface{})  { Get(CategoryMetrics).Debug(format, args...) }
func MetricsWarn(format string, args ...interface{})   { Get(CategoryMetrics).Warn(format, args...) }
func MetricsError(format string, args ...interface{})  { Get(CategoryMetrics).Error(format, args...) }

func Policy(format string, args ...interface{})      { Get(CategoryPolicy).Info(format, args...) }
func PolicyDebug(format string, args ...interface{})  { Get(CategoryPolicy).Debug(format, args...) }
func PolicyWarn(format string, args ...interface{})   { Get(CategoryPolicy).Warn(format, args...) }
func PolicyError(format string, args ...interface{})  { Get(CategoryPolicy).Error(format, args...) }

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID —
// one per validated artifact, so every log line for that artifact's trip
// through the pipeline can be grepped out of the category files by ID.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger.
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures a stage's duration for latency logging and C7 histograms.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold, otherwise
// logs at debug level.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
