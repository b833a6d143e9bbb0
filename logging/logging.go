// Package logging provides real-time console output for the registry, the
// task manager and the runtime. The event logs are the durable record; this
// output is for monitoring only.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes LEVEL TIMESTAMP [component] message key=value lines.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level. Unknown values return
// LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l, true
	}
	return LevelInfo, false
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name. The
// child shares the parent's output and write lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Domain logging methods ---

// ConfigChange logs a config create, update or destroy.
func (l *Logger) ConfigChange(action, configID string) {
	l.Info("config_"+action, map[string]interface{}{
		"config": configID,
	})
}

// PoolAcquire logs a successful agent acquisition.
func (l *Logger) PoolAcquire(agentID string, created bool) {
	l.Debug("agent_acquire", map[string]interface{}{
		"agent":   agentID,
		"created": created,
	})
}

// PoolCapacity logs a saturated pool.
func (l *Logger) PoolCapacity(pool string, size int, err error) {
	fields := map[string]interface{}{
		"pool": pool,
		"size": size,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Debug("pool_capacity", fields)
}

// PoolRelease logs an agent going back to idle.
func (l *Logger) PoolRelease(agentID string) {
	l.Debug("agent_release", map[string]interface{}{
		"agent": agentID,
	})
}

// RunTransition logs a task run status change.
func (l *Logger) RunTransition(runID, from, to, agentID string) {
	fields := map[string]interface{}{
		"run":  runID,
		"from": from,
		"to":   to,
	}
	if agentID != "" {
		fields["agent"] = agentID
	}
	l.Info("run_transition", fields)
}

// RunFailed logs a failed attempt, with whether another attempt follows.
func (l *Logger) RunFailed(runID string, attempt int, err error, retrying bool) {
	fields := map[string]interface{}{
		"run":      runID,
		"attempt":  attempt,
		"retrying": retrying,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if retrying {
		l.Warn("run_failed", fields)
	} else {
		l.Error("run_failed", fields)
	}
}

// ReplayWarning logs a malformed or rejected event log line.
func (l *Logger) ReplayWarning(path string, line int, err error) {
	l.Warn("replay_skip", map[string]interface{}{
		"path":  path,
		"line":  line,
		"error": err.Error(),
	})
}

// ReplayComplete logs the end of a log replay.
func (l *Logger) ReplayComplete(path string, entries int, duration time.Duration) {
	l.Info("replay_complete", map[string]interface{}{
		"path":     path,
		"entries":  entries,
		"duration": duration.String(),
	})
}
