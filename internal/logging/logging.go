package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Category groups related log entries.
type Category string

const (
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatSession   Category = "session"
	CatCard      Category = "card"
	CatDriver    Category = "driver"
	CatSystem    Category = "system"
)

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelDebug, false
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// String formats the entry as a single log line with sorted data keys.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Level, e.Category, e.Message)
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		}
	}
	return b.String()
}

// Logger keeps the most recent entries in a fixed-size ring and can mirror
// each accepted entry to a line sink.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	head     int // next write position
	count    int
	dropped  int // entries overwritten since start
	minLevel Level
	out      io.Writer
}

const (
	DefaultCapacity = 1000
	DefaultMinLevel = LevelDebug
)

// New creates a logger holding up to capacity entries.
func New(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
	}
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Get returns the process-wide logger.
func Get() *Logger {
	globalOnce.Do(func() {
		global = New(DefaultCapacity, DefaultMinLevel)
	})
	return global
}

// SetMinLevel changes the minimum log level.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetOutput mirrors every accepted entry to w as one line.
// Pass nil to disable the sink.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// Log records an entry unless it is below the minimum level.
func (l *Logger) Log(level Level, category Category, message string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
		Data:      data,
	}

	if l.count == len(l.entries) {
		l.dropped++
	} else {
		l.count++
	}
	l.entries[l.head] = entry
	l.head = (l.head + 1) % len(l.entries)

	if l.out != nil {
		// Sink errors are ignored; the ring still has the entry.
		_, _ = io.WriteString(l.out, entry.String()+"\n")
	}
}

func (l *Logger) Debug(category Category, message string, data map[string]any) {
	l.Log(LevelDebug, category, message, data)
}

func (l *Logger) Info(category Category, message string, data map[string]any) {
	l.Log(LevelInfo, category, message, data)
}

func (l *Logger) Warn(category Category, message string, data map[string]any) {
	l.Log(LevelWarn, category, message, data)
}

func (l *Logger) Error(category Category, message string, data map[string]any) {
	l.Log(LevelError, category, message, data)
}

// Query selects entries. Zero fields match everything.
type Query struct {
	Limit    int
	MinLevel Level
	Category Category
	// Run matches entries whose data carries this "run" value.
	Run string
}

func (q Query) match(e Entry) bool {
	if e.Level < q.MinLevel {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.Run != "" {
		run, _ := e.Data["run"].(string)
		return run == q.Run
	}
	return true
}

// Entries returns the entries matching q, newest first.
func (l *Logger) Entries(q Query) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, 0, l.count)
	size := len(l.entries)
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.head-1-i+size)%size]
		if !q.match(e) {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result
}

// Stats describes the ring buffer.
type Stats struct {
	Buffered int   `json:"buffered"`
	Capacity int   `json:"capacity"`
	Dropped  int   `json:"dropped"`
	MinLevel Level `json:"minLevel"`
}

func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Buffered: l.count,
		Capacity: len(l.entries),
		Dropped:  l.dropped,
		MinLevel: l.minLevel,
	}
}

// SetOutput sets the line sink of the process-wide logger.
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

// SetMinLevel sets the minimum level of the process-wide logger.
func SetMinLevel(level Level) {
	Get().SetMinLevel(level)
}

func Debug(category Category, message string, data map[string]any) {
	Get().Debug(category, message, data)
}

func Info(category Category, message string, data map[string]any) {
	Get().Info(category, message, data)
}

func Warn(category Category, message string, data map[string]any) {
	Get().Warn(category, message, data)
}

func Error(category Category, message string, data map[string]any) {
	Get().Error(category, message, data)
}
