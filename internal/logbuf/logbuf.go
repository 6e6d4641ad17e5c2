// Package logbuf provides a bounded in-memory log history with synchronous
// event emission, used by the dashboard's SSE stream to fan out log lines
// as they are appended.
package logbuf

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level is a log severity.
type Level string

// Log levels, ordered least to most severe.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single structured log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Phase     *float64       `json:"phase,omitempty"`
	Step      string         `json:"step,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

var entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "logbuf_entries_total",
	Help: "Total log entries appended to the ring buffer, by level.",
}, []string{"level"})

func init() { //nolint:gochecknoinits // mirrors teacher's pkg/logx env-driven init
	prometheus.MustRegister(entriesTotal)
}

// Listener receives every entry synchronously as it is appended.
// Log calls each listener outside the buffer's lock, so a slow listener
// delays only the Log call that triggered it; a listener that would
// block must hand off to its own queue.
type Listener func(Entry)

// Buffer is a fixed-capacity ring buffer of log entries.
type Buffer struct {
	mu        sync.RWMutex
	entries   []Entry
	capacity  int
	next      int
	full      bool
	listeners []Listener

	debugEnabled bool
	debugDomains map[string]bool
}

// New creates a Buffer holding at most capacity entries. capacity<=0
// defaults to 500, matching the teacher's logx default.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// NewFromEnv creates a Buffer with debug configuration read from
// DEBUG / DEBUG_DOMAINS, matching pkg/logx's initDebugFromEnv.
func NewFromEnv(capacity int) *Buffer {
	b := New(capacity)
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		b.debugEnabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		b.debugDomains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			b.debugDomains[strings.TrimSpace(d)] = true
		}
	}
	return b
}

// Subscribe registers a listener invoked on every future Log call.
func (b *Buffer) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Log appends an entry, evicting the oldest if the buffer is full, and
// synchronously notifies subscribers.
func (b *Buffer) Log(level Level, component, message string, opts ...func(*Entry)) Entry {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: component,
		Message:   message,
	}
	for _, opt := range opts {
		opt(&entry)
	}

	if level == LevelDebug && !b.isDebugEnabled(component) {
		return entry
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	entriesTotal.WithLabelValues(string(level)).Inc()

	for _, l := range listeners {
		l(entry)
	}
	return entry
}

func (b *Buffer) isDebugEnabled(component string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.debugEnabled {
		return false
	}
	if b.debugDomains == nil {
		return true
	}
	return b.debugDomains[component]
}

// WithPhase attaches a phase number to an entry.
func WithPhase(phase float64) func(*Entry) {
	return func(e *Entry) { e.Phase = &phase }
}

// WithStep attaches a step name to an entry.
func WithStep(step string) func(*Entry) {
	return func(e *Entry) { e.Step = step }
}

// WithMeta attaches arbitrary metadata to an entry.
func WithMeta(meta map[string]any) func(*Entry) {
	return func(e *Entry) { e.Meta = meta }
}

// Snapshot returns an ordered, point-in-time copy of the current entries,
// oldest first. Later mutations are never observed by the caller.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full && b.next == 0 {
		return nil
	}

	out := make([]Entry, 0, b.capacity)
	if b.full {
		out = append(out, b.entries[b.next:]...)
	}
	out = append(out, b.entries[:b.next]...)
	return out
}

// SnapshotAndSubscribe performs a snapshot and subscription as a single
// indivisible operation so a late joiner cannot miss, or double-receive,
// entries that arrive concurrently with the call.
func (b *Buffer) SnapshotAndSubscribe(l Listener) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	if b.full || b.next != 0 {
		out = make([]Entry, 0, b.capacity)
		if b.full {
			out = append(out, b.entries[b.next:]...)
		}
		out = append(out, b.entries[:b.next]...)
	}
	b.listeners = append(b.listeners, l)
	return out
}

// Logger is a component-scoped facade over a Buffer, mirroring the
// teacher's pkg/logx.Logger ergonomics (Debug/Info/Warn/Error, Wrap,
// Errorf-style helpers).
type Logger struct {
	component string
	buf       *Buffer
}

// NewLogger returns a Logger bound to component, backed by buf.
func NewLogger(buf *Buffer, component string) *Logger {
	return &Logger{component: component, buf: buf}
}

// WithComponent returns a Logger for a different component sharing the
// same underlying buffer.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, buf: l.buf}
}

func (l *Logger) Debug(format string, args ...any) {
	l.buf.Log(LevelDebug, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.buf.Log(LevelInfo, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.buf.Log(LevelWarn, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.buf.Log(LevelError, l.component, fmt.Sprintf(format, args...))
}

// Wrap logs msg + ": " + err.Error() at error level and returns the
// wrapped error, mirroring pkg/logx.Wrap.
func (l *Logger) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	l.Error("%s", wrapped.Error())
	return wrapped
}
