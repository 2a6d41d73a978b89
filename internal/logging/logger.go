// Package logging provides the structured logger used across the daemon.
// Every entry is written to the configured sink and retained in a bounded
// in-memory ring for inspection over the API.
package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRecentSize bounds the in-memory entry ring.
const DefaultRecentSize = 500

// Entry is one recorded log line.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// core is shared between a Logger and its With children, so every child
// writes through the same sink and ring.
type core struct {
	mu    sync.Mutex
	out   io.Writer
	min   Level
	ring  []Entry
	next  int
	count int
}

// Logger emits structured entries. The zero-value pointer is safe to use;
// a nil Logger discards everything.
type Logger struct {
	core *core
	base map[string]string
}

func New(out io.Writer, min Level) *Logger {
	if out == nil {
		out = io.Discard
	}
	return &Logger{core: &core{
		out:  out,
		min:  min,
		ring: make([]Entry, DefaultRecentSize),
	}}
}

// With returns a child logger whose entries always carry fields.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil || len(fields) == 0 {
		return l
	}
	base := make(map[string]string, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &Logger{core: l.core, base: base}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil || l.core == nil || level < l.core.min {
		return
	}
	merged := l.base
	if len(fields) > 0 {
		merged = make(map[string]string, len(l.base)+len(fields))
		for k, v := range l.base {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	l.core.record(Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		Fields:  merged,
	})
}

// Recent returns up to n retained entries, oldest first. n <= 0 returns
// everything retained.
func (l *Logger) Recent(n int) []Entry {
	if l == nil || l.core == nil {
		return nil
	}
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.count
	if n <= 0 || n > total {
		n = total
	}
	start := (c.next - n + len(c.ring)) % len(c.ring)
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, c.ring[(start+i)%len(c.ring)])
	}
	return entries
}

func (c *core) record(entry Entry) {
	line := formatEntry(entry)
	c.mu.Lock()
	fmt.Fprintln(c.out, line)
	c.ring[c.next] = entry
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
	c.mu.Unlock()
}

func formatEntry(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(entry.Level.String())
	b.WriteString(" ")
	b.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprintf("%q", entry.Fields[k]))
		}
	}
	return b.String()
}
