package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 10000

// Sink receives every appended entry, for durable storage outside the core.
type Sink func(*Entry)

// Log is a bounded in-memory audit ring.
type Log struct {
	logger *slog.Logger

	mu       sync.Mutex
	entries  []*Entry
	capacity int
	sink     Sink

	now func() time.Time
}

// NewLog creates a ring with the given capacity; zero means the default.
func NewLog(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		logger:   logger.With("component", "audit"),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetSink registers a callback invoked for every appended entry.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Append sanitizes and records an entry, evicting the oldest past capacity.
func (l *Log) Append(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Args = Sanitize(e.Args)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(e)
	}
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a snapshot of the ring, oldest first.
func (l *Log) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Filter selects entries; zero fields match everything.
type Filter struct {
	Role         string
	Tool         string
	Result       Result
	Since        time.Time
	Until        time.Time
	HasThinking  *bool
	ThinkingType string
	Limit        int
}

// Query returns the entries matching the filter, oldest first.
func (l *Log) Query(f Filter) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Entry
	for _, e := range l.entries {
		if f.Role != "" && e.Role != f.Role {
			continue
		}
		if f.Tool != "" && e.Tool != f.Tool {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		if f.HasThinking != nil && (e.Thinking != nil) != *f.HasThinking {
			continue
		}
		if f.ThinkingType != "" && (e.Thinking == nil || e.Thinking.Type != f.ThinkingType) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
