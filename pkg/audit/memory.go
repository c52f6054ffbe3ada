package audit

import (
	"context"
	"sync"
)

const defaultMaxEvents = 10000

// MemoryLogger is an in-memory implementation of Logger. It keeps the most
// recent maxEvents entries and is suitable for single-instance deployments
// without a database.
type MemoryLogger struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
}

// NewMemoryLogger creates an in-memory logger. maxEvents <= 0 uses the
// default capacity.
func NewMemoryLogger(maxEvents int) *MemoryLogger {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &MemoryLogger{maxEvents: maxEvents}
}

// Log records an event, discarding the oldest entry when full.
func (l *MemoryLogger) Log(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// Query retrieves events matching the filter, newest first.
func (l *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if filterMatches(filter, l.events[i]) {
			matched = append(matched, l.events[i])
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close is a no-op for the in-memory logger.
func (*MemoryLogger) Close() error {
	return nil
}

func filterMatches(f QueryFilter, e Event) bool {
	if f.SessionHash != "" && e.SessionHash != f.SessionHash {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// NopLogger discards all events. Used when auditing is disabled.
type NopLogger struct{}

// NewNopLogger creates a logger that discards everything.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Log discards the event.
func (*NopLogger) Log(context.Context, Event) error { return nil }

// Query returns no events.
func (*NopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close is a no-op.
func (*NopLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger = (*MemoryLogger)(nil)
	_ Logger = (*NopLogger)(nil)
)
