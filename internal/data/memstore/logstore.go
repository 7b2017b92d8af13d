package memstore

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
)

const defaultLogCapacity = 10_000

// LogStore keeps the most recent execution log entries in memory.
type LogStore struct {
	mu      sync.Mutex
	cap     int
	entries []*model.ExecutionLogEntry
}

// NewLogStore creates a LogStore holding at most capacity entries; zero uses a default.
func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &LogStore{cap: capacity}
}

// Append stores a copy of entry, evicting the oldest entry when full.
func (l *LogStore) Append(_ context.Context, entry *model.ExecutionLogEntry) error {
	if entry == nil {
		return errors.New("execution log entry is required")
	}
	cp := *entry

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.cap {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, &cp)
	return nil
}

// Read returns at most limit of the newest entries for jobID, oldest first.
// A non-positive limit returns every entry.
func (l *LogStore) Read(_ context.Context, jobID string, limit int) ([]*model.ExecutionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*model.ExecutionLogEntry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e := l.entries[i]; e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	slices.Reverse(out)
	return out, nil
}

var (
	_ core.LogStore  = (*LogStore)(nil)
	_ core.LogReader = (*LogStore)(nil)
)
