// Package deadletter implements the terminal sink for frames that exhausted
// their retries or could never be matched to a processor. Entries are
// append-only and are never re-injected automatically; replay is a separate
// operator action.
package deadletter

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
)

// Entry records one terminally failed frame.
type Entry struct {
	ID        string    `json:"id"`
	FrameID   frame.ID  `json:"frame_id"`
	LastError string    `json:"last_error"`
	Attempts  uint32    `json:"attempt_count"`
	MovedAt   time.Time `json:"moved_at"`
}

// Log is an in-memory append-only dead-letter log.
type Log struct {
	mu      sync.Mutex
	entries []Entry

	logger log.Modular
	stats  *metrics.Metrics
}

// New creates an empty dead-letter log.
func New(logger log.Modular, stats *metrics.Metrics) *Log {
	return &Log{
		logger: logger.WithFields(map[string]string{"component": "deadletter"}),
		stats:  stats,
	}
}

// Capture appends an entry for the given frame. The frame's payload is not
// retained; the upstream log remains the durable copy.
func (l *Log) Capture(id frame.ID, lastErr error, attempts uint32) {
	reason := ""
	if lastErr != nil {
		reason = lastErr.Error()
	}
	entryID, _ := uuid.NewV4()

	l.mu.Lock()
	l.entries = append(l.entries, Entry{
		ID:        entryID.String(),
		FrameID:   id,
		LastError: reason,
		Attempts:  attempts,
		MovedAt:   time.Now(),
	})
	l.mu.Unlock()

	l.stats.FramesDeadLettered.Inc()
	l.logger.Warnf("Frame %v dead-lettered after %v attempts: %v", id, attempts, reason)
}

// List returns entries moved at or after since, oldest first.
func (l *Log) List(since time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if !e.MovedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// Purge removes entries moved before the given time and returns how many
// were removed.
func (l *Log) Purge(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		if e.MovedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
