// Package buffer implements the shared bounded frame buffer. Exactly one
// Buffer is constructed per process and the same handle is injected into
// the stream consumer, the dispatcher and the boundary API, so every
// collaborator observes the same state.
//
// Admission is strict FIFO with no implicit drop: when full, Enqueue fails
// and the pressure propagates upstream instead of discarding frames.
// Dispatched frames stay in the buffer under a lease until acknowledged;
// leases that outlive the dispatch timeout are reclaimed by the watchdog.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
)

// ErrFull is returned by Enqueue when the buffer is at capacity. It is
// expected backpressure, not a failure; callers retry after a backoff.
var ErrFull = errors.New("buffer is full")

var (
	errDispatchTimeout = errors.New("dispatch lease expired")
	errOwnerEvicted    = errors.New("assigned processor was evicted")
	errUnmatched       = errors.New("no processor with matching capabilities registered within deadline")
)

// DeadLetterer receives frames that have exhausted their retries.
type DeadLetterer interface {
	Capture(id frame.ID, lastErr error, attempts uint32)
}

// Config holds the buffer limits. Capacity is immutable for the process
// lifetime.
type Config struct {
	Capacity          int
	MaxAttempts       uint32
	LeaseTimeout      time.Duration
	UnmatchedDeadline time.Duration
}

// NewConfig returns conservative buffer defaults.
func NewConfig() Config {
	return Config{
		Capacity:          1024,
		MaxAttempts:       3,
		LeaseTimeout:      time.Millisecond * 250,
		UnmatchedDeadline: time.Second * 30,
	}
}

// Status is an O(1) snapshot used for backpressure decisions and health
// checks.
type Status struct {
	Size      int           `json:"size"`
	Capacity  int           `json:"capacity"`
	OldestAge time.Duration `json:"oldest_age"`
}

// Expired identifies a reclaimed lease.
type Expired struct {
	ID    frame.ID
	Owner string
}

type slot struct {
	env frame.Envelope

	dispatched  bool
	owner       string
	leaseExpiry time.Time
}

// Buffer is the process-wide bounded frame buffer.
type Buffer struct {
	conf   Config
	dlq    DeadLetterer
	logger log.Modular
	stats  *metrics.Metrics

	mu    sync.Mutex
	slots map[frame.ID]*slot

	// order holds admission order. IDs whose slot has been removed are
	// skipped during iteration and compacted from the front.
	order []frame.ID
}

// New constructs the buffer.
func New(conf Config, dlq DeadLetterer, logger log.Modular, stats *metrics.Metrics) (*Buffer, error) {
	if conf.Capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %v", conf.Capacity)
	}
	if conf.MaxAttempts == 0 {
		return nil, errors.New("buffer max attempts must be positive")
	}
	stats.BufferCapacity.Set(float64(conf.Capacity))
	return &Buffer{
		conf:   conf,
		dlq:    dlq,
		logger: logger.WithFields(map[string]string{"component": "buffer"}),
		stats:  stats,
		slots:  make(map[frame.ID]*slot, conf.Capacity),
	}, nil
}

// Enqueue admits an envelope. It never blocks: at capacity it returns
// ErrFull and the caller decides how to back off. Re-admitting an ID that
// is already buffered is a no-op, which absorbs upstream redelivery races.
func (b *Buffer) Enqueue(env *frame.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.slots[env.ID]; exists {
		b.logger.Debugf("Frame %v already buffered, ignoring duplicate admission", env.ID)
		return nil
	}
	if len(b.slots) >= b.conf.Capacity {
		return ErrFull
	}

	e := *env
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	b.slots[e.ID] = &slot{env: e}
	b.order = append(b.order, e.ID)

	b.stats.FramesIngested.Inc()
	b.stats.BufferSize.Set(float64(len(b.slots)))
	return nil
}

// DequeueFor hands up to count of the oldest dispatch-eligible frames whose
// requirements are a subset of the given capabilities to the named owner.
// Returned frames are marked dispatched under a lease but remain buffered
// until acknowledged.
func (b *Buffer) DequeueFor(owner string, count int, capabilities []string) []*frame.Envelope {
	if count <= 0 {
		return nil
	}
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*frame.Envelope
	for _, id := range b.order {
		s, ok := b.slots[id]
		if !ok || s.dispatched {
			continue
		}
		if !subset(s.env.Requirements(), caps) {
			continue
		}
		s.dispatched = true
		s.owner = owner
		s.leaseExpiry = now.Add(b.conf.LeaseTimeout)

		e := s.env
		out = append(out, &e)
		b.stats.FramesDispatched.Inc()
		if len(out) == count {
			break
		}
	}
	return out
}

// Ack removes an envelope after successful processing and reports whether
// the frame was present. Acking an unknown or already removed frame is a
// no-op, and callers must not settle load accounting for it.
func (b *Buffer) Ack(id frame.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.slots[id]; !ok {
		return false
	}
	b.removeLocked(id)
	b.stats.FramesAcked.Inc()
	return true
}

// Nack records a failed processing attempt and reports whether the frame
// was present. Under the retry ceiling the frame returns to the
// dispatch-eligible set at its original admission position; at the ceiling
// it is dead-lettered and removed.
func (b *Buffer) Nack(id frame.ID, cause error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[id]
	if !ok {
		return false
	}
	b.failLocked(s, cause)
	b.stats.FramesNacked.Inc()
	return true
}

// ExpireLeases reclaims dispatched frames whose lease has passed, issuing an
// internal nack for each. It returns the reclaimed leases so the caller can
// settle processor load accounting.
func (b *Buffer) ExpireLeases(now time.Time) []Expired {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Expired
	for id, s := range b.slots {
		if !s.dispatched || s.leaseExpiry.After(now) {
			continue
		}
		out = append(out, Expired{ID: id, Owner: s.owner})
		b.logger.Debugf("Lease on frame %v held by %v expired", id, s.owner)
		b.failLocked(s, errDispatchTimeout)
		b.stats.LeasesExpired.Inc()
	}
	return out
}

// ReleaseOwner issues an internal nack for every frame leased by the given
// processor, typically after its eviction, so no work stays assigned to a
// dead owner.
func (b *Buffer) ReleaseOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	released := 0
	for _, s := range b.slots {
		if !s.dispatched || s.owner != owner {
			continue
		}
		b.failLocked(s, errOwnerEvicted)
		released++
	}
	return released
}

// ExpireUnmatched dead-letters ready frames whose requirements cannot be
// satisfied by any live processor once they have been waiting longer than
// the unmatched deadline. anyLive distinguishes an empty capability union
// caused by zero processors from live processors that declare no tags.
func (b *Buffer) ExpireUnmatched(now time.Time, available map[string]struct{}, anyLive bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	expired := 0
	for _, s := range b.slots {
		if s.dispatched {
			continue
		}
		if anyLive && subset(s.env.Requirements(), available) {
			continue
		}
		if now.Sub(s.env.EnqueuedAt) <= b.conf.UnmatchedDeadline {
			continue
		}
		id := s.env.ID
		attempts := s.env.Attempts
		b.removeLocked(id)
		b.dlq.Capture(id, errUnmatched, attempts)
		expired++
	}
	return expired
}

// Status reports size, capacity and the age of the oldest buffered frame.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.compactLocked()
	st := Status{
		Size:     len(b.slots),
		Capacity: b.conf.Capacity,
	}
	if len(b.order) > 0 {
		if s, ok := b.slots[b.order[0]]; ok {
			st.OldestAge = time.Since(s.env.EnqueuedAt)
		}
	}
	b.stats.BufferOldestAge.Set(st.OldestAge.Seconds())
	return st
}

//------------------------------------------------------------------------------

// failLocked settles a failed attempt: increment the attempt count, then
// either return the frame to the eligible set or dead-letter it at the
// ceiling.
func (b *Buffer) failLocked(s *slot, cause error) {
	s.env.Attempts++
	if s.env.Attempts >= b.conf.MaxAttempts {
		id := s.env.ID
		attempts := s.env.Attempts
		b.removeLocked(id)
		b.dlq.Capture(id, cause, attempts)
		return
	}
	s.dispatched = false
	s.owner = ""
	s.leaseExpiry = time.Time{}
}

func (b *Buffer) removeLocked(id frame.ID) {
	delete(b.slots, id)
	b.compactLocked()
	b.stats.BufferSize.Set(float64(len(b.slots)))
}

func (b *Buffer) compactLocked() {
	for len(b.order) > 0 {
		if _, ok := b.slots[b.order[0]]; ok {
			return
		}
		b.order = b.order[1:]
	}
}

func subset(reqs []string, caps map[string]struct{}) bool {
	for _, r := range reqs {
		if _, ok := caps[r]; !ok {
			return false
		}
	}
	return true
}
