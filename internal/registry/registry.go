// Package registry tracks the downstream processor pool: declared
// capabilities, capacity, heartbeat liveness and in-flight load. The
// registry owns all processor state and mutates it only through its own
// methods under internal synchronisation.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
)

// ErrNotRegistered is returned for operations against an unknown or evicted
// processor.
var ErrNotRegistered = errors.New("processor is not registered")

// State is a processor's liveness state. Active and Suspect are reversible
// on a fresh heartbeat; Evicted is terminal until a fresh register call.
type State int

const (
	StateActive State = iota
	StateSuspect
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspect:
		return "suspect"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Config holds the liveness timings.
type Config struct {
	// SuspectAfter is how long without a heartbeat before a processor is
	// marked suspect and stops receiving work.
	SuspectAfter time.Duration

	// EvictAfter is how long without a heartbeat before a processor is
	// evicted and its leases reclaimed.
	EvictAfter time.Duration
}

// NewConfig returns liveness defaults: suspect after one missed 2s
// heartbeat interval, evicted after three.
func NewConfig() Config {
	return Config{
		SuspectAfter: time.Second * 2,
		EvictAfter:   time.Second * 6,
	}
}

// Registration is a snapshot of one processor's record.
type Registration struct {
	ID            string    `json:"processor_id"`
	Capabilities  []string  `json:"capabilities"`
	Capacity      uint32    `json:"capacity"`
	InFlight      uint32    `json:"in_flight"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         State     `json:"-"`

	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
}

// Spare returns the processor's remaining dispatch headroom.
func (r Registration) Spare() int {
	if r.InFlight >= r.Capacity {
		return 0
	}
	return int(r.Capacity - r.InFlight)
}

// Registry tracks live processors.
type Registry struct {
	conf    Config
	logger  log.Modular
	stats   *metrics.Metrics
	onEvict func(processorID string)

	mu    sync.Mutex
	procs map[string]*Registration
}

// New constructs a registry. onEvict is called (outside the registry lock)
// for every processor the sweep evicts, and is how the buffer learns to
// reclaim the processor's leases.
func New(conf Config, onEvict func(processorID string), logger log.Modular, stats *metrics.Metrics) *Registry {
	return &Registry{
		conf:    conf,
		logger:  logger.WithFields(map[string]string{"component": "registry"}),
		stats:   stats,
		onEvict: onEvict,
		procs:   make(map[string]*Registration),
	}
}

// Register creates or refreshes a processor record. It is idempotent, and
// re-registering an evicted id creates a fresh active record.
func (r *Registry) Register(id string, capabilities []string, capacity uint32) {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.procs[id]; ok && p.State != StateEvicted {
		p.Capabilities = caps
		p.Capacity = capacity
		p.LastHeartbeat = time.Now()
		p.State = StateActive
		return
	}
	r.procs[id] = &Registration{
		ID:            id,
		Capabilities:  caps,
		Capacity:      capacity,
		LastHeartbeat: time.Now(),
		State:         StateActive,
	}
	r.logger.Infof("Processor %v registered with capacity %v and capabilities %v", id, capacity, caps)
}

// Heartbeat refreshes the eviction timer and records the processor's
// self-reported load. A suspect processor returns to active.
func (r *Registry) Heartbeat(id string, inFlight uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok || p.State == StateEvicted {
		return ErrNotRegistered
	}
	p.LastHeartbeat = time.Now()
	p.State = StateActive
	if inFlight > p.Capacity {
		inFlight = p.Capacity
	}
	p.InFlight = inFlight
	return nil
}

// MarkDispatched accounts for n frames handed to the processor.
func (r *Registry) MarkDispatched(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok || p.State == StateEvicted {
		return
	}
	p.Dispatched += uint64(n)
	if p.InFlight+uint32(n) > p.Capacity {
		p.InFlight = p.Capacity
	} else {
		p.InFlight += uint32(n)
	}
}

// MarkDone accounts for one frame settled (acked or nacked) by the
// processor.
func (r *Registry) MarkDone(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok {
		return
	}
	p.Completed++
	if p.InFlight > 0 {
		p.InFlight--
	}
}

// Sweep advances liveness states: active processors past SuspectAfter turn
// suspect, those past EvictAfter are evicted. Eviction callbacks run after
// the lock is released.
func (r *Registry) Sweep(now time.Time) []string {
	var evicted []string

	r.mu.Lock()
	for id, p := range r.procs {
		if p.State == StateEvicted {
			continue
		}
		idle := now.Sub(p.LastHeartbeat)
		if idle > r.conf.EvictAfter {
			p.State = StateEvicted
			evicted = append(evicted, id)
			continue
		}
		if idle > r.conf.SuspectAfter && p.State == StateActive {
			p.State = StateSuspect
			r.logger.Warnf("Processor %v marked suspect after %v without heartbeat", id, idle)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Warnf("Processor %v evicted for missed heartbeats", id)
		r.stats.ProcessorsEvicted.Inc()
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
	return evicted
}

// ActiveSnapshot returns copies of all active registrations, sorted by id
// for deterministic assignment order.
func (r *Registry) ActiveSnapshot() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, p := range r.procs {
		if p.State != StateActive {
			continue
		}
		c := *p
		c.Capabilities = append([]string(nil), p.Capabilities...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CapabilityUnion returns the union of capabilities declared by all
// non-evicted processors, and whether any such processor exists. Suspect
// processors count: they may recover, and dead-lettering their frames early
// would be premature.
func (r *Registry) CapabilityUnion() (map[string]struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	union := map[string]struct{}{}
	anyLive := false
	for _, p := range r.procs {
		if p.State == StateEvicted {
			continue
		}
		anyLive = true
		for _, c := range p.Capabilities {
			union[c] = struct{}{}
		}
	}
	return union, anyLive
}

// Get returns a copy of the registration for id.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok {
		return Registration{}, false
	}
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	return c, true
}
