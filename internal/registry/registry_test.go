package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/registry"
)

type evictRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (e *evictRecorder) record(id string) {
	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
}

func testRegistry(t *testing.T) (*registry.Registry, *evictRecorder) {
	t.Helper()
	rec := &evictRecorder{}
	conf := registry.Config{
		SuspectAfter: time.Millisecond * 100,
		EvictAfter:   time.Millisecond * 300,
	}
	return registry.New(conf, rec.record, log.Noop(), metrics.New()), rec
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("p1", []string{"face"}, 4)
	r.Register("p1", []string{"face", "object"}, 8)

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"face", "object"}, p.Capabilities)
	assert.EqualValues(t, 8, p.Capacity)
	assert.Equal(t, registry.StateActive, p.State)
}

func TestHeartbeatLoadAccounting(t *testing.T) {
	r, _ := testRegistry(t)

	require.ErrorIs(t, r.Heartbeat("ghost", 0), registry.ErrNotRegistered)

	r.Register("p1", nil, 4)
	require.NoError(t, r.Heartbeat("p1", 3))

	p, _ := r.Get("p1")
	assert.EqualValues(t, 3, p.InFlight)
	assert.Equal(t, 1, p.Spare())

	// Self-reported load is clamped to capacity.
	require.NoError(t, r.Heartbeat("p1", 100))
	p, _ = r.Get("p1")
	assert.EqualValues(t, 4, p.InFlight)
	assert.Equal(t, 0, p.Spare())
}

func TestDispatchAccounting(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register("p1", nil, 4)

	r.MarkDispatched("p1", 3)
	p, _ := r.Get("p1")
	assert.EqualValues(t, 3, p.InFlight)
	assert.EqualValues(t, 3, p.Dispatched)

	r.MarkDone("p1")
	p, _ = r.Get("p1")
	assert.EqualValues(t, 2, p.InFlight)
	assert.EqualValues(t, 1, p.Completed)
}

func TestLivenessStateMachine(t *testing.T) {
	r, rec := testRegistry(t)
	r.Register("p1", []string{"face"}, 1)

	now := time.Now()

	// Fresh heartbeat, stays active.
	assert.Empty(t, r.Sweep(now))
	p, _ := r.Get("p1")
	assert.Equal(t, registry.StateActive, p.State)

	// One missed interval, suspect but not evicted.
	assert.Empty(t, r.Sweep(now.Add(time.Millisecond*200)))
	p, _ = r.Get("p1")
	assert.Equal(t, registry.StateSuspect, p.State)
	assert.Empty(t, r.ActiveSnapshot())

	// Suspect is reversible on a fresh heartbeat.
	require.NoError(t, r.Heartbeat("p1", 0))
	p, _ = r.Get("p1")
	assert.Equal(t, registry.StateActive, p.State)

	// Past the eviction deadline the processor is evicted exactly once.
	evicted := r.Sweep(time.Now().Add(time.Second))
	require.Equal(t, []string{"p1"}, evicted)
	assert.Equal(t, []string{"p1"}, rec.ids)
	assert.Empty(t, r.Sweep(time.Now().Add(time.Hour)))

	// Evicted is terminal: heartbeats fail until a fresh registration.
	require.ErrorIs(t, r.Heartbeat("p1", 0), registry.ErrNotRegistered)
	r.Register("p1", nil, 2)
	require.NoError(t, r.Heartbeat("p1", 0))
}

func TestCapabilityUnion(t *testing.T) {
	r, _ := testRegistry(t)

	union, anyLive := r.CapabilityUnion()
	assert.False(t, anyLive)
	assert.Empty(t, union)

	r.Register("p1", []string{"face"}, 1)
	r.Register("p2", []string{"object", "face"}, 1)

	union, anyLive = r.CapabilityUnion()
	assert.True(t, anyLive)
	assert.Equal(t, map[string]struct{}{"face": {}, "object": {}}, union)

	// Suspect processors still contribute, evicted ones do not.
	r.Sweep(time.Now().Add(time.Millisecond * 200))
	_, anyLive = r.CapabilityUnion()
	assert.True(t, anyLive)

	r.Sweep(time.Now().Add(time.Hour))
	union, anyLive = r.CapabilityUnion()
	assert.False(t, anyLive)
	assert.Empty(t, union)
}

func TestActiveSnapshotSorted(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register("pb", nil, 1)
	r.Register("pa", nil, 1)
	r.Register("pc", nil, 1)

	snap := r.ActiveSnapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "pa", snap[0].ID)
	assert.Equal(t, "pb", snap[1].ID)
	assert.Equal(t, "pc", snap[2].ID)
}
