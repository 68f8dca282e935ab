package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/dispatch"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/registry"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered map[string][]frame.ID
	err       error
}

func (s *recordingSink) Deliver(ctx context.Context, processorID string, batch []*frame.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = map[string][]frame.ID{}
	}
	for _, env := range batch {
		s.delivered[processorID] = append(s.delivered[processorID], env.ID)
	}
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ids := range s.delivered {
		n += len(ids)
	}
	return n
}

type harness struct {
	buf  *buffer.Buffer
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	sink *recordingSink
}

func newHarness(t *testing.T, bufConf buffer.Config) *harness {
	t.Helper()

	stats := metrics.New()
	h := &harness{sink: &recordingSink{}}

	var err error
	h.buf, err = buffer.New(bufConf, nopDLQ{}, log.Noop(), stats)
	require.NoError(t, err)

	h.reg = registry.New(registry.Config{
		SuspectAfter: time.Second * 2,
		EvictAfter:   time.Second * 6,
	}, func(id string) {
		h.buf.ReleaseOwner(id)
	}, log.Noop(), stats)

	h.disp = dispatch.New(dispatch.NewConfig(), h.buf, h.reg, h.sink, log.Noop())
	return h
}

type nopDLQ struct{}

func (nopDLQ) Capture(id frame.ID, lastErr error, attempts uint32) {}

func env(n int, requires string) *frame.Envelope {
	e := &frame.Envelope{
		ID:      frame.NewID("cam", time.UnixMilli(1700000000000), uint64(n)),
		Payload: []byte(fmt.Sprintf("frame-%v", n)),
	}
	if requires != "" {
		e.Metadata = map[string]string{frame.MetaRequires: requires}
	}
	return e
}

func TestAssignGreedyCapabilityMatched(t *testing.T) {
	h := newHarness(t, buffer.NewConfig())

	h.reg.Register("p-face", []string{"face"}, 2)
	h.reg.Register("p-any", nil, 1)

	require.NoError(t, h.buf.Enqueue(env(1, "face")))
	require.NoError(t, h.buf.Enqueue(env(2, "")))
	require.NoError(t, h.buf.Enqueue(env(3, "face")))
	require.NoError(t, h.buf.Enqueue(env(4, "")))

	out := h.disp.Assign()

	// p-any has no declared tags, so it only matches unrestricted frames;
	// processors are visited in id order so p-any claims the oldest one.
	require.Len(t, out["p-any"], 1)
	assert.Equal(t, env(2, "").ID, out["p-any"][0].ID)

	require.Len(t, out["p-face"], 2)
	assert.Equal(t, env(1, "").ID, out["p-face"][0].ID)
	assert.Equal(t, env(3, "").ID, out["p-face"][1].ID)

	// Load accounting moved with the assignment.
	p, _ := h.reg.Get("p-face")
	assert.EqualValues(t, 2, p.InFlight)
	assert.Equal(t, 0, p.Spare())

	// A second pass finds nothing for the saturated processor.
	out = h.disp.Assign()
	assert.Empty(t, out["p-face"])
}

func TestTickDeliversThroughSink(t *testing.T) {
	h := newHarness(t, buffer.NewConfig())

	h.reg.Register("p1", nil, 4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.buf.Enqueue(env(i, "")))
	}

	h.disp.Tick(time.Now())

	require.Eventually(t, func() bool {
		return h.sink.count() == 3
	}, time.Second, time.Millisecond*5)

	// Frames remain buffered under lease until the processor acks.
	assert.Equal(t, 3, h.buf.Status().Size)
	for _, id := range h.sink.delivered["p1"] {
		h.buf.Ack(id)
	}
	assert.Equal(t, 0, h.buf.Status().Size)
}

func TestDeliveryFailureNacks(t *testing.T) {
	h := newHarness(t, buffer.NewConfig())
	h.sink.err = errors.New("connection refused")

	h.reg.Register("p1", nil, 1)
	require.NoError(t, h.buf.Enqueue(env(1, "")))

	h.disp.Tick(time.Now())

	// The frame returns to the eligible set with one failed attempt and
	// the processor's in-flight count settles back to zero.
	require.Eventually(t, func() bool {
		batch := h.buf.DequeueFor("probe", 1, nil)
		if len(batch) == 0 {
			return false
		}
		assert.EqualValues(t, 1, batch[0].Attempts)
		return true
	}, time.Second, time.Millisecond*5)

	p, _ := h.reg.Get("p1")
	assert.EqualValues(t, 0, p.InFlight)
}

func TestLeaseExpiryReoffersFrame(t *testing.T) {
	conf := buffer.NewConfig()
	conf.LeaseTimeout = time.Millisecond * 50
	h := newHarness(t, conf)

	h.reg.Register("p1", []string{"face"}, 1)
	require.NoError(t, h.buf.Enqueue(env(1, "face")))

	h.disp.Tick(time.Now())
	require.Eventually(t, func() bool { return h.sink.count() == 1 }, time.Second, time.Millisecond*5)

	// p1 never acks; the next tick past the lease deadline reclaims the
	// frame and re-offers it to a processor that still matches. p1 is
	// re-registered without the capability so only p2 qualifies.
	h.reg.Register("p1", nil, 1)
	h.reg.Register("p2", []string{"face"}, 1)
	p1, _ := h.reg.Get("p1")
	require.EqualValues(t, 1, p1.InFlight)

	h.disp.Tick(time.Now().Add(time.Second))

	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return len(h.sink.delivered["p2"]) == 1
	}, time.Second, time.Millisecond*5)

	p1, _ = h.reg.Get("p1")
	assert.EqualValues(t, 0, p1.InFlight)
}

func TestEvictionReleasesLeases(t *testing.T) {
	h := newHarness(t, buffer.NewConfig())

	h.reg.Register("p1", nil, 1)
	require.NoError(t, h.buf.Enqueue(env(1, "")))

	h.disp.Tick(time.Now())
	require.Eventually(t, func() bool { return h.sink.count() == 1 }, time.Second, time.Millisecond*5)

	// p1 vanishes without deregistering. The sweep evicts it and its
	// leased frame becomes eligible again.
	h.disp.Tick(time.Now().Add(time.Second * 10))

	batch := h.buf.DequeueFor("probe", 1, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, env(1, "").ID, batch[0].ID)
	assert.EqualValues(t, 1, batch[0].Attempts)

	p, _ := h.reg.Get("p1")
	assert.Equal(t, registry.StateEvicted, p.State)
}

func TestRunLoopLifecycle(t *testing.T) {
	h := newHarness(t, buffer.NewConfig())

	h.reg.Register("p1", nil, 4)
	require.NoError(t, h.buf.Enqueue(env(1, "")))

	h.disp.Run()
	require.Eventually(t, func() bool { return h.sink.count() == 1 }, time.Second, time.Millisecond*5)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, h.disp.Close(ctx))
}
