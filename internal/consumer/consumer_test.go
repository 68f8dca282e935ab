package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/consumer"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/upstream"
)

type fakeLog struct {
	mu      sync.Mutex
	pending []upstream.Entry
	acked   []string
}

func (f *fakeLog) Connect(ctx context.Context) error { return nil }

func (f *fakeLog) Poll(ctx context.Context, max int) ([]upstream.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		// Mimic a quiet poll timeout without spinning the loop hot.
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	n := max
	if n <= 0 || n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeLog) Ack(ids ...string) {
	f.mu.Lock()
	f.acked = append(f.acked, ids...)
	f.mu.Unlock()
}

func (f *fakeLog) Connected() bool { return true }
func (f *fakeLog) Degraded() bool  { return false }

func (f *fakeLog) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type nopDLQ struct{}

func (nopDLQ) Capture(id frame.ID, lastErr error, attempts uint32) {}

func entry(streamID string, frameID frame.ID, extra map[string]string) upstream.Entry {
	fields := map[string]string{
		consumer.FieldFrameID: string(frameID),
		consumer.FieldBody:    "jpegbytes",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return upstream.Entry{StreamID: streamID, Fields: fields}
}

func newBuffer(t *testing.T, capacity int) *buffer.Buffer {
	t.Helper()
	conf := buffer.NewConfig()
	conf.Capacity = capacity
	b, err := buffer.New(conf, nopDLQ{}, log.Noop(), metrics.New())
	require.NoError(t, err)
	return b
}

func TestConsumeAckAfterHandOff(t *testing.T) {
	fid1 := frame.NewID("cam", time.Now(), 1)
	fid2 := frame.NewID("cam", time.Now(), 2)

	up := &fakeLog{pending: []upstream.Entry{
		entry("1-0", fid1, nil),
		entry("2-0", fid2, nil),
	}}
	buf := newBuffer(t, 16)

	cons := consumer.New(consumer.NewConfig(), up, buf, log.Noop(), metrics.New())
	cons.Run()
	defer func() {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		require.NoError(t, cons.Close(ctx))
	}()

	require.Eventually(t, func() bool {
		return buf.Status().Size == 2
	}, time.Second, time.Millisecond*5)

	// Entries are acknowledged upstream only after buffer hand-off, in
	// stream order.
	require.Eventually(t, func() bool {
		return len(up.ackedIDs()) == 2
	}, time.Second, time.Millisecond*5)
	assert.Equal(t, []string{"1-0", "2-0"}, up.ackedIDs())

	// FIFO admission order survived.
	batch := buf.DequeueFor("p", 2, nil)
	require.Len(t, batch, 2)
	assert.Equal(t, fid1, batch[0].ID)
	assert.Equal(t, fid2, batch[1].ID)
}

func TestMalformedEntriesRejectedNotBuffered(t *testing.T) {
	up := &fakeLog{pending: []upstream.Entry{
		{StreamID: "1-0", Fields: map[string]string{consumer.FieldBody: "nobody"}},
		entry("2-0", frame.NewID("cam", time.Now(), 1), nil),
	}}
	buf := newBuffer(t, 16)

	cons := consumer.New(consumer.NewConfig(), up, buf, log.Noop(), metrics.New())
	cons.Run()
	defer func() {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		require.NoError(t, cons.Close(ctx))
	}()

	// Both entries end up acknowledged but only the valid one is buffered.
	require.Eventually(t, func() bool {
		return len(up.ackedIDs()) == 2
	}, time.Second, time.Millisecond*5)
	assert.Equal(t, 1, buf.Status().Size)
}

func TestFullBufferStallsWithoutAck(t *testing.T) {
	fid1 := frame.NewID("cam", time.Now(), 1)
	fid2 := frame.NewID("cam", time.Now(), 2)

	up := &fakeLog{pending: []upstream.Entry{
		entry("1-0", fid1, nil),
		entry("2-0", fid2, nil),
	}}
	buf := newBuffer(t, 1)

	cons := consumer.New(consumer.NewConfig(), up, buf, log.Noop(), metrics.New())
	cons.Run()
	defer func() {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		require.NoError(t, cons.Close(ctx))
	}()

	require.Eventually(t, func() bool {
		return len(up.ackedIDs()) == 1
	}, time.Second, time.Millisecond*5)

	// The second entry stalls unacknowledged behind the full buffer.
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, []string{"1-0"}, up.ackedIDs())
	assert.Equal(t, 1, buf.Status().Size)

	// Draining the buffer lets the stalled entry through.
	batch := buf.DequeueFor("p", 1, nil)
	require.Len(t, batch, 1)
	buf.Ack(batch[0].ID)

	require.Eventually(t, func() bool {
		return len(up.ackedIDs()) == 2
	}, time.Second, time.Millisecond*5)
	assert.Equal(t, 1, buf.Status().Size)
}

func TestEnvelopeFromEntry(t *testing.T) {
	fid := frame.NewID("cam-lobby", time.Now(), 7)
	ent := entry("9-0", fid, map[string]string{
		"camera":      "lobby",
		"requires":    "face",
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"tracestate":  "vendor=opaque",
	})

	env, err := consumer.EnvelopeFromEntry(ent)
	require.NoError(t, err)

	assert.Equal(t, fid, env.ID)
	assert.Equal(t, []byte("jpegbytes"), env.Payload)
	assert.Equal(t, map[string]string{
		"camera":   "lobby",
		"requires": "face",
	}, env.Metadata)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", env.Trace.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", env.Trace.SpanID)
	assert.True(t, env.Trace.Sampled)
	assert.Equal(t, "vendor=opaque", env.Trace.State)
	assert.Equal(t, []string{"face"}, env.Requirements())
}

func TestEnvelopeFromEntryMalformed(t *testing.T) {
	_, err := consumer.EnvelopeFromEntry(upstream.Entry{
		StreamID: "1-0",
		Fields:   map[string]string{consumer.FieldFrameID: "cam/123-1"},
	})
	require.Error(t, err)

	var mErr *frame.MalformedError
	assert.ErrorAs(t, err, &mErr)
}
