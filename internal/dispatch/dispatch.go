// Package dispatch drives frame assignment: a tick loop that sweeps
// processor liveness, reclaims expired leases, and greedily assigns the
// oldest eligible frames to active processors with spare capacity,
// capability-matched by subset check. Scheduling runs on a fixed tick
// rather than per-frame so its overhead stays bounded.
package dispatch

import (
	"context"
	"time"

	"github.com/Jeffail/shutdown"
	"go.opentelemetry.io/otel/attribute"

	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/registry"
	"github.com/framewire/framewire/internal/tracing"
)

// Sink receives assigned frame batches in push-mode deployments. A delivery
// error nacks the whole batch; settled outcomes arrive later through the
// boundary API. Pull-mode deployments run without a sink and processors
// call the API dequeue path instead, which shares the same buffer and
// registry operations.
type Sink interface {
	Deliver(ctx context.Context, processorID string, batch []*frame.Envelope) error
}

// Config holds dispatcher settings.
type Config struct {
	Tick time.Duration
}

// NewConfig returns dispatcher defaults.
func NewConfig() Config {
	return Config{Tick: time.Millisecond * 5}
}

// Dispatcher owns the assignment tick loop and the lease watchdog.
type Dispatcher struct {
	conf   Config
	buf    *buffer.Buffer
	reg    *registry.Registry
	sink   Sink
	logger log.Modular

	shutSig *shutdown.Signaller
}

// New constructs a dispatcher over the shared buffer and registry. sink may
// be nil for pull-mode deployments.
func New(conf Config, buf *buffer.Buffer, reg *registry.Registry, sink Sink, logger log.Modular) *Dispatcher {
	return &Dispatcher{
		conf:    conf,
		buf:     buf,
		reg:     reg,
		sink:    sink,
		logger:  logger.WithFields(map[string]string{"component": "dispatch"}),
		shutSig: shutdown.NewSignaller(),
	}
}

// Run starts the tick loop and returns immediately.
func (d *Dispatcher) Run() {
	go func() {
		defer d.shutSig.TriggerHasStopped()

		ticker := time.NewTicker(d.conf.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Tick(time.Now())
			case <-d.shutSig.SoftStopChan():
				return
			}
		}
	}()
}

// Tick runs one scheduling pass: liveness sweep, lease expiry, unmatched
// expiry, then assignment.
func (d *Dispatcher) Tick(now time.Time) {
	d.reg.Sweep(now)

	for _, exp := range d.buf.ExpireLeases(now) {
		d.reg.MarkDone(exp.Owner)
	}

	union, anyLive := d.reg.CapabilityUnion()
	d.buf.ExpireUnmatched(now, union, anyLive)

	if d.sink == nil {
		return
	}
	for id, batch := range d.Assign() {
		go d.deliver(id, batch)
	}
}

// Assign selects, for each active processor with spare capacity, the oldest
// eligible frames whose requirements its capabilities cover, marking them
// dispatched. Processors are visited in id order; within a processor the
// buffer yields strict admission order.
func (d *Dispatcher) Assign() map[string][]*frame.Envelope {
	out := map[string][]*frame.Envelope{}
	for _, p := range d.reg.ActiveSnapshot() {
		spare := p.Spare()
		if spare == 0 {
			continue
		}
		batch := d.buf.DequeueFor(p.ID, spare, p.Capabilities)
		if len(batch) == 0 {
			continue
		}
		d.reg.MarkDispatched(p.ID, len(batch))
		out[p.ID] = batch
	}
	return out
}

func (d *Dispatcher) deliver(processorID string, batch []*frame.Envelope) {
	carried := make([]tracing.Context, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, env := range batch {
		carried = append(carried, env.Trace)
		ids = append(ids, string(env.ID))
	}
	ctx, span := tracing.StartBatchSpan(carried, "dispatch.deliver",
		attribute.String("processor.id", processorID),
		attribute.StringSlice("frame.ids", ids),
	)
	err := d.sink.Deliver(ctx, processorID, batch)
	span.End()

	if err == nil {
		return
	}
	d.logger.Warnf("Delivery of %v frames to processor %v failed: %v", len(batch), processorID, err)
	for _, env := range batch {
		if d.buf.Nack(env.ID, err) {
			d.reg.MarkDone(processorID)
		}
	}
}

// Close stops the tick loop, waiting up to the context deadline.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.shutSig.TriggerSoftStop()
	select {
	case <-d.shutSig.HasStoppedChan():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
