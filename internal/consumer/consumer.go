// Package consumer runs the stream consumption loop: poll the upstream
// log, validate and trace each entry, hand it to the shared buffer, and
// only then acknowledge it upstream. A full buffer stalls the loop with
// backoff rather than dropping or acknowledging anything, so buffer
// pressure propagates to the upstream log.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/tracing"
	"github.com/framewire/framewire/internal/upstream"
)

// Stream entry field names. Body and frame ID are required; traceparent and
// tracestate carry the W3C trace context; all remaining fields become
// envelope metadata.
const (
	FieldFrameID = "frame_id"
	FieldBody    = "body"
)

// Log is the upstream log surface the consumer needs, satisfied by
// *upstream.Reader.
type Log interface {
	Connect(ctx context.Context) error
	Poll(ctx context.Context, max int) ([]upstream.Entry, error)
	Ack(ids ...string)
	Connected() bool
	Degraded() bool
}

// Config holds consumer settings.
type Config struct {
	Batch int
}

// NewConfig returns consumer defaults.
func NewConfig() Config {
	return Config{Batch: 10}
}

// Health is the consumer's contribution to the process health surface.
type Health struct {
	Connected bool `json:"connected"`
	Degraded  bool `json:"degraded"`
}

// Consumer feeds the shared buffer from the upstream log.
type Consumer struct {
	conf     Config
	upstream Log
	buf      *buffer.Buffer
	logger   log.Modular
	stats    *metrics.Metrics

	connBoff backoff.BackOff
	fullBoff backoff.BackOff

	shutSig *shutdown.Signaller
}

// New constructs a consumer over the shared buffer handle.
func New(conf Config, up Log, buf *buffer.Buffer, logger log.Modular, stats *metrics.Metrics) *Consumer {
	newBoff := func(maxInterval time.Duration) backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond * 10
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		return b
	}
	return &Consumer{
		conf:     conf,
		upstream: up,
		buf:      buf,
		logger:   logger.WithFields(map[string]string{"component": "consumer"}),
		stats:    stats,
		connBoff: newBoff(time.Second * 5),
		fullBoff: newBoff(time.Millisecond * 500),
		shutSig:  shutdown.NewSignaller(),
	}
}

// Run starts the consumption loop and returns immediately.
func (c *Consumer) Run() {
	go c.loop()
}

func (c *Consumer) loop() {
	defer c.shutSig.TriggerHasStopped()

	ctx, done := c.shutSig.SoftStopCtx(context.Background())
	defer done()

	for {
		if c.shutSig.IsSoftStopSignalled() {
			return
		}
		if err := c.upstream.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Errorf("Failed to connect to upstream: %v", err)
			if !c.sleep(c.connBoff.NextBackOff()) {
				return
			}
			continue
		}
		c.connBoff.Reset()

		entries, err := c.upstream.Poll(ctx, c.conf.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, upstream.ErrNotConnected) {
				c.logger.Errorf("Upstream poll failed: %v", err)
			}
			continue
		}

		// Entries are handled sequentially so admission order matches the
		// upstream partition order.
		for _, ent := range entries {
			if !c.handle(ent) {
				return
			}
		}
	}
}

// handle validates, traces and buffers one entry, then acknowledges it
// upstream. It returns false only when shutdown interrupts a full-buffer
// stall, leaving the entry unacknowledged for redelivery.
func (c *Consumer) handle(ent upstream.Entry) bool {
	env, err := EnvelopeFromEntry(ent)
	if err != nil {
		// Malformed entries are never buffered, but they are acked:
		// redelivering them forever helps nobody.
		c.logger.Warnf("Rejecting entry %v: %v", ent.StreamID, err)
		c.stats.FramesMalformed.Inc()
		c.upstream.Ack(ent.StreamID)
		return true
	}

	_, span := tracing.StartSpan(env.Trace, "consumer.ingest",
		attribute.String("frame.id", string(env.ID)),
	)
	defer span.End()

	for {
		err := c.buf.Enqueue(env)
		if err == nil {
			break
		}
		if !errors.Is(err, buffer.ErrFull) {
			c.logger.Errorf("Failed to buffer frame %v: %v", env.ID, err)
			return true
		}
		if !c.sleep(c.fullBoff.NextBackOff()) {
			return false
		}
	}
	c.fullBoff.Reset()

	c.upstream.Ack(ent.StreamID)
	return true
}

func (c *Consumer) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.shutSig.SoftStopChan():
		return false
	}
}

// Health reports upstream connectivity.
func (c *Consumer) Health() Health {
	return Health{
		Connected: c.upstream.Connected(),
		Degraded:  c.upstream.Degraded(),
	}
}

// Close stops the loop, waiting up to the context deadline.
func (c *Consumer) Close(ctx context.Context) error {
	c.shutSig.TriggerSoftStop()
	select {
	case <-c.shutSig.HasStoppedChan():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

//------------------------------------------------------------------------------

// EnvelopeFromEntry maps a raw upstream entry onto a frame envelope,
// extracting the carried trace context and treating all unreserved fields
// as metadata. A missing body or frame ID yields a *frame.MalformedError.
func EnvelopeFromEntry(ent upstream.Entry) (*frame.Envelope, error) {
	env := &frame.Envelope{
		ID:      frame.ID(ent.Fields[FieldFrameID]),
		Payload: []byte(ent.Fields[FieldBody]),
		Trace:   tracing.Extract(propagation.MapCarrier(ent.Fields)),
	}
	for k, v := range ent.Fields {
		switch k {
		case FieldFrameID, FieldBody, "traceparent", "tracestate":
		default:
			if env.Metadata == nil {
				env.Metadata = map[string]string{}
			}
			env.Metadata[k] = v
		}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
