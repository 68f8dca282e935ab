// Package upstream reads frame entries from the durable upstream log, a
// Redis stream consumed with XREADGROUP under a named consumer group. The
// group cursor is durable, so a restarted process resumes from its
// unacknowledged entries; the reader replays the group backlog before
// tailing new entries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"github.com/framewire/framewire/internal/log"
)

// ErrNotConnected is returned by Poll while the upstream connection is
// down; the caller retries after the reader's internal backoff.
var ErrNotConnected = errors.New("upstream is not connected")

// Config holds upstream log settings.
type Config struct {
	URL             string
	Stream          string
	ConsumerGroup   string
	ClientID        string
	CreateStream    bool
	StartFromOldest bool
	Limit           int64
	PollTimeout     time.Duration
	CommitPeriod    time.Duration

	// DegradedAfter is the number of consecutive upstream failures before
	// the reader reports degraded on the health surface. It keeps retrying
	// regardless.
	DegradedAfter int32
}

// NewConfig returns upstream defaults.
func NewConfig() Config {
	clientID := "framewire"
	if id, err := uuid.NewV4(); err == nil {
		clientID = "framewire-" + id.String()
	}
	return Config{
		URL:             "redis://localhost:6379",
		Stream:          "frames",
		ConsumerGroup:   "framewire",
		ClientID:        clientID,
		CreateStream:    true,
		StartFromOldest: true,
		Limit:           10,
		PollTimeout:     time.Second,
		CommitPeriod:    time.Second,
		DegradedAfter:   3,
	}
}

// Entry is one raw upstream log entry: the stream-assigned ID used for
// acknowledgment plus its field map.
type Entry struct {
	StreamID string
	Fields   map[string]string
}

// Reader consumes the upstream stream. Acknowledgments are batched and
// flushed on a commit ticker and during shutdown.
type Reader struct {
	conf Config

	clientCtor func() (redis.UniversalClient, error)
	client     redis.UniversalClient
	cMut       sync.Mutex

	// backlog is the pending-entries cursor replayed before tailing with
	// ">"; empty once the backlog is exhausted.
	backlog string

	aMut    sync.Mutex
	ackSend []string

	connBackoff  backoff.BackOff
	consFailures atomic.Int32

	logger  log.Modular
	shutSig *shutdown.Signaller
}

// NewReader constructs a reader and starts its ack flush loop.
func NewReader(conf Config, logger log.Modular) (*Reader, error) {
	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}

	connBoff := backoff.NewExponentialBackOff()
	connBoff.InitialInterval = time.Millisecond * 100
	connBoff.MaxInterval = time.Second * 5
	connBoff.MaxElapsedTime = 0

	r := &Reader{
		conf: conf,
		clientCtor: func() (redis.UniversalClient, error) {
			return redis.NewClient(opts), nil
		},
		backlog:     "0",
		connBackoff: connBoff,
		logger:      logger.WithFields(map[string]string{"component": "upstream"}),
		shutSig:     shutdown.NewSignaller(),
	}
	go r.ackLoop()
	return r, nil
}

func (r *Reader) ackLoop() {
	defer func() {
		r.cMut.Lock()
		client := r.client
		r.client = nil
		r.cMut.Unlock()
		if client != nil {
			client.Close()
		}
		r.shutSig.TriggerHasStopped()
	}()

	commitTimer := time.NewTicker(r.conf.CommitPeriod)
	defer commitTimer.Stop()

	ctx := context.Background()
	for {
		select {
		case <-commitTimer.C:
		case <-r.shutSig.SoftStopChan():
			r.sendAcks(ctx)
			return
		}
		r.sendAcks(ctx)
	}
}

// Connect establishes the upstream connection and ensures the consumer
// group exists.
func (r *Reader) Connect(ctx context.Context) error {
	r.cMut.Lock()
	defer r.cMut.Unlock()

	if r.client != nil {
		return nil
	}

	client, err := r.clientCtor()
	if err != nil {
		r.consFailures.Add(1)
		return err
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		r.consFailures.Add(1)
		return err
	}

	offset := "$"
	if r.conf.StartFromOldest {
		offset = "0"
	}
	if r.conf.CreateStream {
		err = client.XGroupCreateMkStream(ctx, r.conf.Stream, r.conf.ConsumerGroup, offset).Err()
	} else {
		err = client.XGroupCreate(ctx, r.conf.Stream, r.conf.ConsumerGroup, offset).Err()
	}
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		r.consFailures.Add(1)
		return fmt.Errorf("failed to create group %v for stream %v: %w", r.conf.ConsumerGroup, r.conf.Stream, err)
	}

	r.client = client
	r.consFailures.Store(0)
	return nil
}

// Connected reports whether a client is currently held.
func (r *Reader) Connected() bool {
	r.cMut.Lock()
	defer r.cMut.Unlock()
	return r.client != nil
}

// Degraded reports whether the reader has hit enough consecutive upstream
// failures to be considered degraded.
func (r *Reader) Degraded() bool {
	return r.consFailures.Load() >= r.conf.DegradedAfter
}

// Poll reads up to max unseen entries for the consumer group, blocking up
// to the configured poll timeout. An empty result with a nil error means
// the timeout passed quietly. Order within the returned batch follows the
// stream.
func (r *Reader) Poll(ctx context.Context, max int) ([]Entry, error) {
	r.cMut.Lock()
	client := r.client
	r.cMut.Unlock()

	if client == nil {
		return nil, ErrNotConnected
	}

	limit := int64(max)
	if limit <= 0 {
		limit = r.conf.Limit
	}

	cursor := ">"
	fromBacklog := r.backlog != ""
	if fromBacklog {
		cursor = r.backlog
	}

	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Block:    r.conf.PollTimeout,
		Consumer: r.conf.ClientID,
		Group:    r.conf.ConsumerGroup,
		Streams:  []string{r.conf.Stream, cursor},
		Count:    limit,
	}).Result()

	if err != nil && err != redis.Nil {
		if strings.Contains(err.Error(), "i/o timeout") {
			return nil, nil
		}
		r.consFailures.Add(1)
		_ = r.disconnect(ctx)
		r.logger.Errorf("Error from upstream: %v", err)

		select {
		case <-time.After(r.connBackoff.NextBackOff()):
		case <-ctx.Done():
		}
		return nil, ErrNotConnected
	}
	r.connBackoff.Reset()
	r.consFailures.Store(0)

	var out []Entry
	for _, strRes := range res {
		if strRes.Stream != r.conf.Stream {
			continue
		}
		if fromBacklog {
			if len(strRes.Messages) > 0 {
				r.backlog = strRes.Messages[len(strRes.Messages)-1].ID
			} else {
				r.backlog = ""
			}
		}
		for _, xmsg := range strRes.Messages {
			fields := make(map[string]string, len(xmsg.Values))
			for k, v := range xmsg.Values {
				switch t := v.(type) {
				case string:
					fields[k] = t
				case []byte:
					fields[k] = string(t)
				}
			}
			out = append(out, Entry{StreamID: xmsg.ID, Fields: fields})
		}
	}

	// An exhausted backlog read may return empty while new entries wait
	// behind the ">" cursor, so allow one immediate follow-up.
	if len(out) == 0 && fromBacklog && r.backlog == "" && ctx.Err() == nil {
		return r.Poll(ctx, max)
	}
	return out, nil
}

// Ack queues acknowledgment of the given stream IDs, removing their
// redelivery risk once flushed.
func (r *Reader) Ack(ids ...string) {
	r.aMut.Lock()
	r.ackSend = append(r.ackSend, ids...)
	r.aMut.Unlock()
}

func (r *Reader) sendAcks(ctx context.Context) {
	r.cMut.Lock()
	client := r.client
	r.cMut.Unlock()
	if client == nil {
		return
	}

	r.aMut.Lock()
	ackSend := r.ackSend
	r.ackSend = nil
	r.aMut.Unlock()

	if len(ackSend) == 0 {
		return
	}
	if err := client.XAck(ctx, r.conf.Stream, r.conf.ConsumerGroup, ackSend...).Err(); err != nil {
		r.logger.Errorf("Failed to ack stream %v: %v", r.conf.Stream, err)
		// Unacked entries stay pending in the group and are replayed on
		// the next connect, trading redelivery for loss.
		r.aMut.Lock()
		r.ackSend = append(ackSend, r.ackSend...)
		r.aMut.Unlock()
	}
}

func (r *Reader) disconnect(ctx context.Context) error {
	r.sendAcks(ctx)

	r.cMut.Lock()
	defer r.cMut.Unlock()

	var err error
	if r.client != nil {
		err = r.client.Close()
		r.client = nil
	}
	return err
}

// Close flushes pending acks and releases the connection.
func (r *Reader) Close(ctx context.Context) error {
	r.shutSig.TriggerSoftStop()
	select {
	case <-r.shutSig.HasStoppedChan():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
