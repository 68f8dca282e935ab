// Package api implements the boundary HTTP surface over the shared buffer
// and processor registry: frame enqueue/dequeue/ack/nack, processor
// registration and heartbeats, status, dead-letter inspection and health.
// The transport is thin glue; all semantics live in the components behind
// it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/consumer"
	"github.com/framewire/framewire/internal/deadletter"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/registry"
	"github.com/framewire/framewire/internal/tracing"
)

// Config contains the configuration fields for the boundary API.
type Config struct {
	Address     string `yaml:"address"`
	ReadTimeout string `yaml:"read_timeout"`
}

// NewConfig creates an API config with default values.
func NewConfig() Config {
	return Config{
		Address:     "0.0.0.0:4910",
		ReadTimeout: "5s",
	}
}

// ConsumerHealth reports the stream consumer's connectivity.
type ConsumerHealth interface {
	Health() consumer.Health
}

// API serves the boundary surface.
type API struct {
	conf   Config
	buf    *buffer.Buffer
	reg    *registry.Registry
	dlq    *deadletter.Log
	cons   ConsumerHealth
	logger log.Modular

	server *http.Server
}

// New constructs the API over the single shared buffer handle and its
// sibling components.
func New(
	conf Config,
	buf *buffer.Buffer,
	reg *registry.Registry,
	dlq *deadletter.Log,
	cons ConsumerHealth,
	stats *metrics.Metrics,
	logger log.Modular,
) (*API, error) {
	a := &API{
		conf:   conf,
		buf:    buf,
		reg:    reg,
		dlq:    dlq,
		cons:   cons,
		logger: logger.WithFields(map[string]string{"component": "api"}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/frames/enqueue", a.handleEnqueue).Methods(http.MethodPost)
	router.HandleFunc("/frames/dequeue", a.handleDequeue).Methods(http.MethodGet)
	router.HandleFunc("/frames/status", a.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/frames/{id:.+}/ack", a.handleAck).Methods(http.MethodPost)
	router.HandleFunc("/frames/{id:.+}/nack", a.handleNack).Methods(http.MethodPost)
	router.HandleFunc("/processors/register", a.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/processors/{id}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/deadletters", a.handleDeadLetterList).Methods(http.MethodGet)
	router.HandleFunc("/deadletters", a.handleDeadLetterPurge).Methods(http.MethodDelete)
	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", stats.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    conf.Address,
		Handler: handlers.RecoveryHandler()(router),
	}
	if tout := conf.ReadTimeout; tout != "" {
		var err error
		if server.ReadTimeout, err = time.ParseDuration(tout); err != nil {
			return nil, fmt.Errorf("failed to parse read timeout string: %w", err)
		}
	}
	a.server = server
	return a, nil
}

// Handler returns the API's HTTP handler, used directly by tests.
func (a *API) Handler() http.Handler {
	return a.server.Handler
}

// ListenAndServe blocks serving the API until Close is called.
func (a *API) ListenAndServe() error {
	a.logger.Infof("Listening for boundary API requests at %v", a.conf.Address)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts down the HTTP server gracefully.
func (a *API) Close(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

//------------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var env frame.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse envelope: %v", err)
		return
	}
	if env.Trace.IsZero() {
		env.Trace = tracing.Extract(propagation.HeaderCarrier(r.Header))
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	_, span := tracing.StartSpan(env.Trace, "api.enqueue",
		attribute.String("frame.id", string(env.ID)),
	)
	defer span.End()

	if err := a.buf.Enqueue(&env); err != nil {
		if errors.Is(err, buffer.ErrFull) {
			writeError(w, http.StatusInsufficientStorage, "buffer is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued"})
}

func (a *API) handleDequeue(w http.ResponseWriter, r *http.Request) {
	procID := r.URL.Query().Get("processor_id")
	if procID == "" {
		writeError(w, http.StatusBadRequest, "processor_id is required")
		return
	}
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		var err error
		if count, err = strconv.Atoi(c); err != nil || count <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
	}

	p, ok := a.reg.Get(procID)
	if !ok || p.State == registry.StateEvicted {
		writeError(w, http.StatusConflict, "processor %v is not registered", procID)
		return
	}
	if spare := p.Spare(); count > spare {
		count = spare
	}

	batch := a.buf.DequeueFor(procID, count, p.Capabilities)
	if len(batch) > 0 {
		a.reg.MarkDispatched(procID, len(batch))
	}
	for _, env := range batch {
		_, span := tracing.StartSpan(env.Trace, "api.dequeue",
			attribute.String("frame.id", string(env.ID)),
			attribute.String("processor.id", procID),
		)
		span.End()
	}

	if batch == nil {
		batch = []*frame.Envelope{}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	id := frame.ID(mux.Vars(r)["id"])

	_, span := tracing.StartSpan(
		tracing.Extract(propagation.HeaderCarrier(r.Header)), "api.ack",
		attribute.String("frame.id", string(id)),
	)
	defer span.End()

	acted := a.buf.Ack(id)
	if procID := r.URL.Query().Get("processor_id"); procID != "" && acted {
		a.reg.MarkDone(procID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

type nackRequest struct {
	ProcessorID string `json:"processor_id"`
	Error       string `json:"error"`
}

func (a *API) handleNack(w http.ResponseWriter, r *http.Request) {
	id := frame.ID(mux.Vars(r)["id"])

	var req nackRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Error == "" {
		req.Error = "processing failed"
	}

	_, span := tracing.StartSpan(
		tracing.Extract(propagation.HeaderCarrier(r.Header)), "api.nack",
		attribute.String("frame.id", string(id)),
	)
	defer span.End()

	acted := a.buf.Nack(id, errors.New(req.Error))
	if req.ProcessorID != "" && acted {
		a.reg.MarkDone(req.ProcessorID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "nacked"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.buf.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":          st.Size,
		"capacity":      st.Capacity,
		"utilization":   float64(st.Size) / float64(st.Capacity),
		"oldest_age_ms": st.OldestAge.Milliseconds(),
	})
}

type registerRequest struct {
	ProcessorID  string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     uint32   `json:"capacity"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse registration: %v", err)
		return
	}
	if req.ProcessorID == "" {
		writeError(w, http.StatusBadRequest, "processor_id is required")
		return
	}
	if req.Capacity == 0 {
		writeError(w, http.StatusBadRequest, "capacity must be positive")
		return
	}
	a.reg.Register(req.ProcessorID, req.Capabilities, req.Capacity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type heartbeatRequest struct {
	InFlight uint32 `json:"in_flight"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req heartbeatRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := a.reg.Heartbeat(id, req.InFlight); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "failed to parse since: %v", err)
			return
		}
	}
	entries := a.dlq.List(since)
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleDeadLetterPurge(w http.ResponseWriter, r *http.Request) {
	before := time.Now()
	if s := r.URL.Query().Get("before"); s != "" {
		var err error
		if before, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "failed to parse before: %v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": a.dlq.Purge(before)})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ch := a.cons.Health()
	st := a.buf.Status()

	status := http.StatusOK
	overall := "ok"
	if ch.Degraded {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":   overall,
		"consumer": ch,
		"buffer": map[string]any{
			"size":          st.Size,
			"capacity":      st.Capacity,
			"utilization":   float64(st.Size) / float64(st.Capacity),
			"oldest_age_ms": st.OldestAge.Milliseconds(),
		},
		"processors": len(a.reg.ActiveSnapshot()),
	})
}
