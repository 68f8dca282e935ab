// Package frame defines the identity and envelope types moved through the
// buffering core. Payloads are opaque here, only identity, metadata and the
// carried trace context are interpreted.
package frame

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/framewire/framewire/internal/tracing"
)

// MetaRequires is the metadata key naming the capability tags a processor
// must declare in order to receive the frame, as a comma-separated list.
// Absent or empty means any processor qualifies.
const MetaRequires = "requires"

const maxMetadataEntries = 64

// ID identifies a frame. IDs are created exactly once at capture time,
// never reused, and sort by capture order within a single source.
type ID string

// NewID composes a frame ID from its source, capture time and per-source
// sequence number.
func NewID(sourceID string, captured time.Time, seq uint64) ID {
	return ID(fmt.Sprintf("%s/%013d-%d", sourceID, captured.UnixMilli(), seq))
}

// Source returns the source component of the ID, or an empty string if the
// ID is not well formed.
func (id ID) Source() string {
	i := strings.LastIndexByte(string(id), '/')
	if i <= 0 {
		return ""
	}
	return string(id[:i])
}

func (id ID) validate() error {
	s := string(id)
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return fmt.Errorf("frame id %q lacks a source component", s)
	}
	rest := s[i+1:]
	j := strings.IndexByte(rest, '-')
	if j <= 0 || j == len(rest)-1 {
		return fmt.Errorf("frame id %q lacks a timestamp-sequence component", s)
	}
	if _, err := strconv.ParseInt(rest[:j], 10, 64); err != nil {
		return fmt.Errorf("frame id %q has a malformed capture timestamp", s)
	}
	if _, err := strconv.ParseUint(rest[j+1:], 10, 64); err != nil {
		return fmt.Errorf("frame id %q has a malformed sequence", s)
	}
	return nil
}

// Envelope is the unit moved through the buffering core. It is immutable
// once admitted except for Attempts, which only ever increases.
type Envelope struct {
	ID       ID                `json:"frame_id"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Trace    tracing.Context   `json:"trace_context"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   uint32    `json:"attempt_count"`
}

// MalformedError is returned when an envelope is rejected at the ingestion
// boundary. Malformed envelopes are logged and dropped, never buffered.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed envelope: " + e.Reason
}

// Validate checks the envelope is admissible. It returns a *MalformedError
// describing the first defect found.
func (e *Envelope) Validate() error {
	if e == nil {
		return &MalformedError{Reason: "envelope is nil"}
	}
	if e.ID == "" {
		return &MalformedError{Reason: "missing frame id"}
	}
	if err := e.ID.validate(); err != nil {
		return &MalformedError{Reason: err.Error()}
	}
	if len(e.Payload) == 0 {
		return &MalformedError{Reason: "empty payload"}
	}
	if len(e.Metadata) > maxMetadataEntries {
		return &MalformedError{Reason: fmt.Sprintf("metadata exceeds %v entries", maxMetadataEntries)}
	}
	for k := range e.Metadata {
		if k == "" {
			return &MalformedError{Reason: "metadata contains an empty key"}
		}
	}
	return nil
}

// Requirements returns the capability tags the frame demands of a
// processor, sorted, with empties removed.
func (e *Envelope) Requirements() []string {
	raw, ok := e.Metadata[MetaRequires]
	if !ok || raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}
