package deadletter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewire/framewire/internal/deadletter"
	"github.com/framewire/framewire/internal/frame"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
)

func TestCaptureListPurge(t *testing.T) {
	dlq := deadletter.New(log.Noop(), metrics.New())

	start := time.Now()
	id1 := frame.NewID("cam", start, 1)
	id2 := frame.NewID("cam", start, 2)

	dlq.Capture(id1, errors.New("boom"), 3)
	dlq.Capture(id2, nil, 1)
	require.Equal(t, 2, dlq.Len())

	entries := dlq.List(time.Time{})
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].FrameID)
	assert.Equal(t, "boom", entries[0].LastError)
	assert.EqualValues(t, 3, entries[0].Attempts)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, id2, entries[1].FrameID)
	assert.Empty(t, entries[1].LastError)

	// A since filter in the future excludes everything.
	assert.Empty(t, dlq.List(time.Now().Add(time.Hour)))

	assert.Equal(t, 0, dlq.Purge(start.Add(-time.Hour)))
	assert.Equal(t, 2, dlq.Purge(time.Now().Add(time.Hour)))
	assert.Equal(t, 0, dlq.Len())
}
