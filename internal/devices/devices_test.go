package devices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/pkg/logger"
)

func TestEnqueueCommand(t *testing.T) {
	s := NewService(nil, logger.New(), time.Minute, time.Minute)

	require.NoError(t, s.EnqueueCommand("d1", "reboot", map[string]interface{}{"delay": 5}))

	summary := s.HealthSummary()
	assert.Equal(t, 1, summary["queued_commands"])
}

func TestEnqueueCommandRejectsWhenFull(t *testing.T) {
	s := NewService(nil, logger.New(), time.Minute, time.Minute)
	s.commandQueue = make(chan Command, 1)

	require.NoError(t, s.EnqueueCommand("d1", "reboot", nil))
	assert.Error(t, s.EnqueueCommand("d1", "reboot", nil))
}

func TestHealthSummaryBuckets(t *testing.T) {
	s := NewService(nil, logger.New(), time.Minute, time.Minute)

	s.mu.Lock()
	s.lastSeen["fresh"] = time.Now()
	s.lastSeen["stale"] = time.Now().Add(-45 * time.Second)
	s.mu.Unlock()

	summary := s.HealthSummary()
	assert.Equal(t, 2, summary["total"])
	assert.Equal(t, 1, summary["online"])
	assert.Equal(t, 1, summary["quiet"])
}
