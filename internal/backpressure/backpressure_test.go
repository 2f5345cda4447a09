package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

func newController(cooldown time.Duration) *Controller {
	return New(Thresholds{Warning: 10, Critical: 50, Cooldown: cooldown}, logger.New())
}

func TestAdmitBelowThresholds(t *testing.T) {
	c := newController(time.Minute)
	c.SetDepth(5)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Admit())
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, c.Rejected())
}

func TestTripsOpenAtCriticalDepth(t *testing.T) {
	c := newController(time.Minute)
	c.SetDepth(60)

	err := c.Admit()
	require.Error(t, err)
	assert.Equal(t, StateOpen, c.State())

	ee, ok := err.(*engineerr.EngineError)
	require.True(t, ok)
	assert.Equal(t, engineerr.BackpressureRejected, ee.Code)

	// While depth stays at or above critical the circuit never
	// recloses.
	for i := 0; i < 10; i++ {
		assert.Error(t, c.Admit())
		assert.NotEqual(t, StateClosed, c.State())
	}
	assert.Equal(t, int64(11), c.Rejected())
}

func TestHalfOpenProbeReopensWhileCongested(t *testing.T) {
	c := newController(20 * time.Millisecond)
	c.SetDepth(60)
	require.Error(t, c.Admit())
	require.Equal(t, StateOpen, c.State())

	time.Sleep(40 * time.Millisecond)

	// Probe admitted after cooldown, but depth is still above warning
	// so the probe fails and the circuit reopens.
	c.SetDepth(30)
	assert.Error(t, c.Admit())
	assert.Equal(t, StateOpen, c.State())
}

func TestReclosesAfterDrain(t *testing.T) {
	c := newController(20 * time.Millisecond)
	c.SetDepth(60)
	require.Error(t, c.Admit())

	time.Sleep(40 * time.Millisecond)

	c.SetDepth(2)
	require.NoError(t, c.Admit(), "probe succeeds once the queue has drained")
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Admit())
}

func TestLeavesOpenEarlyWhenDrained(t *testing.T) {
	c := newController(time.Hour) // cooldown never elapses inside this test
	c.SetDepth(60)
	require.Error(t, c.Admit())
	require.Equal(t, StateOpen, c.State())

	// Draining to the warning threshold lets the circuit out of OPEN
	// without waiting for the cooldown.
	c.SetDepth(10)
	require.NoError(t, c.Admit())
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Admit())
}

func TestStaysOpenWhileAboveWarning(t *testing.T) {
	c := newController(time.Hour)
	c.SetDepth(60)
	require.Error(t, c.Admit())

	// Partially drained but still above warning: no early exit.
	c.SetDepth(20)
	assert.Error(t, c.Admit())
	assert.Equal(t, StateOpen, c.State())
}

func TestStateAge(t *testing.T) {
	c := newController(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, c.StateAge(), 10*time.Millisecond)
}
