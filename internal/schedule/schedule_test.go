package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

type fakeSource struct {
	mu     sync.Mutex
	chains []*models.RuleChain
}

func (s *fakeSource) ListScheduleEnabled(ctx context.Context) ([]*models.RuleChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RuleChain, len(s.chains))
	copy(out, s.chains)
	return out, nil
}

func (s *fakeSource) set(chains ...*models.RuleChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = chains
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	events []ruleengine.Event
	err    error
}

func (e *fakeEnqueuer) Submit(ctx context.Context, ev ruleengine.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func scheduledChain(id int64, cron string) *models.RuleChain {
	return &models.RuleChain{
		ID:              id,
		Name:            "chain",
		OrganizationID:  7,
		ScheduleEnabled: true,
		CronExpression:  cron,
		Timezone:        "UTC",
		ExecutionType:   models.ExecutionTypeScheduleOnly,
	}
}

func newTestManager(src ChainSource, enq Enqueuer) *Manager {
	return NewManager(src, enq, logger.New(), nil, time.Minute, 5*time.Second)
}

func TestSyncAddsUpdatesRemoves(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, &fakeEnqueuer{})
	ctx := context.Background()

	src.set(scheduledChain(1, "0 * * * *"), scheduledChain(2, "*/10 * * * * *"))
	stats, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Added: 2}, stats)
	assert.Equal(t, 2, m.ScheduledCount())

	// Changing a cron expression cancels and recreates the handle.
	src.set(scheduledChain(1, "*/5 * * * *"), scheduledChain(2, "*/10 * * * * *"))
	stats, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Updated: 1}, stats)

	// Dropping a chain removes its handle.
	src.set(scheduledChain(1, "*/5 * * * *"))
	stats, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Removed: 1}, stats)
	assert.Equal(t, 1, m.ScheduledCount())
}

func TestSyncIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	src.set(scheduledChain(1, "0 * * * *"))
	m := newTestManager(src, &fakeEnqueuer{})
	ctx := context.Background()

	_, err := m.Sync(ctx)
	require.NoError(t, err)

	stats, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats, "an unchanged source makes zero mutations")
	assert.Equal(t, 1, m.ScheduledCount())
}

func TestSyncSkipsChainWithoutCron(t *testing.T) {
	src := &fakeSource{}
	src.set(&models.RuleChain{ID: 1, ScheduleEnabled: true, Timezone: "UTC"})
	m := newTestManager(src, &fakeEnqueuer{})

	stats, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)
	assert.Zero(t, m.ScheduledCount())
}

func TestScheduleChanged(t *testing.T) {
	a := scheduledChain(1, "0 * * * *")
	b := scheduledChain(1, "0 * * * *")
	assert.False(t, scheduleChanged(a, b))

	b.CronExpression = "*/5 * * * *"
	assert.True(t, scheduleChanged(a, b))

	b = scheduledChain(1, "0 * * * *")
	b.Timezone = "Europe/Berlin"
	assert.True(t, scheduleChanged(a, b))

	b = scheduledChain(1, "0 * * * *")
	b.MaxRetries = 3
	assert.True(t, scheduleChanged(a, b))

	b = scheduledChain(1, "0 * * * *")
	b.ScheduleMetadata = []byte(`{"note":"x"}`)
	assert.True(t, scheduleChanged(a, b))
}

func TestNormalizeCron(t *testing.T) {
	assert.Equal(t, "0 0 * * * *", normalizeCron("0 * * * *"))
	assert.Equal(t, "*/10 * * * * *", normalizeCron("*/10 * * * * *"))
}

func TestFireEnqueuesScheduleTrigger(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(&fakeSource{}, enq)

	chain := scheduledChain(42, "*/10 * * * * *")
	m.fire(chain, 0)

	require.Equal(t, 1, enq.count())
	ev := enq.events[0]
	assert.Equal(t, ruleengine.EventScheduleTrigger, ev.Kind)
	assert.Equal(t, int64(42), ev.RuleChainID)
	assert.Equal(t, "7", ev.OrgID)
}

func TestFireRetriesOnSubmitFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: context.DeadlineExceeded}
	m := newTestManager(&fakeSource{}, enq)

	chain := scheduledChain(42, "*/10 * * * * *")
	chain.MaxRetries = 2
	chain.RetryDelayMs = 10

	m.fire(chain, 0)

	// Retries run on timers; give them time to exhaust.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, enq.count(), "all attempts failed, nothing was enqueued")
}

func TestCronFiresScheduleTrigger(t *testing.T) {
	src := &fakeSource{}
	src.set(scheduledChain(9, "* * * * * *"))
	enq := &fakeEnqueuer{}
	m := newTestManager(src, enq)

	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	m.cronEngine.Start()
	defer m.cronEngine.Stop()

	assert.Eventually(t, func() bool { return enq.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
