// Package schedule drives rule chains from cron expressions. Schedule
// definitions live in the rule_chains table; a background reconcile
// loop keeps the in-memory cron entries in step with the database so
// edits made through the command surface take effect without a
// restart.
package schedule

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/pkg/duration"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// ChainSource lists the schedule-enabled rule chains the manager
// reconciles against.
type ChainSource interface {
	ListScheduleEnabled(ctx context.Context) ([]*models.RuleChain, error)
}

// Enqueuer is the engine manager's Submit method, narrowed to the one
// call the schedule manager needs.
type Enqueuer interface {
	Submit(ctx context.Context, ev ruleengine.Event) error
}

// SyncStats summarizes one reconcile pass.
type SyncStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

type handle struct {
	entryID cron.EntryID
	chain   *models.RuleChain
}

// Manager owns one cron.Cron instance and a handle per schedule-
// enabled rule chain, reconciled against the chain source on the
// auto-sync interval.
type Manager struct {
	chains     ChainSource
	enqueuer   Enqueuer
	cronEngine *cron.Cron
	log        *logger.Logger
	clock      duration.Clock

	autoSyncInterval time.Duration
	eventDeadline    time.Duration

	mu      sync.Mutex
	handles map[int64]*handle
}

func NewManager(chains ChainSource, enqueuer Enqueuer, log *logger.Logger, clock duration.Clock, autoSyncInterval, eventDeadline time.Duration) *Manager {
	if clock == nil {
		clock = duration.RealClock{}
	}
	return &Manager{
		chains:           chains,
		enqueuer:         enqueuer,
		cronEngine:       cron.New(cron.WithSeconds()),
		log:              log,
		clock:            clock,
		autoSyncInterval: autoSyncInterval,
		eventDeadline:    eventDeadline,
		handles:          map[int64]*handle{},
	}
}

// Run performs an initial sync, starts the cron engine, and then
// reconciles on every autoSyncInterval tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Sync(ctx); err != nil {
		return fmt.Errorf("schedule manager: initial sync: %w", err)
	}
	m.cronEngine.Start()

	ticker := time.NewTicker(m.autoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx := m.cronEngine.Stop()
			<-stopCtx.Done()
			return nil
		case <-ticker.C:
			if _, err := m.Sync(ctx); err != nil {
				m.log.Warnw("schedule auto-sync failed", "error", err)
			}
		}
	}
}

// Sync reconciles the in-memory handle set against every schedule-
// enabled rule chain. It is idempotent: a call against an unchanged
// source makes zero cron mutations.
func (m *Manager) Sync(ctx context.Context) (SyncStats, error) {
	chains, err := m.chains.ListScheduleEnabled(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	byID := make(map[int64]*models.RuleChain, len(chains))
	for _, c := range chains {
		byID[c.ID] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var stats SyncStats

	for id, chain := range byID {
		existing, ok := m.handles[id]
		if !ok {
			if err := m.scheduleLocked(chain); err != nil {
				m.log.Warnw("schedule add failed", "ruleChainId", id, "error", err)
				continue
			}
			stats.Added++
			continue
		}
		if scheduleChanged(existing.chain, chain) {
			m.cronEngine.Remove(existing.entryID)
			delete(m.handles, id)
			if err := m.scheduleLocked(chain); err != nil {
				m.log.Warnw("schedule update failed", "ruleChainId", id, "error", err)
				continue
			}
			stats.Updated++
		}
	}

	for id, h := range m.handles {
		if _, ok := byID[id]; !ok {
			m.cronEngine.Remove(h.entryID)
			delete(m.handles, id)
			stats.Removed++
		}
	}

	m.log.Infow("schedule auto-sync complete", "added", stats.Added, "updated", stats.Updated, "removed", stats.Removed)
	return stats, nil
}

// ScheduledCount reports how many chains currently hold a cron entry.
func (m *Manager) ScheduledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// scheduleChanged reports whether any field the schedule handle
// depends on differs between two revisions of the same chain.
func scheduleChanged(old, next *models.RuleChain) bool {
	return old.CronExpression != next.CronExpression ||
		old.Timezone != next.Timezone ||
		old.Priority != next.Priority ||
		old.MaxRetries != next.MaxRetries ||
		old.RetryDelayMs != next.RetryDelayMs ||
		old.ScheduleEnabled != next.ScheduleEnabled ||
		!bytes.Equal(old.ScheduleMetadata, next.ScheduleMetadata)
}

// scheduleLocked registers a cron entry for chain. Caller holds m.mu.
func (m *Manager) scheduleLocked(chain *models.RuleChain) error {
	if chain.CronExpression == "" {
		return fmt.Errorf("rule chain %d has schedule enabled but no cron expression", chain.ID)
	}
	spec := normalizeCron(chain.CronExpression)
	if chain.Timezone != "" && chain.Timezone != "UTC" {
		spec = fmt.Sprintf("CRON_TZ=%s %s", chain.Timezone, spec)
	}
	chainCopy := *chain
	entryID, err := m.cronEngine.AddFunc(spec, func() {
		m.fire(&chainCopy, 0)
	})
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", chain.CronExpression, err)
	}
	m.handles[chain.ID] = &handle{entryID: entryID, chain: chain}
	return nil
}

// normalizeCron widens a standard 5-field expression to the 6-field
// seconds-first form the cron engine is configured for.
func normalizeCron(expr string) string {
	if len(strings.Fields(expr)) == 5 {
		return "0 " + expr
	}
	return expr
}

// fire enqueues a scheduleTrigger event for chain and, on submission
// failure, retries up to chain.MaxRetries times with RetryDelayMs
// between attempts. Past the limit the failure is logged;
// RuleChain.failureCount is updated by the engine manager itself once
// the event executes and fails there, not here.
func (m *Manager) fire(chain *models.RuleChain, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.eventDeadline)
	defer cancel()

	now := m.clock.Now()
	ev := ruleengine.Event{
		Kind:        ruleengine.EventScheduleTrigger,
		OrgID:       fmt.Sprintf("%d", chain.OrganizationID),
		RuleChainID: chain.ID,
		Timestamp:   now,
		Deadline:    now.Add(m.eventDeadline),
		ShardKey:    fmt.Sprintf("chain:%d", chain.ID),
	}

	if err := m.enqueuer.Submit(ctx, ev); err != nil {
		if attempt < chain.MaxRetries {
			delay := time.Duration(chain.RetryDelayMs) * time.Millisecond
			time.AfterFunc(delay, func() { m.fire(chain, attempt+1) })
			return
		}
		m.log.Warnw("schedule trigger exhausted retries", "ruleChainId", chain.ID, "attempts", attempt+1, "error", err)
	}
}
