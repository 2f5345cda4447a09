package ruleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/internal/backpressure"
	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/internal/expr"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/notifications"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/ruleindex"
	"github.com/samirobaid01/aemos-core/pkg/duration"
	"github.com/samirobaid01/aemos-core/pkg/logger"

	metricspkg "github.com/samirobaid01/aemos-core/internal/metrics"
)

// ManagerConfig carries the engine manager's tunables.
type ManagerConfig struct {
	WorkerCount           int
	EventDeadline         time.Duration
	DataCollectionTimeout time.Duration
	RuleChainTimeout      time.Duration
}

// Manager is the rule-engine manager: a pool of workers consuming a
// set of per-shard ordered queues, where an event's ShardKey picks its
// shard so same-device events stay FIFO while cross-device events run
// concurrently across shards.
type Manager struct {
	repo        *repository.Repositories
	index       *ruleindex.Index
	interpreter *Interpreter
	bp          *backpressure.Controller
	notif       *notifications.FanOut
	metrics     *metricspkg.Metrics
	log         *logger.Logger
	clock       duration.Clock
	cfg         ManagerConfig

	shards []chan Event

	waiting   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	wg sync.WaitGroup
}

func NewManager(
	repo *repository.Repositories,
	index *ruleindex.Index,
	interpreter *Interpreter,
	bp *backpressure.Controller,
	notif *notifications.FanOut,
	metrics *metricspkg.Metrics,
	log *logger.Logger,
	clock duration.Clock,
	cfg ManagerConfig,
) *Manager {
	if clock == nil {
		clock = duration.RealClock{}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	shards := make([]chan Event, cfg.WorkerCount)
	for i := range shards {
		shards[i] = make(chan Event, 256)
	}
	return &Manager{
		repo: repo, index: index, interpreter: interpreter, bp: bp, notif: notif,
		metrics: metrics, log: log, clock: clock, cfg: cfg, shards: shards,
	}
}

// Run starts one worker goroutine per shard and blocks until ctx is
// cancelled and every worker has returned. Events still queued in a
// shard when ctx is cancelled are not processed.
func (m *Manager) Run(ctx context.Context) {
	for i, ch := range m.shards {
		m.wg.Add(1)
		go m.worker(ctx, i, ch)
	}
	<-ctx.Done()
	m.wg.Wait()
}

// Shutdown waits for in-flight workers to drain, bounded by grace.
func (m *Manager) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.log.Warnw("rule engine manager shutdown grace period exceeded")
	}
}

// Submit enqueues ev onto its shard after an admission check. Returns
// a BACKPRESSURE_REJECTED EngineError if the controller refuses entry.
func (m *Manager) Submit(ctx context.Context, ev Event) error {
	if err := m.bp.Admit(); err != nil {
		if m.metrics != nil {
			m.metrics.IncBackpressureRejected()
		}
		return err
	}
	shard := m.shards[shardFor(ev.ShardKey, len(m.shards))]
	m.waiting.Add(1)
	m.reportDepth()

	select {
	case shard <- ev:
		return nil
	case <-ctx.Done():
		m.waiting.Add(-1)
		m.reportDepth()
		return ctx.Err()
	}
}

func shardFor(key string, n int) int {
	if key == "" || n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (m *Manager) reportDepth() {
	m.bp.SetDepth(int(m.waiting.Load() + m.active.Load()))
	if m.metrics != nil {
		m.metrics.SetQueueStats(int(m.waiting.Load()), int(m.active.Load()), int(m.completed.Load()), int(m.failed.Load()), 0)
		m.metrics.SetBackpressureState(int(m.bp.State()), m.bp.Thresholds().Warning, m.bp.Thresholds().Critical)
	}
}

func (m *Manager) worker(ctx context.Context, idx int, ch <-chan Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.waiting.Add(-1)
			m.active.Add(1)
			m.reportDepth()

			m.handleSafely(ctx, ev)

			m.active.Add(-1)
			m.completed.Add(1)
			m.reportDepth()
		}
	}
}

func (m *Manager) handleSafely(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.log.Errorw("rule engine worker panicked", "panic", r, "kind", ev.Kind)
		}
	}()
	m.handle(ctx, ev)
}

// handle resolves candidate chains for ev, filters by executionType,
// and executes each. RuleChainUpdated/Deleted are index-only events
// and never reach the interpreter.
func (m *Manager) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventRuleChainUpdated:
		if err := m.index.InvalidateChain(ctx, ev.RuleChainID); err != nil {
			m.log.Warnw("rule index invalidate failed", "ruleChainId", ev.RuleChainID, "error", err)
		}
		return
	case EventRuleChainDeleted:
		m.index.RemoveChain(ev.RuleChainID)
		return
	}

	deadline := ev.Deadline
	if deadline.IsZero() {
		deadline = m.clock.Now().Add(m.cfg.EventDeadline)
	}
	evCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	chainIDs := m.resolveCandidates(ev)
	for _, id := range chainIDs {
		meta, ok := m.index.ChainMeta(id)
		if !ok {
			continue
		}
		if !eventTypeCompatible(ev.Kind, string(meta.ExecutionType)) {
			continue
		}
		m.executeChain(evCtx, id, ev, deadline)
	}
}

func (m *Manager) resolveCandidates(ev Event) []int64 {
	var ids []int64
	switch ev.Kind {
	case EventTelemetry, EventBatchTelemetry:
		ids = append(ids, m.index.ResolveBySensor(ev.OrgID, ev.SensorUUID)...)
		ids = append(ids, m.index.ResolveByOrg(ev.OrgID)...)
	case EventDeviceStateChange:
		ids = append(ids, m.index.ResolveByDevice(ev.OrgID, ev.DeviceUUID)...)
		ids = append(ids, m.index.ResolveByOrg(ev.OrgID)...)
	case EventManualTrigger, EventScheduleTrigger:
		if ev.RuleChainID != 0 {
			ids = append(ids, ev.RuleChainID)
		}
	}
	return dedupeInt64(ids)
}

func dedupeInt64(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// executeChain loads the chain/nodes, collects data, runs the
// interpreter, records statistics, and applies any emitted actions.
func (m *Manager) executeChain(ctx context.Context, chainID int64, ev Event, deadline time.Time) {
	chain, err := m.repo.RuleChains.GetByID(ctx, chainID)
	if err != nil || chain == nil {
		m.log.Warnw("rule chain lookup failed", "ruleChainId", chainID, "error", err)
		return
	}
	nodes, err := m.repo.RuleChainNodes.ListByChain(ctx, chainID)
	if err != nil {
		m.log.Warnw("rule chain node lookup failed", "ruleChainId", chainID, "error", err)
		return
	}

	collected, timedOut := m.collectData(ctx, nodes)
	scope := BuildScope(collected)

	start := m.clock.Now()
	result := m.interpreter.Execute(ctx, chain, nodes, scope, deadline)
	elapsed := m.clock.Now().Sub(start).Seconds()

	if timedOut {
		m.log.Infow("data collection timed out, evaluating against empty scope",
			"ruleChainId", chainID, "code", engineerr.DataCollectionTimeout, "timeoutMs", m.cfg.DataCollectionTimeout.Milliseconds())
	}

	success := result.Err == nil
	if m.metrics != nil {
		m.metrics.RecordExecution(chainID, result.Status, elapsed, len(result.ExecutionDetails.ExecutedNodes))
	}
	if err := m.repo.RuleChains.RecordExecution(ctx, chainID, success, m.clock.Now()); err != nil {
		m.log.Warnw("record rule chain execution failed", "ruleChainId", chainID, "error", err)
	}
	if !success {
		m.log.Warnw("rule chain execution failed", "ruleChainId", chainID, "error", result.Err)
		return
	}

	for i := range result.NodeResults.Actions {
		m.applyAction(ctx, chain, &result.NodeResults.Actions[i])
	}
}

// collectData resolves the latest value for every (sourceType, UUID,
// key) leaf referenced by the chain's filter nodes, bounded by
// DataCollectionTimeout.
func (m *Manager) collectData(ctx context.Context, nodes []*models.RuleChainNode) ([]Collected, bool) {
	collectCtx, cancel := context.WithTimeout(ctx, m.cfg.DataCollectionTimeout)
	defer cancel()

	var leaves []expr.Leaf
	for _, n := range nodes {
		if n.Type != models.NodeTypeFilter {
			continue
		}
		var f expr.Filter
		if err := json.Unmarshal(n.Config, &f); err != nil {
			continue
		}
		leaves = append(leaves, f.Leaves()...)
	}

	var out []Collected
	for _, leaf := range leaves {
		select {
		case <-collectCtx.Done():
			return nil, true
		default:
		}
		switch leaf.SourceType {
		case expr.SourceSensor:
			if c, ok := m.collectSensor(collectCtx, leaf); ok {
				out = append(out, c)
			}
		case expr.SourceDevice:
			if c, ok := m.collectDevice(collectCtx, leaf); ok {
				out = append(out, c)
			}
		}
	}
	return out, false
}

func (m *Manager) collectSensor(ctx context.Context, leaf expr.Leaf) (Collected, bool) {
	id, err := uuid.Parse(leaf.UUID)
	if err != nil {
		return Collected{}, false
	}
	sensor, err := m.repo.Sensors.GetByUUID(ctx, id)
	if err != nil || sensor == nil {
		return Collected{}, false
	}
	td, err := m.repo.TelemetryData.GetBySensorAndVariable(ctx, sensor.ID, leaf.Key)
	if err != nil || td == nil {
		return Collected{}, false
	}
	ds, err := m.repo.DataStreams.Latest(ctx, td.ID)
	if err != nil || ds == nil {
		return Collected{}, false
	}
	return Collected{
		SourceType: expr.SourceSensor, UUID: leaf.UUID, Key: leaf.Key,
		Value: coerce(ds.Value, td.Datatype), Timestamp: ds.ReceivedAt,
	}, true
}

func (m *Manager) collectDevice(ctx context.Context, leaf expr.Leaf) (Collected, bool) {
	id, err := uuid.Parse(leaf.UUID)
	if err != nil {
		return Collected{}, false
	}
	device, err := m.repo.Devices.GetByUUID(ctx, id)
	if err != nil || device == nil {
		return Collected{}, false
	}
	state, err := m.repo.DeviceStates.GetByDeviceAndName(ctx, device.ID, leaf.Key)
	if err != nil || state == nil {
		return Collected{}, false
	}
	inst, err := m.repo.StateInstances.Latest(ctx, state.ID)
	if err != nil || inst == nil {
		return Collected{}, false
	}
	return Collected{
		SourceType: expr.SourceDevice, UUID: leaf.UUID, Key: leaf.Key,
		Value: inst.Value, Timestamp: inst.FromTimestamp,
	}, true
}

// coerce converts a DataStream's text value per its declared
// datatype.
func coerce(value string, datatype models.TelemetryDatatype) interface{} {
	switch datatype {
	case models.DatatypeNumber:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return value
	case models.DatatypeBoolean:
		return strings.EqualFold(value, "true")
	default:
		return value
	}
}

// applyAction writes the device-state instance, closing the prior
// open interval, and enqueues the follow-on notification — high
// priority when the action's value crossed its configured thresholds.
// The record's NotificationSent flag reflects whether the enqueue
// actually happened.
func (m *Manager) applyAction(ctx context.Context, chain *models.RuleChain, ar *ActionResult) {
	deviceID, err := uuid.Parse(ar.Record.Command.DeviceUUID)
	if err != nil {
		m.log.Warnw("action targets invalid device uuid", "deviceUuid", ar.Record.Command.DeviceUUID)
		return
	}
	device, err := m.repo.Devices.GetByUUID(ctx, deviceID)
	if err != nil || device == nil {
		m.log.Warnw("action targets unknown device", "deviceUuid", ar.Record.Command.DeviceUUID)
		return
	}
	state, err := m.repo.DeviceStates.GetByDeviceAndName(ctx, device.ID, ar.Record.Command.StateName)
	if err != nil || state == nil {
		m.log.Warnw("action targets unknown device state", "deviceUuid", ar.Record.Command.DeviceUUID, "stateName", ar.Record.Command.StateName)
		return
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"ruleChainId": chain.ID, "ruleChainName": chain.Name, "nodeId": ar.NodeID,
	})
	now := m.clock.Now()
	instance := &models.DeviceStateInstance{
		ID:            nextID(),
		DeviceStateID: state.ID,
		Value:         ar.Record.Command.Value,
		FromTimestamp: now,
		InitiatedBy:   "rule_chain",
		InitiatorID:   fmt.Sprintf("%d", chain.ID),
		Metadata:      metadata,
	}
	if err := m.repo.StateInstances.CreateInstance(ctx, instance); err != nil {
		m.log.Warnw("create device state instance failed", "deviceUuid", ar.Record.Command.DeviceUUID, "error", err)
		return
	}

	if m.notif == nil {
		return
	}
	priority := notifications.PriorityNormal
	if ar.Record.Urgent {
		priority = notifications.PriorityHigh
	}
	n := notifications.Notification{
		OrganizationID: fmt.Sprintf("%d", chain.OrganizationID),
		Topic:          fmt.Sprintf("devices/%s/notifications", ar.Record.Command.DeviceUUID),
		Payload: map[string]interface{}{
			"deviceUuid":  ar.Record.Command.DeviceUUID,
			"stateName":   ar.Record.Command.StateName,
			"value":       ar.Record.Command.Value,
			"ruleChainId": chain.ID,
		},
		Priority:  priority,
		CreatedAt: now,
	}
	if err := m.notif.Enqueue(ctx, n); err != nil {
		m.log.Warnw("notification enqueue failed", "deviceUuid", ar.Record.Command.DeviceUUID, "error", err)
		return
	}
	ar.Record.NotificationSent = true
}

// nextID hands out a monotonic-enough int64 for rows this process
// originates (DeviceStateInstance); the repository's declared-entity
// tables (Sensor, Device, RuleChain, ...) are created by the command
// surface, not here.
func nextID() int64 {
	return time.Now().UnixNano()
}
