// Package router dispatches normalized protocol messages to their
// handlers: data-stream ingest, device status/state updates, command
// acknowledgement, organization broadcast, and manual rule-chain
// triggers. It authenticates the publishing device by token before the
// device-scoped handlers (data stream, status, state, commands) run;
// broadcast and rule-chain messages are not token-checked. It
// suppresses messages originating from our own outbound publisher.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/internal/expr"
	"github.com/samirobaid01/aemos-core/internal/middleware"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/notifications"
	"github.com/samirobaid01/aemos-core/internal/protocol"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/pkg/duration"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// Result is the uniform handler return shape every protocol adapter
// relays back to its caller.
type Result struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    interface{}    `json:"data,omitempty"`
	Code    engineerr.Code `json:"code,omitempty"`
}

func success(message string, data interface{}) Result {
	return Result{Status: "success", Message: message, Data: data}
}

func failure(code engineerr.Code, message string) Result {
	return Result{Status: "error", Message: message, Code: code}
}

// Authenticator resolves a (deviceUuid, token) pair to the sensor it
// speaks for, and recognizes our own publisher identities.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceUUID, token string) (*middleware.AuthenticatedSensor, error)
	IsFeedbackLoop(clientID string) bool
	IsInternalPublisher(username, password string) bool
}

// Store is the slice of the repository the router reads and writes.
type Store interface {
	TelemetryDataByID(ctx context.Context, id int64) (*models.TelemetryData, error)
	SensorByID(ctx context.Context, id int64) (*models.Sensor, error)
	CreateDataStream(ctx context.Context, ds *models.DataStream) error
	DeviceByUUID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, id int64, status models.DeviceStatus) error
	DeviceStateByName(ctx context.Context, deviceID int64, stateName string) (*models.DeviceState, error)
	CreateStateInstance(ctx context.Context, inst *models.DeviceStateInstance) error
}

// Enqueuer submits events onto the rule-engine queue.
type Enqueuer interface {
	Submit(ctx context.Context, ev ruleengine.Event) error
}

// Broadcaster fans a notification out to subscribers.
type Broadcaster interface {
	Enqueue(ctx context.Context, n notifications.Notification) error
}

// DeviceTracker observes device liveness and receives hardware-bound
// commands; the router only acknowledges commands, actual dispatch is
// the device service's problem.
type DeviceTracker interface {
	Touch(ctx context.Context, deviceUUID string)
	EnqueueCommand(deviceUUID string, name string, params map[string]interface{}) error
}

// Router validates, authenticates, and dispatches inbound messages.
type Router struct {
	auth   Authenticator
	store  Store
	engine Enqueuer
	notif  Broadcaster
	devs   DeviceTracker
	log    *logger.Logger
	clock  duration.Clock

	devMode       bool
	eventDeadline time.Duration
}

func New(auth Authenticator, store Store, engine Enqueuer, notif Broadcaster, devs DeviceTracker, log *logger.Logger, clock duration.Clock, devMode bool, eventDeadline time.Duration) *Router {
	if clock == nil {
		clock = duration.RealClock{}
	}
	return &Router{
		auth:          auth,
		store:         store,
		engine:        engine,
		notif:         notif,
		devs:          devs,
		log:           log,
		clock:         clock,
		devMode:       devMode,
		eventDeadline: eventDeadline,
	}
}

// Handle adapts Route to the protocol.Handler signature the adapters
// call; error results surface as an error so adapters can log them.
func (r *Router) Handle(ctx context.Context, msg protocol.Message) error {
	res := r.Route(ctx, msg)
	if res.Status == "error" {
		return engineerr.New(res.Code, res.Message, map[string]interface{}{"topic": msg.Topic})
	}
	return nil
}

// Route is the single dispatch entry point. An unrecognized topic is
// routed nowhere; a feedback-loop client is acknowledged but never
// processed; everything else is handed to its typed handler, after
// token authentication for the device-scoped types (broadcast and
// rule-chain messages are not authenticated).
func (r *Router) Route(ctx context.Context, msg protocol.Message) Result {
	if msg.Type == protocol.TypeUnknown {
		return failure(engineerr.ValidationError, fmt.Sprintf("unrecognized topic %q", msg.Topic))
	}

	if r.auth.IsFeedbackLoop(msg.ClientID) {
		r.log.Infow("skipping own publisher message", "clientId", msg.ClientID, "topic", msg.Topic)
		return success("acknowledged, publisher feedback suppressed", nil)
	}

	if r.devs != nil && msg.DeviceUUID != "" {
		r.devs.Touch(ctx, msg.DeviceUUID)
	}

	switch msg.Type {
	case protocol.TypeDataStream:
		sensor, res := r.authenticate(ctx, msg)
		if res != nil {
			return *res
		}
		return r.handleDataStream(ctx, msg, sensor)
	case protocol.TypeDeviceStatus:
		if _, res := r.authenticate(ctx, msg); res != nil {
			return *res
		}
		return r.handleDeviceStatus(ctx, msg)
	case protocol.TypeDeviceState:
		if _, res := r.authenticate(ctx, msg); res != nil {
			return *res
		}
		return r.handleDeviceState(ctx, msg)
	case protocol.TypeCommands:
		if _, res := r.authenticate(ctx, msg); res != nil {
			return *res
		}
		return r.handleCommands(msg)
	case protocol.TypeBroadcast:
		return r.handleBroadcast(ctx, msg)
	case protocol.TypeRuleChain:
		return r.handleRuleChain(ctx, msg)
	default:
		return failure(engineerr.UnknownMessageType, fmt.Sprintf("no handler for message type %q", msg.Type))
	}
}

// authenticate enforces the token contract on device-scoped messages.
// The reserved internal-publisher credential bypasses token lookup;
// development mode accepts tokenless publishes with a warning; any
// other environment rejects them.
func (r *Router) authenticate(ctx context.Context, msg protocol.Message) (*middleware.AuthenticatedSensor, *Result) {
	username, _ := msg.Payload["username"].(string)
	password, _ := msg.Payload["password"].(string)
	if username != "" && r.auth.IsInternalPublisher(username, password) {
		return nil, nil
	}

	token, _ := msg.Payload["token"].(string)
	if token == "" {
		if r.devMode {
			r.log.Warnw("accepting unauthenticated publish in development mode", "topic", msg.Topic, "deviceUuid", msg.DeviceUUID)
			return nil, nil
		}
		res := failure(engineerr.AuthenticationFailed, "device token required")
		return nil, &res
	}

	sensor, err := r.auth.Authenticate(ctx, msg.DeviceUUID, token)
	if err != nil || sensor == nil {
		r.log.Warnw("device authentication failed", "deviceUuid", msg.DeviceUUID, "error", err)
		res := failure(engineerr.AuthenticationFailed, "invalid or expired device token")
		return nil, &res
	}
	return sensor, nil
}

// dataStreamItem is one inbound reading, either the whole payload or
// one element of a dataStreams batch.
type dataStreamItem struct {
	Value           interface{}
	TelemetryDataID int64
	Urgent          bool
	Thresholds      *expr.Thresholds
}

// handleDataStream persists each reading and emits a telemetry event
// per item. Accepts both the single-value envelope and the
// dataStreams batch variant.
func (r *Router) handleDataStream(ctx context.Context, msg protocol.Message, sensor *middleware.AuthenticatedSensor) Result {
	items, err := parseDataStreamItems(msg.Payload)
	if err != nil {
		return failure(engineerr.ValidationError, err.Error())
	}
	if len(items) == 0 {
		return failure(engineerr.ValidationError, "no data stream items in payload")
	}

	persisted := 0
	for _, item := range items {
		td, err := r.store.TelemetryDataByID(ctx, item.TelemetryDataID)
		if err != nil || td == nil {
			r.log.Warnw("data stream references unknown telemetry channel", "telemetryDataId", item.TelemetryDataID, "error", err)
			continue
		}
		owner, err := r.store.SensorByID(ctx, td.SensorID)
		if err != nil || owner == nil {
			r.log.Warnw("telemetry channel has no sensor", "telemetryDataId", item.TelemetryDataID, "error", err)
			continue
		}
		if sensor != nil && owner.ID != sensor.SensorID {
			r.log.Warnw("data stream rejected, channel belongs to another sensor", "telemetryDataId", item.TelemetryDataID, "deviceUuid", msg.DeviceUUID)
			continue
		}

		now := r.clock.Now()
		value := stringifyValue(item.Value)
		ds := &models.DataStream{
			ID:              now.UnixNano(),
			TelemetryDataID: td.ID,
			Value:           value,
			ReceivedAt:      now,
		}
		if err := r.store.CreateDataStream(ctx, ds); err != nil {
			r.log.Errorw("persist data stream failed", "telemetryDataId", td.ID, "error", err)
			continue
		}
		persisted++

		ev := ruleengine.Event{
			Kind:            ruleengine.EventTelemetry,
			OrgID:           strconv.FormatInt(owner.OrganizationID, 10),
			SensorUUID:      owner.UUID.String(),
			TelemetryDataID: td.ID,
			Value:           value,
			Timestamp:       now,
			Deadline:        now.Add(r.eventDeadline),
			ShardKey:        msg.DeviceUUID,
		}
		if err := r.engine.Submit(ctx, ev); err != nil {
			var ee *engineerr.EngineError
			if asEngineError(err, &ee) && ee.Code == engineerr.BackpressureRejected {
				return failure(engineerr.BackpressureRejected, "engine queue admission refused")
			}
			r.log.Warnw("telemetry event submit failed", "telemetryDataId", td.ID, "error", err)
		}

		r.notifyUrgent(ctx, msg, owner, td, item, value)
	}

	return success(fmt.Sprintf("%d data stream(s) persisted", persisted), map[string]interface{}{"persisted": persisted})
}

// notifyUrgent publishes an immediate high-priority notification when
// the envelope is flagged urgent or the value crosses its thresholds.
func (r *Router) notifyUrgent(ctx context.Context, msg protocol.Message, owner *models.Sensor, td *models.TelemetryData, item dataStreamItem, value string) {
	if r.notif == nil {
		return
	}
	high := item.Urgent || item.Thresholds.Crossed(value)
	if !high {
		return
	}
	n := notifications.Notification{
		OrganizationID: strconv.FormatInt(owner.OrganizationID, 10),
		Topic:          fmt.Sprintf("devices/%s/notifications", msg.DeviceUUID),
		Payload: map[string]interface{}{
			"variableName":    td.VariableName,
			"value":           value,
			"telemetryDataId": td.ID,
			"urgent":          true,
		},
		Priority:  notifications.PriorityHigh,
		CreatedAt: r.clock.Now(),
	}
	if err := r.notif.Enqueue(ctx, n); err != nil {
		r.log.Warnw("urgent notification publish failed", "deviceUuid", msg.DeviceUUID, "error", err)
	}
}

func (r *Router) handleDeviceStatus(ctx context.Context, msg protocol.Message) Result {
	id, err := uuid.Parse(msg.DeviceUUID)
	if err != nil {
		return failure(engineerr.InvalidDeviceUUID, fmt.Sprintf("invalid device uuid %q", msg.DeviceUUID))
	}
	device, err := r.store.DeviceByUUID(ctx, id)
	if err != nil {
		return failure(engineerr.RoutingError, "device lookup failed")
	}
	if device == nil {
		return failure(engineerr.DeviceNotFound, fmt.Sprintf("device %q not found", msg.DeviceUUID))
	}

	status, _ := msg.Payload["status"].(string)
	if status == "" {
		return failure(engineerr.ValidationError, "status field required")
	}
	if err := r.store.UpdateDeviceStatus(ctx, device.ID, models.DeviceStatus(status)); err != nil {
		return failure(engineerr.RoutingError, "device status update failed")
	}
	return success("device status updated", map[string]interface{}{"deviceUuid": msg.DeviceUUID, "status": status})
}

// handleDeviceState records a device-reported state value as a new
// interval instance and emits a deviceStateChange event so dependent
// chains re-evaluate.
func (r *Router) handleDeviceState(ctx context.Context, msg protocol.Message) Result {
	id, err := uuid.Parse(msg.DeviceUUID)
	if err != nil {
		return failure(engineerr.InvalidDeviceUUID, fmt.Sprintf("invalid device uuid %q", msg.DeviceUUID))
	}
	device, err := r.store.DeviceByUUID(ctx, id)
	if err != nil || device == nil {
		return failure(engineerr.DeviceNotFound, fmt.Sprintf("device %q not found", msg.DeviceUUID))
	}

	stateName, _ := msg.Payload["stateName"].(string)
	value := stringifyValue(msg.Payload["value"])
	if stateName == "" || value == "" {
		return failure(engineerr.ValidationError, "stateName and value fields required")
	}

	state, err := r.store.DeviceStateByName(ctx, device.ID, stateName)
	if err != nil || state == nil {
		return failure(engineerr.ValidationError, fmt.Sprintf("device %q has no state %q", msg.DeviceUUID, stateName))
	}

	now := r.clock.Now()
	inst := &models.DeviceStateInstance{
		ID:            now.UnixNano(),
		DeviceStateID: state.ID,
		Value:         value,
		FromTimestamp: now,
		InitiatedBy:   "device",
		InitiatorID:   msg.DeviceUUID,
	}
	if err := r.store.CreateStateInstance(ctx, inst); err != nil {
		return failure(engineerr.RoutingError, "state instance write failed")
	}

	ev := ruleengine.Event{
		Kind:       ruleengine.EventDeviceStateChange,
		OrgID:      strconv.FormatInt(device.OrganizationID, 10),
		DeviceUUID: msg.DeviceUUID,
		Value:      value,
		Timestamp:  now,
		Deadline:   now.Add(r.eventDeadline),
		ShardKey:   msg.DeviceUUID,
	}
	if err := r.engine.Submit(ctx, ev); err != nil {
		r.log.Warnw("device state change event submit failed", "deviceUuid", msg.DeviceUUID, "error", err)
	}

	if r.notif != nil {
		echo := notifications.Notification{
			OrganizationID: strconv.FormatInt(device.OrganizationID, 10),
			Topic:          fmt.Sprintf("devices/%s/state", msg.DeviceUUID),
			Payload:        map[string]interface{}{"stateName": stateName, "value": value, "fromTimestamp": now},
			Priority:       notifications.PriorityNormal,
			CreatedAt:      now,
		}
		if err := r.notif.Enqueue(ctx, echo); err != nil {
			r.log.Warnw("state echo publish failed", "deviceUuid", msg.DeviceUUID, "error", err)
		}
	}

	return success("device state recorded", map[string]interface{}{"stateName": stateName, "value": value})
}

// handleCommands acknowledges a hardware-bound command. Dispatch to the
// actual hardware happens outside this core; the command is queued for
// the device service and logged.
func (r *Router) handleCommands(msg protocol.Message) Result {
	name, _ := msg.Payload["command"].(string)
	r.log.Infow("device command received", "deviceUuid", msg.DeviceUUID, "command", name)
	if r.devs != nil && name != "" {
		params, _ := msg.Payload["params"].(map[string]interface{})
		if err := r.devs.EnqueueCommand(msg.DeviceUUID, name, params); err != nil {
			r.log.Warnw("command queue full, command dropped", "deviceUuid", msg.DeviceUUID, "command", name, "error", err)
		}
	}
	return success("command acknowledged", nil)
}

func (r *Router) handleBroadcast(ctx context.Context, msg protocol.Message) Result {
	if _, err := strconv.ParseInt(msg.OrgID, 10, 64); err != nil {
		return failure(engineerr.InvalidOrgID, fmt.Sprintf("invalid organization id %q", msg.OrgID))
	}
	if r.notif == nil {
		return failure(engineerr.RoutingError, "no broadcast transport configured")
	}
	n := notifications.Notification{
		OrganizationID: msg.OrgID,
		Topic:          fmt.Sprintf("organizations/%s/broadcast", msg.OrgID),
		Payload:        msg.Payload,
		Priority:       notifications.PriorityNormal,
		CreatedAt:      r.clock.Now(),
	}
	if err := r.notif.Enqueue(ctx, n); err != nil {
		return failure(engineerr.RoutingError, "broadcast publish failed")
	}
	return success("broadcast queued", nil)
}

// handleRuleChain turns an inbound rulechain publish into a manual
// trigger event for that chain.
func (r *Router) handleRuleChain(ctx context.Context, msg protocol.Message) Result {
	chainID, err := strconv.ParseInt(msg.RuleChainID, 10, 64)
	if err != nil {
		return failure(engineerr.ValidationError, fmt.Sprintf("invalid rule chain id %q", msg.RuleChainID))
	}
	if _, err := strconv.ParseInt(msg.OrgID, 10, 64); err != nil {
		return failure(engineerr.InvalidOrgID, fmt.Sprintf("invalid organization id %q", msg.OrgID))
	}

	now := r.clock.Now()
	ev := ruleengine.Event{
		Kind:        ruleengine.EventManualTrigger,
		OrgID:       msg.OrgID,
		RuleChainID: chainID,
		Timestamp:   now,
		Deadline:    now.Add(r.eventDeadline),
		ShardKey:    "chain:" + msg.RuleChainID,
	}
	if err := r.engine.Submit(ctx, ev); err != nil {
		var ee *engineerr.EngineError
		if asEngineError(err, &ee) && ee.Code == engineerr.BackpressureRejected {
			return failure(engineerr.BackpressureRejected, "engine queue admission refused")
		}
		return failure(engineerr.RoutingError, "manual trigger submit failed")
	}
	return success("rule chain trigger queued", map[string]interface{}{"ruleChainId": chainID})
}

// parseDataStreamItems accepts either a single {value, telemetryDataId}
// envelope or the {dataStreams: [...]} batch variant.
func parseDataStreamItems(payload map[string]interface{}) ([]dataStreamItem, error) {
	if batch, ok := payload["dataStreams"].([]interface{}); ok {
		items := make([]dataStreamItem, 0, len(batch))
		for i, raw := range batch {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("dataStreams[%d] is not an object", i)
			}
			item, err := parseOneItem(obj)
			if err != nil {
				return nil, fmt.Errorf("dataStreams[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return items, nil
	}

	if _, ok := payload["telemetryDataId"]; !ok {
		return nil, fmt.Errorf("payload missing telemetryDataId")
	}
	item, err := parseOneItem(payload)
	if err != nil {
		return nil, err
	}
	return []dataStreamItem{item}, nil
}

func parseOneItem(obj map[string]interface{}) (dataStreamItem, error) {
	id, ok := toInt64(obj["telemetryDataId"])
	if !ok {
		return dataStreamItem{}, fmt.Errorf("telemetryDataId must be an integer")
	}
	if _, ok := obj["value"]; !ok {
		return dataStreamItem{}, fmt.Errorf("value is required")
	}
	item := dataStreamItem{Value: obj["value"], TelemetryDataID: id}
	if urgent, ok := obj["urgent"].(bool); ok {
		item.Urgent = urgent
	}
	if th, ok := obj["thresholds"].(map[string]interface{}); ok {
		t := &expr.Thresholds{}
		if min, ok := toFloat64(th["min"]); ok {
			t.Min = &min
		}
		if max, ok := toFloat64(th["max"]); ok {
			t.Max = &max
		}
		item.Thresholds = t
	}
	return item, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringifyValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func asEngineError(err error, target **engineerr.EngineError) bool {
	return errors.As(err, target)
}
