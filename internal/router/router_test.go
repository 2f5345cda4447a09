package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/internal/middleware"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/notifications"
	"github.com/samirobaid01/aemos-core/internal/protocol"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

var (
	sensorUUID = uuid.New()
	deviceUUID = uuid.New()
)

type fakeAuth struct {
	sensor *middleware.AuthenticatedSensor
	calls  int
}

func (a *fakeAuth) Authenticate(ctx context.Context, deviceUUID, token string) (*middleware.AuthenticatedSensor, error) {
	a.calls++
	if a.sensor == nil {
		return nil, fmt.Errorf("no such token")
	}
	return a.sensor, nil
}

func (a *fakeAuth) IsFeedbackLoop(clientID string) bool {
	return len(clientID) >= 15 && clientID[:15] == "aemos-publisher"
}

func (a *fakeAuth) IsInternalPublisher(username, password string) bool {
	return username == "publisher" && password == "publisher-secret"
}

type fakeStore struct {
	telemetry map[int64]*models.TelemetryData
	sensors   map[int64]*models.Sensor
	devices   map[uuid.UUID]*models.Device
	states    map[string]*models.DeviceState

	streams       []*models.DataStream
	instances     []*models.DeviceStateInstance
	statusUpdates []models.DeviceStatus
}

func (s *fakeStore) TelemetryDataByID(ctx context.Context, id int64) (*models.TelemetryData, error) {
	return s.telemetry[id], nil
}

func (s *fakeStore) SensorByID(ctx context.Context, id int64) (*models.Sensor, error) {
	return s.sensors[id], nil
}

func (s *fakeStore) CreateDataStream(ctx context.Context, ds *models.DataStream) error {
	s.streams = append(s.streams, ds)
	return nil
}

func (s *fakeStore) DeviceByUUID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return s.devices[id], nil
}

func (s *fakeStore) UpdateDeviceStatus(ctx context.Context, id int64, status models.DeviceStatus) error {
	s.statusUpdates = append(s.statusUpdates, status)
	return nil
}

func (s *fakeStore) DeviceStateByName(ctx context.Context, deviceID int64, stateName string) (*models.DeviceState, error) {
	return s.states[stateName], nil
}

func (s *fakeStore) CreateStateInstance(ctx context.Context, inst *models.DeviceStateInstance) error {
	s.instances = append(s.instances, inst)
	return nil
}

type fakeEngine struct {
	events []ruleengine.Event
	err    error
}

func (e *fakeEngine) Submit(ctx context.Context, ev ruleengine.Event) error {
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

type fakeNotif struct {
	notes []notifications.Notification
}

func (n *fakeNotif) Enqueue(ctx context.Context, note notifications.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

type fixture struct {
	auth   *fakeAuth
	store  *fakeStore
	engine *fakeEngine
	notif  *fakeNotif
	router *Router
}

func newFixture(devMode bool) *fixture {
	auth := &fakeAuth{sensor: &middleware.AuthenticatedSensor{SensorID: 1, SensorUUID: sensorUUID.String(), Name: "s1"}}
	store := &fakeStore{
		telemetry: map[int64]*models.TelemetryData{
			5: {ID: 5, SensorID: 1, VariableName: "temp", Datatype: models.DatatypeNumber},
		},
		sensors: map[int64]*models.Sensor{
			1: {ID: 1, UUID: sensorUUID, Name: "s1", Status: models.SensorStatusActive, OrganizationID: 7},
		},
		devices: map[uuid.UUID]*models.Device{
			deviceUUID: {ID: 2, UUID: deviceUUID, Name: "d1", Status: models.DeviceStatusActive, OrganizationID: 7},
		},
		states: map[string]*models.DeviceState{
			"fan": {ID: 3, DeviceID: 2, StateName: "fan"},
		},
	}
	engine := &fakeEngine{}
	notif := &fakeNotif{}
	rt := New(auth, store, engine, notif, nil, logger.New(), nil, devMode, 5*time.Second)
	return &fixture{auth: auth, store: store, engine: engine, notif: notif, router: rt}
}

func dataStreamMsg(payload string) protocol.Message {
	msg := protocol.ParseSegments("devices/" + deviceUUID.String() + "/datastream")
	msg.Protocol = protocol.ProtocolMQTT
	msg.Payload = protocol.DecodePayload([]byte(payload))
	msg.Timestamp = time.Now()
	return msg
}

func TestRouteUnknownTopic(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("devices/x/bogus")

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.ValidationError, res.Code)
	assert.Empty(t, f.engine.events)
}

func TestRouteSuppressesOwnPublisher(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5,"token":"deadbeef"}`)
	msg.ClientID = "aemos-publisher-7"

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "success", res.Status)
	assert.Empty(t, f.store.streams, "no data stream row is written")
	assert.Empty(t, f.engine.events, "no telemetry event is emitted")
	assert.Zero(t, f.auth.calls, "authentication is skipped entirely")
}

func TestRouteDataStreamSingle(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5,"token":"deadbeef"}`)

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status, res.Message)
	require.Len(t, f.store.streams, 1)
	assert.Equal(t, "32", f.store.streams[0].Value)
	assert.Equal(t, int64(5), f.store.streams[0].TelemetryDataID)

	require.Len(t, f.engine.events, 1)
	ev := f.engine.events[0]
	assert.Equal(t, ruleengine.EventTelemetry, ev.Kind)
	assert.Equal(t, "7", ev.OrgID)
	assert.Equal(t, sensorUUID.String(), ev.SensorUUID)
	assert.Equal(t, "32", ev.Value)
	assert.False(t, ev.Deadline.IsZero())
}

func TestRouteDataStreamBatch(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"token":"deadbeef","dataStreams":[
		{"value":"32","telemetryDataId":5},
		{"value":"33","telemetryDataId":5}
	]}`)

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	assert.Len(t, f.store.streams, 2)
	assert.Len(t, f.engine.events, 2)
}

func TestRouteDataStreamRequiresToken(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5}`)

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.AuthenticationFailed, res.Code)
	assert.Empty(t, f.store.streams)
}

func TestRouteDataStreamDevModeAcceptsTokenless(t *testing.T) {
	f := newFixture(true)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5}`)

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "success", res.Status)
	assert.Len(t, f.store.streams, 1)
}

func TestRouteDataStreamRejectsBadToken(t *testing.T) {
	f := newFixture(false)
	f.auth.sensor = nil
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5,"token":"wrong"}`)

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.AuthenticationFailed, res.Code)
}

func TestRouteDataStreamForeignChannelSkipped(t *testing.T) {
	f := newFixture(false)
	f.store.sensors[9] = &models.Sensor{ID: 9, UUID: uuid.New(), OrganizationID: 7}
	f.store.telemetry[6] = &models.TelemetryData{ID: 6, SensorID: 9, VariableName: "hum", Datatype: models.DatatypeNumber}
	msg := dataStreamMsg(`{"value":"50","telemetryDataId":6,"token":"deadbeef"}`)

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "success", res.Status)
	assert.Empty(t, f.store.streams, "channels owned by another sensor are not writable")
}

func TestRouteDataStreamUrgentNotifies(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"99","telemetryDataId":5,"token":"deadbeef","urgent":true}`)

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.notif.notes, 1)
	assert.Equal(t, notifications.PriorityHigh, f.notif.notes[0].Priority)
}

func TestRouteDataStreamThresholdCrossing(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"45","telemetryDataId":5,"token":"deadbeef","thresholds":{"min":0,"max":40}}`)

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.notif.notes, 1)
	assert.Equal(t, notifications.PriorityHigh, f.notif.notes[0].Priority)
}

func TestRouteBackpressurePropagates(t *testing.T) {
	f := newFixture(false)
	f.engine.err = engineerr.New(engineerr.BackpressureRejected, "queue admission refused", nil)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5,"token":"deadbeef"}`)

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.BackpressureRejected, res.Code)
}

func TestRouteDeviceStatus(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("devices/" + deviceUUID.String() + "/status")
	msg.Payload = protocol.DecodePayload([]byte(`{"status":"inactive","token":"deadbeef"}`))

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.store.statusUpdates, 1)
	assert.Equal(t, models.DeviceStatusInactive, f.store.statusUpdates[0])
}

func TestRouteDeviceStatusUnknownDevice(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("devices/" + uuid.New().String() + "/status")
	msg.Payload = protocol.DecodePayload([]byte(`{"status":"inactive","token":"deadbeef"}`))

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.DeviceNotFound, res.Code)
}

func TestRouteDeviceState(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("devices/" + deviceUUID.String() + "/state")
	msg.Payload = protocol.DecodePayload([]byte(`{"stateName":"fan","value":"off","token":"deadbeef"}`))

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.store.instances, 1)
	inst := f.store.instances[0]
	assert.Equal(t, int64(3), inst.DeviceStateID)
	assert.Equal(t, "off", inst.Value)
	assert.Equal(t, "device", inst.InitiatedBy)

	require.Len(t, f.engine.events, 1)
	assert.Equal(t, ruleengine.EventDeviceStateChange, f.engine.events[0].Kind)

	require.Len(t, f.notif.notes, 1)
	assert.Equal(t, "devices/"+deviceUUID.String()+"/state", f.notif.notes[0].Topic)
}

func TestRouteBroadcast(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("organizations/7/broadcast")
	msg.Payload = protocol.DecodePayload([]byte(`{"announcement":"maintenance at noon"}`))

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.notif.notes, 1)
	assert.Equal(t, "organizations/7/broadcast", f.notif.notes[0].Topic)
}

func TestRouteBroadcastInvalidOrg(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("organizations/not-a-number/broadcast")
	msg.Payload = map[string]interface{}{}

	res := f.router.Route(context.Background(), msg)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, engineerr.InvalidOrgID, res.Code)
}

func TestRouteRuleChainManualTrigger(t *testing.T) {
	f := newFixture(false)
	msg := protocol.ParseSegments("organizations/7/rulechain/42")
	msg.Payload = map[string]interface{}{}

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	require.Len(t, f.engine.events, 1)
	ev := f.engine.events[0]
	assert.Equal(t, ruleengine.EventManualTrigger, ev.Kind)
	assert.Equal(t, int64(42), ev.RuleChainID)
	assert.Equal(t, "7", ev.OrgID)
}

func TestRouteInternalPublisherBypassesTokenLookup(t *testing.T) {
	f := newFixture(false)
	msg := dataStreamMsg(`{"value":"32","telemetryDataId":5,"username":"publisher","password":"publisher-secret"}`)

	res := f.router.Route(context.Background(), msg)

	require.Equal(t, "success", res.Status)
	assert.Len(t, f.store.streams, 1)
	assert.Zero(t, f.auth.calls, "token lookup is skipped for the reserved identity")
}

func TestParseDataStreamItems(t *testing.T) {
	t.Run("missing telemetryDataId", func(t *testing.T) {
		_, err := parseDataStreamItems(map[string]interface{}{"value": "32"})
		assert.Error(t, err)
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := parseDataStreamItems(protocol.DecodePayload([]byte(`{"telemetryDataId":5}`)))
		assert.Error(t, err)
	})

	t.Run("malformed batch entry", func(t *testing.T) {
		_, err := parseDataStreamItems(protocol.DecodePayload([]byte(`{"dataStreams":["oops"]}`)))
		assert.Error(t, err)
	})
}
