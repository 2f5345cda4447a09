package ruleengine

import "time"

// EventKind is the internally tagged union of everything that can
// trigger a rule-chain evaluation.
type EventKind string

const (
	EventTelemetry         EventKind = "telemetry"
	EventBatchTelemetry    EventKind = "batchTelemetry"
	EventDeviceStateChange EventKind = "deviceStateChange"
	EventRuleChainUpdated  EventKind = "ruleChainUpdated"
	EventRuleChainDeleted  EventKind = "ruleChainDeleted"
	EventManualTrigger     EventKind = "manualTrigger"
	EventScheduleTrigger   EventKind = "scheduleTrigger"
)

// Event is a single unit of work on the engine queue. ShardKey (the
// device/sensor UUID) determines which worker processes it, giving
// same-device FIFO ordering without a global lock.
type Event struct {
	Kind            EventKind
	OrgID           string
	SensorUUID      string
	DeviceUUID      string
	RuleChainID     int64
	TelemetryDataID int64
	Value           string
	Timestamp       time.Time
	Deadline        time.Time
	ShardKey        string
}

// eventTypeCompatible implements the executionType dispatch policy:
// telemetry/deviceStateChange/manualTrigger run event-triggered and
// hybrid chains; scheduleTrigger runs schedule-only and hybrid chains.
func eventTypeCompatible(kind EventKind, execType string) bool {
	switch kind {
	case EventScheduleTrigger:
		return execType == "schedule-only" || execType == "hybrid"
	case EventTelemetry, EventBatchTelemetry, EventDeviceStateChange, EventManualTrigger:
		return execType == "event-triggered" || execType == "hybrid"
	default:
		return false
	}
}
