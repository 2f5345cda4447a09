// Package models holds the persistent domain types shared by the
// repository, rule engine, and command surface.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Organization
// =============================================================================

// Organization is the tenancy root: sensors, devices and rule chains all
// belong to exactly one.
type Organization struct {
	ID        int64     `json:"id" db:"id"`
	UUID      uuid.UUID `json:"uuid" db:"uuid"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// =============================================================================
// Sensor / TelemetryData / DataStream
// =============================================================================

type SensorStatus string

const (
	SensorStatusActive       SensorStatus = "active"
	SensorStatusInactive     SensorStatus = "inactive"
	SensorStatusPending      SensorStatus = "pending"
	SensorStatusCalibrating  SensorStatus = "calibrating"
	SensorStatusError        SensorStatus = "error"
	SensorStatusDisconnected SensorStatus = "disconnected"
	SensorStatusRetired      SensorStatus = "retired"
)

type Sensor struct {
	ID             int64        `json:"id" db:"id"`
	UUID           uuid.UUID    `json:"uuid" db:"uuid"`
	Name           string       `json:"name" db:"name"`
	Status         SensorStatus `json:"status" db:"status"`
	OrganizationID int64        `json:"organization_id" db:"organization_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

type TelemetryDatatype string

const (
	DatatypeNumber  TelemetryDatatype = "number"
	DatatypeBoolean TelemetryDatatype = "boolean"
	DatatypeString  TelemetryDatatype = "string"
)

// TelemetryData declares a named channel on a sensor, e.g. "temp".
type TelemetryData struct {
	ID           int64             `json:"id" db:"id"`
	SensorID     int64             `json:"sensor_id" db:"sensor_id"`
	VariableName string            `json:"variable_name" db:"variable_name"`
	Datatype     TelemetryDatatype `json:"datatype" db:"datatype"`
}

// DataStream is a single append-only reading.
type DataStream struct {
	ID              int64     `json:"id" db:"id"`
	TelemetryDataID int64     `json:"telemetry_data_id" db:"telemetry_data_id"`
	Value           string    `json:"value" db:"value"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// =============================================================================
// Device / DeviceState / DeviceStateInstance
// =============================================================================

type DeviceStatus string

const (
	DeviceStatusActive       DeviceStatus = "active"
	DeviceStatusInactive     DeviceStatus = "inactive"
	DeviceStatusDisconnected DeviceStatus = "disconnected"
	DeviceStatusError        DeviceStatus = "error"
)

type Device struct {
	ID             int64        `json:"id" db:"id"`
	UUID           uuid.UUID    `json:"uuid" db:"uuid"`
	Name           string       `json:"name" db:"name"`
	Status         DeviceStatus `json:"status" db:"status"`
	OrganizationID int64        `json:"organization_id" db:"organization_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// DeviceState is the declaration of a named state a device can be in,
// e.g. "fan", "door".
type DeviceState struct {
	ID        int64  `json:"id" db:"id"`
	DeviceID  int64  `json:"device_id" db:"device_id"`
	StateName string `json:"state_name" db:"state_name"`
}

// DeviceStateInstance is one interval record of a state's value.
// Invariant: at most one row per DeviceState has ToTimestamp == nil.
type DeviceStateInstance struct {
	ID            int64           `json:"id" db:"id"`
	DeviceStateID int64           `json:"device_state_id" db:"device_state_id"`
	Value         string          `json:"value" db:"value"`
	FromTimestamp time.Time       `json:"from_timestamp" db:"from_timestamp"`
	ToTimestamp   *time.Time      `json:"to_timestamp" db:"to_timestamp"`
	InitiatedBy   string          `json:"initiated_by" db:"initiated_by"`
	InitiatorID   string          `json:"initiator_id" db:"initiator_id"`
	Metadata      json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// =============================================================================
// DeviceToken
// =============================================================================

type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"
	TokenStatusRevoked TokenStatus = "revoked"
	TokenStatusExpired TokenStatus = "expired"
)

// DeviceToken authenticates a wire client to speak for a Sensor.
type DeviceToken struct {
	ID        int64       `json:"id" db:"id"`
	Token     string      `json:"token" db:"token"` // 64-hex
	SensorID  int64       `json:"sensor_id" db:"sensor_id"`
	ExpiresAt *time.Time  `json:"expires_at" db:"expires_at"`
	LastUsed  *time.Time  `json:"last_used" db:"last_used"`
	Status    TokenStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// =============================================================================
// RuleChain / RuleChainNode
// =============================================================================

type ExecutionType string

const (
	ExecutionTypeEventTriggered ExecutionType = "event-triggered"
	ExecutionTypeScheduleOnly   ExecutionType = "schedule-only"
	ExecutionTypeHybrid         ExecutionType = "hybrid"
)

type RuleChain struct {
	ID               int64           `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	OrganizationID   int64           `json:"organization_id" db:"organization_id"`
	ScheduleEnabled  bool            `json:"schedule_enabled" db:"schedule_enabled"`
	CronExpression   string          `json:"cron_expression,omitempty" db:"cron_expression"`
	Timezone         string          `json:"timezone" db:"timezone"`
	Priority         int             `json:"priority" db:"priority"`
	MaxRetries       int             `json:"max_retries" db:"max_retries"`
	RetryDelayMs     int             `json:"retry_delay_ms" db:"retry_delay_ms"`
	ScheduleMetadata json.RawMessage `json:"schedule_metadata,omitempty" db:"schedule_metadata"`
	ExecutionType    ExecutionType   `json:"execution_type" db:"execution_type"`
	LastExecutedAt   *time.Time      `json:"last_executed_at" db:"last_executed_at"`
	LastErrorAt      *time.Time      `json:"last_error_at" db:"last_error_at"`
	ExecutionCount   int64           `json:"execution_count" db:"execution_count"`
	FailureCount     int64           `json:"failure_count" db:"failure_count"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Clamp enforces the data-model bounds (priority 0..100, retries 0..10,
// retry delay 0..60000ms) and defaults (timezone "UTC", execution type
// "hybrid").
func (rc *RuleChain) Clamp() {
	if rc.Timezone == "" {
		rc.Timezone = "UTC"
	}
	if rc.ExecutionType == "" {
		rc.ExecutionType = ExecutionTypeHybrid
	}
	if rc.Priority < 0 {
		rc.Priority = 0
	}
	if rc.Priority > 100 {
		rc.Priority = 100
	}
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}
	if rc.MaxRetries > 10 {
		rc.MaxRetries = 10
	}
	if rc.RetryDelayMs < 0 {
		rc.RetryDelayMs = 0
	}
	if rc.RetryDelayMs > 60000 {
		rc.RetryDelayMs = 60000
	}
}

type NodeType string

const (
	NodeTypeFilter    NodeType = "filter"
	NodeTypeTransform NodeType = "transform"
	NodeTypeAction    NodeType = "action"
)

// RuleChainNode forms a singly-linked list within a chain (cycles
// forbidden); Config carries the serialized expression for the node's
// Type.
type RuleChainNode struct {
	ID          int64           `json:"id" db:"id"`
	RuleChainID int64           `json:"rule_chain_id" db:"rule_chain_id"`
	Name        string          `json:"name" db:"name"`
	Type        NodeType        `json:"type" db:"type"`
	Config      json.RawMessage `json:"config" db:"config"`
	NextNodeID  *int64          `json:"next_node_id,omitempty" db:"next_node_id"`
}

// =============================================================================
// Audit Logging
// =============================================================================

type AuditLog struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	OrganizationID int64           `json:"organization_id" db:"organization_id"`
	Action         string          `json:"action" db:"action"`
	ResourceType   string          `json:"resource_type" db:"resource_type"`
	ResourceID     string          `json:"resource_id" db:"resource_id"`
	OldValue       json.RawMessage `json:"old_value,omitempty" db:"old_value"`
	NewValue       json.RawMessage `json:"new_value,omitempty" db:"new_value"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
