package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/samirobaid01/aemos-core/internal/models"
)

// Repositories aggregates every entity-scoped repository the rule
// engine, schedule manager, and command surface depend on.
type Repositories struct {
	db *PostgresDB

	Organizations  *OrganizationRepository
	Sensors        *SensorRepository
	TelemetryData  *TelemetryDataRepository
	DataStreams    *DataStreamRepository
	Devices        *DeviceRepository
	DeviceStates   *DeviceStateRepository
	StateInstances *DeviceStateInstanceRepository
	Tokens         *DeviceTokenRepository
	RuleChains     *RuleChainRepository
	RuleChainNodes *RuleChainNodeRepository
	Audit          *AuditRepository
}

// NewRepositories wires every repository to the shared connection pool.
func NewRepositories(db *PostgresDB) *Repositories {
	return &Repositories{
		db:             db,
		Organizations:  &OrganizationRepository{db: db},
		Sensors:        &SensorRepository{db: db},
		TelemetryData:  &TelemetryDataRepository{db: db},
		DataStreams:    &DataStreamRepository{db: db},
		Devices:        &DeviceRepository{db: db},
		DeviceStates:   &DeviceStateRepository{db: db},
		StateInstances: &DeviceStateInstanceRepository{db: db},
		Tokens:         &DeviceTokenRepository{db: db},
		RuleChains:     &RuleChainRepository{db: db},
		RuleChainNodes: &RuleChainNodeRepository{db: db},
		Audit:          &AuditRepository{db: db},
	}
}

// Ping verifies the underlying connection pool is reachable.
func (r *Repositories) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// ErrNotFound formats a uniform not-found error for any entity.
func ErrNotFound(entity string, id interface{}) error {
	return fmt.Errorf("%s not found: %v", entity, id)
}

// =============================================================================
// Organization
// =============================================================================

type OrganizationRepository struct {
	db *PostgresDB
}

func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	query := `INSERT INTO organizations (id, uuid, name, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.pool.Exec(ctx, query, org.ID, org.UUID, org.Name, org.CreatedAt)
	return err
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	query := `SELECT id, uuid, name, created_at FROM organizations WHERE id = $1`
	var org models.Organization
	err := r.db.pool.QueryRow(ctx, query, id).Scan(&org.ID, &org.UUID, &org.Name, &org.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

// =============================================================================
// Sensor
// =============================================================================

type SensorRepository struct {
	db *PostgresDB
}

func (r *SensorRepository) Create(ctx context.Context, sensor *models.Sensor) error {
	query := `
		INSERT INTO sensors (id, uuid, name, status, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.pool.Exec(ctx, query,
		sensor.ID, sensor.UUID, sensor.Name, sensor.Status, sensor.OrganizationID,
		sensor.CreatedAt, sensor.UpdatedAt)
	return err
}

func (r *SensorRepository) GetByID(ctx context.Context, id int64) (*models.Sensor, error) {
	query := `SELECT id, uuid, name, status, organization_id, created_at, updated_at FROM sensors WHERE id = $1`
	var s models.Sensor
	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UUID, &s.Name, &s.Status, &s.OrganizationID, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &s, err
}

func (r *SensorRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*models.Sensor, error) {
	query := `SELECT id, uuid, name, status, organization_id, created_at, updated_at FROM sensors WHERE uuid = $1`
	var s models.Sensor
	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UUID, &s.Name, &s.Status, &s.OrganizationID, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &s, err
}

func (r *SensorRepository) UpdateStatus(ctx context.Context, id int64, status models.SensorStatus) error {
	query := `UPDATE sensors SET status = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.pool.Exec(ctx, query, id, status, time.Now())
	return err
}

// =============================================================================
// TelemetryData
// =============================================================================

type TelemetryDataRepository struct {
	db *PostgresDB
}

func (r *TelemetryDataRepository) Create(ctx context.Context, td *models.TelemetryData) error {
	query := `INSERT INTO telemetry_data (id, sensor_id, variable_name, datatype) VALUES ($1, $2, $3, $4)`
	_, err := r.db.pool.Exec(ctx, query, td.ID, td.SensorID, td.VariableName, td.Datatype)
	return err
}

func (r *TelemetryDataRepository) GetByID(ctx context.Context, id int64) (*models.TelemetryData, error) {
	query := `SELECT id, sensor_id, variable_name, datatype FROM telemetry_data WHERE id = $1`
	var td models.TelemetryData
	err := r.db.pool.QueryRow(ctx, query, id).Scan(&td.ID, &td.SensorID, &td.VariableName, &td.Datatype)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &td, err
}

// GetBySensorAndVariable finds the channel declaration for a
// (sensorId, variableName) pair, the join key data collection uses to
// resolve a filter leaf's key to a TelemetryData row.
func (r *TelemetryDataRepository) GetBySensorAndVariable(ctx context.Context, sensorID int64, variableName string) (*models.TelemetryData, error) {
	query := `SELECT id, sensor_id, variable_name, datatype FROM telemetry_data WHERE sensor_id = $1 AND variable_name = $2`
	var td models.TelemetryData
	err := r.db.pool.QueryRow(ctx, query, sensorID, variableName).Scan(&td.ID, &td.SensorID, &td.VariableName, &td.Datatype)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &td, err
}

// =============================================================================
// DataStream
// =============================================================================

type DataStreamRepository struct {
	db *PostgresDB
}

func (r *DataStreamRepository) Create(ctx context.Context, ds *models.DataStream) error {
	query := `
		INSERT INTO data_streams (id, telemetry_data_id, value, received_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.pool.Exec(ctx, query, ds.ID, ds.TelemetryDataID, ds.Value, ds.ReceivedAt)
	return err
}

// Latest returns the most recently received value for a telemetry
// channel, the sensor-side read path of data collection.
func (r *DataStreamRepository) Latest(ctx context.Context, telemetryDataID int64) (*models.DataStream, error) {
	query := `
		SELECT id, telemetry_data_id, value, received_at
		FROM data_streams WHERE telemetry_data_id = $1
		ORDER BY received_at DESC LIMIT 1
	`
	var ds models.DataStream
	err := r.db.pool.QueryRow(ctx, query, telemetryDataID).Scan(&ds.ID, &ds.TelemetryDataID, &ds.Value, &ds.ReceivedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &ds, err
}

// =============================================================================
// Device
// =============================================================================

type DeviceRepository struct {
	db *PostgresDB
}

func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO devices (id, uuid, name, status, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.pool.Exec(ctx, query,
		device.ID, device.UUID, device.Name, device.Status, device.OrganizationID,
		device.CreatedAt, device.UpdatedAt)
	return err
}

func (r *DeviceRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT id, uuid, name, status, organization_id, created_at, updated_at FROM devices WHERE uuid = $1`
	var d models.Device
	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.UUID, &d.Name, &d.Status, &d.OrganizationID, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (r *DeviceRepository) UpdateStatus(ctx context.Context, id int64, status models.DeviceStatus) error {
	query := `UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.pool.Exec(ctx, query, id, status, time.Now())
	return err
}

// =============================================================================
// DeviceState
// =============================================================================

type DeviceStateRepository struct {
	db *PostgresDB
}

func (r *DeviceStateRepository) Create(ctx context.Context, ds *models.DeviceState) error {
	query := `INSERT INTO device_states (id, device_id, state_name) VALUES ($1, $2, $3)`
	_, err := r.db.pool.Exec(ctx, query, ds.ID, ds.DeviceID, ds.StateName)
	return err
}

// GetByDeviceAndName finds the state declaration for a (deviceId,
// stateName) pair, the join key for both action-effect writes and the
// device-side read path of data collection.
func (r *DeviceStateRepository) GetByDeviceAndName(ctx context.Context, deviceID int64, stateName string) (*models.DeviceState, error) {
	query := `SELECT id, device_id, state_name FROM device_states WHERE device_id = $1 AND state_name = $2`
	var ds models.DeviceState
	err := r.db.pool.QueryRow(ctx, query, deviceID, stateName).Scan(&ds.ID, &ds.DeviceID, &ds.StateName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &ds, err
}

// =============================================================================
// DeviceStateInstance
// =============================================================================

type DeviceStateInstanceRepository struct {
	db *PostgresDB
}

// Latest returns the current open interval (ToTimestamp IS NULL), or
// nil if the state has never been set.
func (r *DeviceStateInstanceRepository) Latest(ctx context.Context, deviceStateID int64) (*models.DeviceStateInstance, error) {
	query := `
		SELECT id, device_state_id, value, from_timestamp, to_timestamp, initiated_by, initiator_id, metadata
		FROM device_state_instances
		WHERE device_state_id = $1
		ORDER BY from_timestamp DESC LIMIT 1
	`
	var inst models.DeviceStateInstance
	err := r.db.pool.QueryRow(ctx, query, deviceStateID).Scan(
		&inst.ID, &inst.DeviceStateID, &inst.Value, &inst.FromTimestamp, &inst.ToTimestamp,
		&inst.InitiatedBy, &inst.InitiatorID, &inst.Metadata)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &inst, err
}

// CreateInstance closes the previous open interval (if any) and
// inserts a new open-ended one, inside a single transaction. This is
// the only writer of DeviceStateInstance and is what keeps the "at
// most one open interval per DeviceState" invariant intact.
func (r *DeviceStateInstanceRepository) CreateInstance(ctx context.Context, next *models.DeviceStateInstance) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin state instance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE device_state_instances SET to_timestamp = $2
		WHERE device_state_id = $1 AND to_timestamp IS NULL
	`, next.DeviceStateID, next.FromTimestamp)
	if err != nil {
		return fmt.Errorf("close prior state instance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO device_state_instances
			(id, device_state_id, value, from_timestamp, to_timestamp, initiated_by, initiator_id, metadata)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)
	`, next.ID, next.DeviceStateID, next.Value, next.FromTimestamp, next.InitiatedBy, next.InitiatorID, next.Metadata)
	if err != nil {
		return fmt.Errorf("insert state instance: %w", err)
	}

	return tx.Commit(ctx)
}

// =============================================================================
// DeviceToken
// =============================================================================

type DeviceTokenRepository struct {
	db *PostgresDB
}

func (r *DeviceTokenRepository) Create(ctx context.Context, token *models.DeviceToken) error {
	query := `
		INSERT INTO device_tokens (id, token, sensor_id, expires_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.pool.Exec(ctx, query,
		token.ID, token.Token, token.SensorID, token.ExpiresAt, token.Status, token.CreatedAt)
	return err
}

// GetActiveByToken returns an active, unexpired token joined to its
// Sensor, the repository-miss path of device authentication.
func (r *DeviceTokenRepository) GetActiveByToken(ctx context.Context, token string) (*models.DeviceToken, *models.Sensor, error) {
	query := `
		SELECT t.id, t.token, t.sensor_id, t.expires_at, t.last_used, t.status, t.created_at,
		       s.id, s.uuid, s.name, s.status, s.organization_id, s.created_at, s.updated_at
		FROM device_tokens t
		JOIN sensors s ON s.id = t.sensor_id
		WHERE t.token = $1 AND t.status = 'active' AND (t.expires_at IS NULL OR t.expires_at > now())
	`
	var tok models.DeviceToken
	var s models.Sensor
	err := r.db.pool.QueryRow(ctx, query, token).Scan(
		&tok.ID, &tok.Token, &tok.SensorID, &tok.ExpiresAt, &tok.LastUsed, &tok.Status, &tok.CreatedAt,
		&s.ID, &s.UUID, &s.Name, &s.Status, &s.OrganizationID, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &tok, &s, nil
}

func (r *DeviceTokenRepository) UpdateLastUsed(ctx context.Context, id int64) error {
	query := `UPDATE device_tokens SET last_used = $2 WHERE id = $1`
	_, err := r.db.pool.Exec(ctx, query, id, time.Now())
	return err
}

func (r *DeviceTokenRepository) Revoke(ctx context.Context, id int64) error {
	query := `UPDATE device_tokens SET status = 'revoked' WHERE id = $1`
	_, err := r.db.pool.Exec(ctx, query, id)
	return err
}

func (r *DeviceTokenRepository) ListBySensor(ctx context.Context, sensorID int64) ([]*models.DeviceToken, error) {
	query := `
		SELECT id, token, sensor_id, expires_at, last_used, status, created_at
		FROM device_tokens WHERE sensor_id = $1 ORDER BY created_at DESC
	`
	rows, err := r.db.pool.Query(ctx, query, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.DeviceToken
	for rows.Next() {
		var t models.DeviceToken
		if err := rows.Scan(&t.ID, &t.Token, &t.SensorID, &t.ExpiresAt, &t.LastUsed, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// =============================================================================
// RuleChain
// =============================================================================

type RuleChainRepository struct {
	db *PostgresDB
}

func (r *RuleChainRepository) Create(ctx context.Context, rc *models.RuleChain) error {
	query := `
		INSERT INTO rule_chains
			(id, name, organization_id, schedule_enabled, cron_expression, timezone, priority,
			 max_retries, retry_delay_ms, schedule_metadata, execution_type, execution_count,
			 failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, $12, $13)
	`
	_, err := r.db.pool.Exec(ctx, query,
		rc.ID, rc.Name, rc.OrganizationID, rc.ScheduleEnabled, nullString(rc.CronExpression), rc.Timezone,
		rc.Priority, rc.MaxRetries, rc.RetryDelayMs, rc.ScheduleMetadata, rc.ExecutionType,
		rc.CreatedAt, rc.UpdatedAt)
	return err
}

func (r *RuleChainRepository) GetByID(ctx context.Context, id int64) (*models.RuleChain, error) {
	query := `
		SELECT id, name, organization_id, schedule_enabled, cron_expression, timezone, priority,
		       max_retries, retry_delay_ms, schedule_metadata, execution_type, last_executed_at,
		       last_error_at, execution_count, failure_count, created_at, updated_at
		FROM rule_chains WHERE id = $1
	`
	return scanRuleChain(r.db.pool.QueryRow(ctx, query, id))
}

// ListAll returns every rule chain, for an initial index build.
func (r *RuleChainRepository) ListAll(ctx context.Context) ([]*models.RuleChain, error) {
	query := `
		SELECT id, name, organization_id, schedule_enabled, cron_expression, timezone, priority,
		       max_retries, retry_delay_ms, schedule_metadata, execution_type, last_executed_at,
		       last_error_at, execution_count, failure_count, created_at, updated_at
		FROM rule_chains ORDER BY id
	`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuleChains(rows)
}

// ListScheduleEnabled returns every chain with ScheduleEnabled = true —
// the source list the schedule manager's auto-sync diffs against its
// in-memory schedule set.
func (r *RuleChainRepository) ListScheduleEnabled(ctx context.Context) ([]*models.RuleChain, error) {
	query := `
		SELECT id, name, organization_id, schedule_enabled, cron_expression, timezone, priority,
		       max_retries, retry_delay_ms, schedule_metadata, execution_type, last_executed_at,
		       last_error_at, execution_count, failure_count, created_at, updated_at
		FROM rule_chains WHERE schedule_enabled = true ORDER BY id
	`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuleChains(rows)
}

func scanRuleChains(rows pgx.Rows) ([]*models.RuleChain, error) {
	var out []*models.RuleChain
	for rows.Next() {
		rc, err := scanRuleChainRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRuleChain(row rowScanner) (*models.RuleChain, error) {
	rc, err := scanRuleChainRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rc, err
}

func scanRuleChainRow(row rowScanner) (*models.RuleChain, error) {
	var rc models.RuleChain
	var cron *string
	err := row.Scan(
		&rc.ID, &rc.Name, &rc.OrganizationID, &rc.ScheduleEnabled, &cron, &rc.Timezone, &rc.Priority,
		&rc.MaxRetries, &rc.RetryDelayMs, &rc.ScheduleMetadata, &rc.ExecutionType, &rc.LastExecutedAt,
		&rc.LastErrorAt, &rc.ExecutionCount, &rc.FailureCount, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cron != nil {
		rc.CronExpression = *cron
	}
	return &rc, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Update persists the CRUD-mutable fields of a rule chain (everything
// but the execution statistics, which RecordExecution owns).
func (r *RuleChainRepository) Update(ctx context.Context, rc *models.RuleChain) error {
	query := `
		UPDATE rule_chains SET
			name = $2, schedule_enabled = $3, cron_expression = $4, timezone = $5, priority = $6,
			max_retries = $7, retry_delay_ms = $8, schedule_metadata = $9, execution_type = $10,
			updated_at = $11
		WHERE id = $1
	`
	_, err := r.db.pool.Exec(ctx, query,
		rc.ID, rc.Name, rc.ScheduleEnabled, nullString(rc.CronExpression), rc.Timezone, rc.Priority,
		rc.MaxRetries, rc.RetryDelayMs, rc.ScheduleMetadata, rc.ExecutionType, time.Now())
	return err
}

func (r *RuleChainRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM rule_chains WHERE id = $1`, id)
	return err
}

// RecordExecution atomically updates the post-execution statistics:
// executionCount always increments, failureCount and lastErrorAt only
// on failure, lastExecutedAt always.
func (r *RuleChainRepository) RecordExecution(ctx context.Context, id int64, success bool, at time.Time) error {
	if success {
		_, err := r.db.pool.Exec(ctx, `
			UPDATE rule_chains SET execution_count = execution_count + 1, last_executed_at = $2 WHERE id = $1
		`, id, at)
		return err
	}
	_, err := r.db.pool.Exec(ctx, `
		UPDATE rule_chains SET execution_count = execution_count + 1, failure_count = failure_count + 1,
			last_executed_at = $2, last_error_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

// =============================================================================
// RuleChainNode
// =============================================================================

type RuleChainNodeRepository struct {
	db *PostgresDB
}

func (r *RuleChainNodeRepository) Create(ctx context.Context, n *models.RuleChainNode) error {
	query := `
		INSERT INTO rule_chain_nodes (id, rule_chain_id, name, type, config, next_node_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.pool.Exec(ctx, query, n.ID, n.RuleChainID, n.Name, n.Type, n.Config, n.NextNodeID)
	return err
}

// ListByChain returns every node belonging to a chain, in the default
// order the interpreter falls back to when nextNodeId does not fully
// dictate traversal: filter < transform < action, then by name.
func (r *RuleChainNodeRepository) ListByChain(ctx context.Context, ruleChainID int64) ([]*models.RuleChainNode, error) {
	query := `
		SELECT id, rule_chain_id, name, type, config, next_node_id
		FROM rule_chain_nodes WHERE rule_chain_id = $1
		ORDER BY
			CASE type WHEN 'filter' THEN 0 WHEN 'transform' THEN 1 WHEN 'action' THEN 2 ELSE 3 END,
			name
	`
	rows, err := r.db.pool.Query(ctx, query, ruleChainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.RuleChainNode
	for rows.Next() {
		var n models.RuleChainNode
		if err := rows.Scan(&n.ID, &n.RuleChainID, &n.Name, &n.Type, &n.Config, &n.NextNodeID); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (r *RuleChainNodeRepository) DeleteByChain(ctx context.Context, ruleChainID int64) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM rule_chain_nodes WHERE rule_chain_id = $1`, ruleChainID)
	return err
}

// =============================================================================
// AuditLog
// =============================================================================

type AuditRepository struct {
	db *PostgresDB
}

func (r *AuditRepository) Create(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, organization_id, action, resource_type, resource_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.pool.Exec(ctx, query,
		log.ID, log.OrganizationID, log.Action, log.ResourceType, log.ResourceID,
		log.OldValue, log.NewValue, log.CreatedAt)
	return err
}
