package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"eve.evalgo.org/engine"
	"eve.evalgo.org/engineerr"
)

// PostgresStore implements Store on top of PostgresDB (pgx/pgxpool),
// following the teacher's direct-SQL idiom in semantic/runtime/event_store.go
// rather than its GORM stack, since the hot path (lease CAS, per-node
// upserts) is latency sensitive and does not benefit from an ORM.
type PostgresStore struct {
	db   *PostgresDB
	blob *BlobStore // optional; nil disables output spilling
}

// SetBlobStore wires an S3-backed BlobStore in for oversized node output
// spilling (§4.1). Optional — without it, outputs are always stored
// inline regardless of size.
func (s *PostgresStore) SetBlobStore(blob *BlobStore) {
	s.blob = blob
}

// NewPostgresStore wraps an already-connected PostgresDB and ensures the
// hot-path schema exists.
func NewPostgresStore(ctx context.Context, pg *PostgresDB) (*PostgresStore, error) {
	s := &PostgresStore{db: pg}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS workflow_instances (
		id                 VARCHAR(255) PRIMARY KEY,
		definition_name    VARCHAR(255) NOT NULL,
		definition_version VARCHAR(64)  NOT NULL,
		status             VARCHAR(32)  NOT NULL,
		input_data         JSONB NOT NULL DEFAULT '{}',
		context_data       JSONB NOT NULL DEFAULT '{}',
		current_node_id    VARCHAR(255) NOT NULL DEFAULT '',
		retry_count        INTEGER NOT NULL DEFAULT 0,
		max_retries        INTEGER NOT NULL DEFAULT 0,
		lease_owner        VARCHAR(255) NOT NULL DEFAULT '',
		lease_expires_at   TIMESTAMP WITH TIME ZONE,
		last_heartbeat_at  TIMESTAMP WITH TIME ZONE,
		priority           INTEGER NOT NULL DEFAULT 0,
		external_id        VARCHAR(255) NOT NULL DEFAULT '',
		pause_reason       VARCHAR(32)  NOT NULL DEFAULT '',
		failed_node_id     VARCHAR(255) NOT NULL DEFAULT '',
		failed_attempt     INTEGER NOT NULL DEFAULT 0,
		error_kind         VARCHAR(64)  NOT NULL DEFAULT '',
		error_message      TEXT NOT NULL DEFAULT '',
		recoverable_hint   BOOLEAN NOT NULL DEFAULT false,
		created_at         TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at         TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status);
	CREATE INDEX IF NOT EXISTS idx_workflow_instances_lease_expires_at ON workflow_instances(lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_instances_external_id ON workflow_instances(external_id);

	CREATE TABLE IF NOT EXISTS node_instances (
		id                    VARCHAR(255) PRIMARY KEY,
		workflow_instance_id  VARCHAR(255) NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
		node_id               VARCHAR(255) NOT NULL,
		iteration_key         VARCHAR(255) NOT NULL DEFAULT '',
		status                VARCHAR(32)  NOT NULL,
		attempt               INTEGER NOT NULL DEFAULT 0,
		started_at            TIMESTAMP WITH TIME ZONE,
		finished_at           TIMESTAMP WITH TIME ZONE,
		input_snapshot        JSONB NOT NULL DEFAULT '{}',
		output                JSONB,
		error_kind            VARCHAR(64) NOT NULL DEFAULT '',
		error_message         TEXT NOT NULL DEFAULT '',
		error_retryable       BOOLEAN NOT NULL DEFAULT false,
		UNIQUE(workflow_instance_id, node_id, iteration_key, attempt)
	);
	CREATE INDEX IF NOT EXISTS idx_node_instances_workflow_instance_id ON node_instances(workflow_instance_id);

	CREATE TABLE IF NOT EXISTS engine_events (
		id                   BIGSERIAL PRIMARY KEY,
		event_id             VARCHAR(255) NOT NULL UNIQUE,
		workflow_instance_id VARCHAR(255) NOT NULL,
		node_id              VARCHAR(255) NOT NULL DEFAULT '',
		kind                 VARCHAR(64) NOT NULL,
		payload              JSONB NOT NULL DEFAULT '{}',
		created_at           TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_engine_events_workflow_instance_id ON engine_events(workflow_instance_id);
	CREATE INDEX IF NOT EXISTS idx_engine_events_created_at ON engine_events(created_at);
	`
	if err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create hot-path tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *engine.Instance) error {
	inputJSON, err := json.Marshal(inst.InputData)
	if err != nil {
		return engineerr.Validation("failed to marshal input data: %v", err)
	}
	ctxJSON, err := json.Marshal(inst.ContextData)
	if err != nil {
		return engineerr.Validation("failed to marshal context data: %v", err)
	}

	err = s.db.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, definition_name, definition_version, status, input_data, context_data,
			current_node_id, retry_count, max_retries, lease_owner, priority, external_id,
			pause_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'',$10,$11,'',$12,$13)
	`, inst.ID, inst.Definition.Name, inst.Definition.Version, inst.Status, inputJSON, ctxJSON,
		inst.CurrentNodeID, inst.RetryCount, inst.MaxRetries, inst.Priority, inst.ExternalID,
		inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return engineerr.Storage(err, "failed to create workflow instance %q", inst.ID)
	}
	return nil
}

func (s *PostgresStore) LoadInstance(ctx context.Context, id string) (*engine.Instance, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, definition_name, definition_version, status, input_data, context_data,
		       current_node_id, retry_count, max_retries, lease_owner, last_heartbeat_at,
		       priority, external_id, pause_reason, failed_node_id, failed_attempt,
		       error_kind, error_message, recoverable_hint, created_at, updated_at
		FROM workflow_instances WHERE id = $1
	`, id)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engineerr.NotFound("workflow instance %q not found", id)
		}
		return nil, engineerr.Storage(err, "failed to load workflow instance %q", id)
	}
	return inst, nil
}

func scanInstance(row pgx.Row) (*engine.Instance, error) {
	var inst engine.Instance
	var inputJSON, ctxJSON []byte
	var lastHeartbeat *time.Time

	err := row.Scan(
		&inst.ID, &inst.Definition.Name, &inst.Definition.Version, &inst.Status, &inputJSON, &ctxJSON,
		&inst.CurrentNodeID, &inst.RetryCount, &inst.MaxRetries, &inst.LeaseOwner, &lastHeartbeat,
		&inst.Priority, &inst.ExternalID, &inst.PauseReason, &inst.FailedNodeID, &inst.FailedAttempt,
		&inst.ErrorKind, &inst.ErrorMessage, &inst.RecoverableHint, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.LastHeartbeatAt = lastHeartbeat
	if len(inputJSON) > 0 {
		_ = json.Unmarshal(inputJSON, &inst.InputData)
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &inst.ContextData)
	}
	return &inst, nil
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, inst *engine.Instance) error {
	inputJSON, _ := json.Marshal(inst.InputData)
	ctxJSON, _ := json.Marshal(inst.ContextData)

	err := s.db.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $2, input_data = $3, context_data = $4, current_node_id = $5,
			retry_count = $6, max_retries = $7, priority = $8, pause_reason = $9,
			failed_node_id = $10, failed_attempt = $11, error_kind = $12, error_message = $13,
			recoverable_hint = $14, updated_at = $15
		WHERE id = $1
	`, inst.ID, inst.Status, inputJSON, ctxJSON, inst.CurrentNodeID,
		inst.RetryCount, inst.MaxRetries, inst.Priority, inst.PauseReason,
		inst.FailedNodeID, inst.FailedAttempt, inst.ErrorKind, inst.ErrorMessage,
		inst.RecoverableHint, inst.UpdatedAt)
	if err != nil {
		return engineerr.Storage(err, "failed to update workflow instance %q", inst.ID)
	}
	return nil
}

func (s *PostgresStore) LoadNodeInstances(ctx context.Context, workflowInstanceID string) ([]*engine.NodeInstance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_instance_id, node_id, iteration_key, status, attempt,
		       started_at, finished_at, input_snapshot, output, error_kind, error_message, error_retryable
		FROM node_instances WHERE workflow_instance_id = $1 ORDER BY id
	`, workflowInstanceID)
	if err != nil {
		return nil, engineerr.Storage(err, "failed to query node instances for %q", workflowInstanceID)
	}
	defer rows.Close()

	var out []*engine.NodeInstance
	for rows.Next() {
		ni, err := scanNodeInstance(rows)
		if err != nil {
			return nil, engineerr.Storage(err, "failed to scan node instance row")
		}
		if err := s.resolveSpilledOutput(ctx, ni); err != nil {
			return nil, err
		}
		out = append(out, ni)
	}
	return out, rows.Err()
}

// resolveSpilledOutput replaces ni.Output with its fetched blob contents
// when UpsertNodeInstance spilled it to s.blob (§4.1, §4.8).
func (s *PostgresStore) resolveSpilledOutput(ctx context.Context, ni *engine.NodeInstance) error {
	if s.blob == nil {
		return nil
	}
	m, ok := ni.Output.(map[string]interface{})
	if !ok || m["spilled"] != true {
		return nil
	}
	bucket, _ := m["bucket"].(string)
	key, _ := m["key"].(string)
	ref := &BlobRef{Spilled: true, Bucket: bucket, Key: key}
	var resolved interface{}
	if err := s.blob.Get(ctx, ref, &resolved); err != nil {
		return err
	}
	ni.Output = resolved
	return nil
}

func scanNodeInstance(rows pgx.Rows) (*engine.NodeInstance, error) {
	var ni engine.NodeInstance
	var snapshotJSON, outputJSON []byte
	var errKind, errMessage string
	var errRetryable bool

	err := rows.Scan(
		&ni.ID, &ni.WorkflowInstanceID, &ni.NodeID, &ni.IterationKey, &ni.Status, &ni.Attempt,
		&ni.StartedAt, &ni.FinishedAt, &snapshotJSON, &outputJSON, &errKind, &errMessage, &errRetryable,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshotJSON) > 0 {
		_ = json.Unmarshal(snapshotJSON, &ni.InputSnapshot)
	}
	if len(outputJSON) > 0 {
		_ = json.Unmarshal(outputJSON, &ni.Output)
	}
	if errKind != "" {
		ni.Error = &engine.NodeError{Kind: errKind, Message: errMessage, Retryable: errRetryable}
	}
	return &ni, nil
}

func (s *PostgresStore) UpsertNodeInstance(ctx context.Context, ni *engine.NodeInstance) error {
	snapshotJSON, _ := json.Marshal(ni.InputSnapshot)

	output := ni.Output
	if ni.Output != nil {
		key := fmt.Sprintf("node-outputs/%s/%s-%d", ni.WorkflowInstanceID, ni.ID, ni.Attempt)
		spilled, err := SpillIfOversized(ctx, s.blob, key, ni.Output)
		if err != nil {
			return engineerr.Storage(err, "failed to spill output for node instance %q", ni.ID)
		}
		output = spilled
	}
	outputJSON, _ := json.Marshal(output)

	var errKind, errMessage string
	var errRetryable bool
	if ni.Error != nil {
		errKind, errMessage, errRetryable = ni.Error.Kind, ni.Error.Message, ni.Error.Retryable
	}

	err := s.db.Exec(ctx, `
		INSERT INTO node_instances (
			id, workflow_instance_id, node_id, iteration_key, status, attempt,
			started_at, finished_at, input_snapshot, output, error_kind, error_message, error_retryable
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at,
			output = EXCLUDED.output, error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message, error_retryable = EXCLUDED.error_retryable
	`, ni.ID, ni.WorkflowInstanceID, ni.NodeID, ni.IterationKey, ni.Status, ni.Attempt,
		ni.StartedAt, ni.FinishedAt, snapshotJSON, outputJSON, errKind, errMessage, errRetryable)
	if err != nil {
		return engineerr.Storage(err, "failed to upsert node instance %q", ni.ID)
	}
	return nil
}

// AcquireLease is a single conditional UPDATE: it only succeeds if the row
// is currently unleased or its lease_expires_at has passed, so two engine
// instances racing on the same row can never both believe they hold it
// (§4.4: "lease acquisition is a single atomic compare-and-swap").
func (s *PostgresStore) AcquireLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*engine.Lease, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	row := s.db.QueryRow(ctx, `
		UPDATE workflow_instances
		SET lease_owner = $2, lease_expires_at = $3, last_heartbeat_at = $4
		WHERE id = $1 AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING id
	`, instanceID, ownerID, expires, now)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engineerr.Conflict("instance %q is already leased by another owner", instanceID)
		}
		return nil, engineerr.Storage(err, "failed to acquire lease on %q", instanceID)
	}
	return &engine.Lease{InstanceID: instanceID, OwnerID: ownerID, AcquiredAt: now, LastHeartbeatAt: now, ExpiresAt: expires}, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*engine.Lease, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	row := s.db.QueryRow(ctx, `
		UPDATE workflow_instances
		SET lease_expires_at = $3, last_heartbeat_at = $4
		WHERE id = $1 AND lease_owner = $2
		RETURNING id
	`, instanceID, ownerID, expires, now)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engineerr.Conflict("instance %q is no longer owned by %q", instanceID, ownerID)
		}
		return nil, engineerr.Storage(err, "failed to renew lease on %q", instanceID)
	}
	return &engine.Lease{InstanceID: instanceID, OwnerID: ownerID, LastHeartbeatAt: now, ExpiresAt: expires}, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, instanceID, ownerID string) error {
	err := s.db.Exec(ctx, `
		UPDATE workflow_instances SET lease_owner = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, instanceID, ownerID)
	if err != nil {
		return engineerr.Storage(err, "failed to release lease on %q", instanceID)
	}
	return nil
}

func (s *PostgresStore) ListStaleInstances(ctx context.Context, olderThan time.Time, limit int) ([]*engine.Instance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, definition_name, definition_version, status, input_data, context_data,
		       current_node_id, retry_count, max_retries, lease_owner, last_heartbeat_at,
		       priority, external_id, pause_reason, failed_node_id, failed_attempt,
		       error_kind, error_message, recoverable_hint, created_at, updated_at
		FROM workflow_instances
		WHERE lease_owner != '' AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY last_heartbeat_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, engineerr.Storage(err, "failed to list stale instances")
	}
	defer rows.Close()

	var out []*engine.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, engineerr.Storage(err, "failed to scan stale instance row")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListInstances applies InstanceFilter's non-zero fields as a conjunction
// and returns the matching page plus the total count ignoring pagination,
// for the Submission API's List(filter) operation (§6).
func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*engine.Instance, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "WHERE TRUE"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where += " AND status = " + arg(filter.Status)
	}
	if filter.ExternalID != "" {
		where += " AND external_id = " + arg(filter.ExternalID)
	}
	if filter.DefinitionName != "" {
		where += " AND definition_name = " + arg(filter.DefinitionName)
	}

	var total int
	countRow := s.db.QueryRow(ctx, "SELECT count(*) FROM workflow_instances "+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, engineerr.Storage(err, "failed to count workflow instances")
	}

	limitArg := arg(limit)
	offsetArg := arg(filter.Offset)
	rows, err := s.db.Query(ctx, `
		SELECT id, definition_name, definition_version, status, input_data, context_data,
		       current_node_id, retry_count, max_retries, lease_owner, last_heartbeat_at,
		       priority, external_id, pause_reason, failed_node_id, failed_attempt,
		       error_kind, error_message, recoverable_hint, created_at, updated_at
		FROM workflow_instances `+where+`
		ORDER BY created_at DESC LIMIT `+limitArg+` OFFSET `+offsetArg,
		args...)
	if err != nil {
		return nil, 0, engineerr.Storage(err, "failed to list workflow instances")
	}
	defer rows.Close()

	var out []*engine.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, engineerr.Storage(err, "failed to scan workflow instance row")
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *engine.Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return engineerr.Validation("failed to marshal event payload: %v", err)
	}
	err = s.db.Exec(ctx, `
		INSERT INTO engine_events (event_id, workflow_instance_id, node_id, kind, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.ID, ev.InstanceID, ev.NodeID, ev.Kind, payloadJSON, ev.Ts)
	if err != nil {
		return engineerr.Storage(err, "failed to append event %q", ev.ID)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*engine.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, workflow_instance_id, node_id, kind, payload, created_at
		FROM engine_events WHERE workflow_instance_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, instanceID, limit, offset)
	if err != nil {
		return nil, engineerr.Storage(err, "failed to query events for %q", instanceID)
	}
	defer rows.Close()

	var out []*engine.Event
	for rows.Next() {
		var ev engine.Event
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.NodeID, &ev.Kind, &payloadJSON, &ev.Ts); err != nil {
			return nil, engineerr.Storage(err, "failed to scan event row")
		}
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &ev.Payload)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
