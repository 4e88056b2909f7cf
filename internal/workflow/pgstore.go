package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/maintflow/model"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the tables used by the PostgreSQL stores if they do
// not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const instanceColumns = `id, definition_id, tenant_id, current_state_id, status, data,
	created_by, assigned_to, version, created_at, updated_at`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Create inserts a new workflow instance and its creation entry in one
// transaction.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, entry model.AuditEntry) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			inst.ID, inst.DefinitionID, inst.TenantID, inst.CurrentStateID, inst.Status, dataJSON,
			inst.CreatedBy, inst.AssignedTo, inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q already exists", inst.ID),
			)
		}
		return insertAudit(ctx, tx, entry)
	})
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *PgWorkflowStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking and appends the
// audit entry in the same transaction.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, entry model.AuditEntry) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_state_id = $1,
				status = $2,
				data = $3,
				assigned_to = $4,
				version = $5,
				updated_at = $6
			WHERE id = $7 AND tenant_id = $8 AND version = $9`,
			inst.CurrentStateID, inst.Status, dataJSON, inst.AssignedTo,
			inst.Version, inst.UpdatedAt,
			inst.ID, inst.TenantID, inst.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version-1),
			)
		}
		return insertAudit(ctx, tx, entry)
	})
}

func insertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_audit (
			id, instance_id, action, transition_id, from_state_id, to_state_id,
			actor_id, remark, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.InstanceID, e.Action, e.TransitionID, e.FromStateID, e.ToStateID,
		e.ActorID, e.Remark, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// History retrieves the audit trail of an instance.
func (s *PgWorkflowStore) History(ctx context.Context, tenantID, instanceID string) ([]model.AuditEntry, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, action, transition_id, from_state_id, to_state_id,
		       actor_id, remark, created_at
		FROM workflow_audit
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.Action, &e.TransitionID, &e.FromStateID, &e.ToStateID,
			&e.ActorID, &e.Remark, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns a tenant's workflow instances.
func (s *PgWorkflowStore) List(ctx context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.AssignedTo != "" {
		query += fmt.Sprintf(" AND assigned_to = $%d", argIdx)
		args = append(args, filters.AssignedTo)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindOpen returns open instances across tenants.
func (s *PgWorkflowStore) FindOpen(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE status IN ('PENDING', 'IN_PROGRESS')
	          ORDER BY updated_at ASC`
	if limit > 0 {
		return s.queryInstances(ctx, query+" LIMIT $1", limit)
	}
	return s.queryInstances(ctx, query)
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// queryInstances executes a query and returns workflow instances.
func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var dataJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.TenantID, &inst.CurrentStateID, &inst.Status, &dataJSON,
		&inst.CreatedBy, &inst.AssignedTo, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return inst, nil
}
