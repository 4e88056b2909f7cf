package definition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/maintflow/model"
)

// PgStore is a PostgreSQL-backed definition Store using pgx/v5. The graph is
// stored as a JSONB document next to the columns used for filtering.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Save upserts a definition.
func (s *PgStore) Save(ctx context.Context, def *model.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			tenant_id, id, status, version, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		def.TenantID, def.ID, def.Status, def.Version, doc, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow definition: %w", err)
	}
	return nil
}

// LoadAll returns every stored definition.
func (s *PgStore) LoadAll(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM workflow_definitions ORDER BY tenant_id, id`)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.WorkflowDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		var def model.WorkflowDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}
