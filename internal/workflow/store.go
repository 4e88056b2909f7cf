package workflow

import (
	"context"

	"github.com/pitabwire/maintflow/model"
)

// WorkflowStore persists workflow instances and their audit history. Each
// write stores the instance snapshot and its audit entry together.
type WorkflowStore interface {
	// Create persists a new workflow instance with its creation entry.
	// Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, instance model.WorkflowInstance, entry model.AuditEntry) error

	// Get retrieves a workflow instance by ID, scoped to a tenant.
	// Returns NOT_FOUND if the instance doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update replaces the stored snapshot with instance and appends entry,
	// provided the stored version is instance.Version-1. Returns CONFLICT if
	// another write got there first.
	Update(ctx context.Context, instance model.WorkflowInstance, entry model.AuditEntry) error

	// History retrieves the audit trail of an instance, oldest first,
	// scoped to a tenant.
	History(ctx context.Context, tenantID, instanceID string) ([]model.AuditEntry, error)

	// List returns a tenant's instances, newest first.
	List(ctx context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, error)

	// FindOpen returns PENDING and IN_PROGRESS instances across all tenants,
	// oldest state change first.
	FindOpen(ctx context.Context, limit int) ([]model.WorkflowInstance, error)
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	DefinitionID string
	Status       string
	AssignedTo   string
	Limit        int
	Offset       int
}

// isOpen reports whether status counts as open for FindOpen.
func isOpen(status string) bool {
	return status == model.InstanceStatusPending || status == model.InstanceStatusInProgress
}
