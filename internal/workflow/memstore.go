package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/maintflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-node deployments.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	history   map[string][]model.AuditEntry     // key: instance ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.AuditEntry),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	s.history[inst.ID] = []model.AuditEntry{entry}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *MemoryWorkflowStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// Update persists an updated instance with optimistic locking. The snapshot
// is stored exactly as given; timestamps are owned by the runtime.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists || existing.TenantID != inst.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version-1 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version-1, existing.Version),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	s.history[inst.ID] = append(s.history[inst.ID], entry)
	return nil
}

// History retrieves the audit trail of an instance, ordered by timestamp.
func (s *MemoryWorkflowStore) History(_ context.Context, tenantID, instanceID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Verify tenant access.
	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	entries := s.history[instanceID]
	result := make([]model.AuditEntry, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns a tenant's instances matching filters.
func (s *MemoryWorkflowStore) List(_ context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.AssignedTo != "" && inst.AssignedTo != filters.AssignedTo {
			continue
		}
		result = append(result, inst.Clone())
	}

	// Sort by created_at descending, then ID for stable paging.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindOpen returns open instances across tenants.
func (s *MemoryWorkflowStore) FindOpen(_ context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if isOpen(inst.Status) {
			result = append(result, inst.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
