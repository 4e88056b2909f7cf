package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/maintflow/model"
)

// Store persists definitions. The registry keeps the authoritative in-memory
// snapshot; the store makes it survive restarts.
type Store interface {
	// Save upserts a definition.
	Save(ctx context.Context, def *model.WorkflowDefinition) error

	// LoadAll returns every stored definition.
	LoadAll(ctx context.Context) ([]*model.WorkflowDefinition, error)
}

// snapshot is an immutable collection of all definitions indexed by
// tenant-scoped key.
type snapshot struct {
	defs     map[string]*model.WorkflowDefinition
	checksum string
}

func key(tenantID, id string) string {
	return tenantID + "/" + id
}

// Registry is a read-optimized, thread-safe store of workflow definitions.
// Reads use an atomic pointer swap and never lock; writes are serialised and
// publish a new snapshot.
type Registry struct {
	snap  atomic.Pointer[snapshot]
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// NewRegistry creates an empty Registry. store may be nil for a purely
// in-memory registry.
func NewRegistry(store Store) *Registry {
	r := &Registry{store: store, now: func() time.Time { return time.Now().UTC() }}
	r.snap.Store(newSnapshot(nil))
	return r
}

func newSnapshot(defs map[string]*model.WorkflowDefinition) *snapshot {
	if defs == nil {
		defs = make(map[string]*model.WorkflowDefinition)
	}
	parts := make([]string, 0, len(defs))
	for k, d := range defs {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", k, d.Version, d.Status))
	}
	sort.Strings(parts)
	return &snapshot{
		defs:     defs,
		checksum: fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ";")))),
	}
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Load replaces the registry contents with everything in the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	defs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]*model.WorkflowDefinition, len(defs))
	for _, d := range defs {
		m[key(d.TenantID, d.ID)] = d
	}
	r.snap.Store(newSnapshot(m))
	return nil
}

// Seed activates the workflows of the given seed files. Definitions already
// present in the registry are left untouched. Every workflow must pass the
// field rules and structural validation; the first invalid one aborts seeding.
func (r *Registry) Seed(ctx context.Context, files []model.DefinitionFile) (int, error) {
	added := 0
	for _, f := range files {
		for i := range f.Workflows {
			def := f.Workflows[i].Clone()
			if def.TenantID == "" {
				def.TenantID = f.TenantID
			}
			if _, ok := r.Get(def.TenantID, def.ID); ok {
				continue
			}
			if err := ValidateFields(def); err != nil {
				return added, fmt.Errorf("%s: workflow %q: %w", f.SourceFile, def.ID, err)
			}
			if res := Validate(def); !res.Valid() {
				return added, fmt.Errorf("%s: workflow %q: %w", f.SourceFile, def.ID, res.Err())
			}
			now := r.now()
			def.Status = model.DefinitionStatusActive
			def.Version = 1
			def.Source = "seed"
			def.CreatedAt = now
			def.UpdatedAt = now
			def.ActivatedAt = &now
			if err := r.commit(ctx, def); err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}

// Get returns a copy of the definition with the given ID within a tenant.
func (r *Registry) Get(tenantID, id string) (*model.WorkflowDefinition, bool) {
	d, ok := r.current().defs[key(tenantID, id)]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// List returns summaries of a tenant's definitions, optionally filtered by
// status, ordered by ID.
func (r *Registry) List(tenantID, status string) []model.DefinitionSummary {
	s := r.current()
	prefix := tenantID + "/"
	var out []model.DefinitionSummary
	for k, d := range s.defs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns copies of every definition across tenants.
func (r *Registry) All() []*model.WorkflowDefinition {
	s := r.current()
	out := make([]*model.WorkflowDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.Clone())
	}
	return out
}

// CreateDraft stores a new DRAFT definition. An empty ID is assigned one.
func (r *Registry) CreateDraft(ctx context.Context, tenantID, actorID string, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := def.Clone()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if _, exists := r.current().defs[key(tenantID, d.ID)]; exists {
		return nil, model.NewConflictError(fmt.Sprintf("definition %q already exists", d.ID))
	}

	now := r.now()
	d.TenantID = tenantID
	d.Status = model.DefinitionStatusDraft
	d.Version = 1
	d.CreatedBy = actorID
	d.CreatedAt = now
	d.UpdatedAt = now
	d.ActivatedAt = nil

	if err := r.commitLocked(ctx, d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// UpdateDraft replaces the graph of an existing DRAFT definition and bumps
// its version. ACTIVE and ARCHIVED definitions are frozen.
func (r *Registry) UpdateDraft(ctx context.Context, tenantID, id string, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.current().defs[key(tenantID, id)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if existing.Status != model.DefinitionStatusDraft {
		return nil, model.NewDefinitionImmutableError(id, existing.Status)
	}

	d := def.Clone()
	d.ID = existing.ID
	d.TenantID = existing.TenantID
	d.Status = model.DefinitionStatusDraft
	d.Version = existing.Version + 1
	d.CreatedBy = existing.CreatedBy
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = r.now()
	d.ActivatedAt = nil
	if d.Source == "" {
		d.Source = existing.Source
	}

	if err := r.commitLocked(ctx, d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Activate validates a DRAFT definition and, if it is structurally sound,
// freezes it as ACTIVE. The validation result is returned in both cases.
func (r *Registry) Activate(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.current().defs[key(tenantID, id)]
	if !ok {
		return nil, Result{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if existing.Status != model.DefinitionStatusDraft {
		return nil, Result{}, model.NewInvalidLifecycleError(id, existing.Status, model.DefinitionStatusActive)
	}

	res := Validate(existing)
	if !res.Valid() {
		return nil, res, res.Err()
	}

	d := existing.Clone()
	now := r.now()
	d.Status = model.DefinitionStatusActive
	d.UpdatedAt = now
	d.ActivatedAt = &now
	if err := r.commitLocked(ctx, d); err != nil {
		return nil, res, err
	}
	return d.Clone(), res, nil
}

// Archive retires an ACTIVE definition. Running instances keep working
// against it; no new instances can be created.
func (r *Registry) Archive(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.current().defs[key(tenantID, id)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if existing.Status != model.DefinitionStatusActive {
		return nil, model.NewInvalidLifecycleError(id, existing.Status, model.DefinitionStatusArchived)
	}

	d := existing.Clone()
	d.Status = model.DefinitionStatusArchived
	d.UpdatedAt = r.now()
	if err := r.commitLocked(ctx, d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Checksum returns a digest of the registry contents that changes whenever
// any definition is saved or changes status.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func (r *Registry) commit(ctx context.Context, d *model.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(ctx, d)
}

// commitLocked persists d and publishes a snapshot containing it. r.mu must
// be held.
func (r *Registry) commitLocked(ctx context.Context, d *model.WorkflowDefinition) error {
	if r.store != nil {
		if err := r.store.Save(ctx, d); err != nil {
			return fmt.Errorf("save definition %q: %w", d.ID, err)
		}
	}
	cur := r.current().defs
	next := make(map[string]*model.WorkflowDefinition, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key(d.TenantID, d.ID)] = d.Clone()
	r.snap.Store(newSnapshot(next))
	return nil
}
