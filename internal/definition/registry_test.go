package definition

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/maintflow/model"
)

type memDefinitionStore struct {
	mu    sync.Mutex
	saved map[string]*model.WorkflowDefinition
	err   error
}

func newMemDefinitionStore() *memDefinitionStore {
	return &memDefinitionStore{saved: make(map[string]*model.WorkflowDefinition)}
}

func (s *memDefinitionStore) Save(_ context.Context, def *model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved[key(def.TenantID, def.ID)] = def.Clone()
	return nil
}

func (s *memDefinitionStore) LoadAll(_ context.Context) ([]*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkflowDefinition
	for _, d := range s.saved {
		out = append(out, d.Clone())
	}
	return out, nil
}

func fixedRegistry(store Store) *Registry {
	r := NewRegistry(store)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return r
}

func TestRegistry_CreateDraft(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()

	def, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder())
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if def.Status != model.DefinitionStatusDraft {
		t.Errorf("Status = %q, want DRAFT", def.Status)
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want 1", def.Version)
	}
	if def.CreatedBy != "author" {
		t.Errorf("CreatedBy = %q, want author", def.CreatedBy)
	}

	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate CreateDraft() code = %q, want CONFLICT", model.CodeOf(err))
	}

	// Same id in another tenant is independent.
	if _, err := r.CreateDraft(ctx, "tenant-2", "author", workOrder()); err != nil {
		t.Errorf("CreateDraft() in tenant-2 error = %v", err)
	}
}

func TestRegistry_CreateDraft_assigns_id(t *testing.T) {
	r := fixedRegistry(nil)
	in := workOrder()
	in.ID = ""
	def, err := r.CreateDraft(context.Background(), "tenant-1", "author", in)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if def.ID == "" {
		t.Error("CreateDraft() should assign an ID")
	}
}

func TestRegistry_CreateDraft_ignores_client_status(t *testing.T) {
	r := fixedRegistry(nil)
	in := workOrder()
	in.Status = model.DefinitionStatusActive
	def, err := r.CreateDraft(context.Background(), "tenant-1", "author", in)
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if def.Status != model.DefinitionStatusDraft {
		t.Errorf("Status = %q, want DRAFT", def.Status)
	}
}

func TestRegistry_UpdateDraft_bumps_version(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}

	edit := workOrder()
	edit.Name = "Corrective work order"
	def, err := r.UpdateDraft(ctx, "tenant-1", "work-order", edit)
	if err != nil {
		t.Fatalf("UpdateDraft() error = %v", err)
	}
	if def.Version != 2 {
		t.Errorf("Version = %d, want 2", def.Version)
	}
	if def.Name != "Corrective work order" {
		t.Errorf("Name = %q", def.Name)
	}
	if def.CreatedBy != "author" {
		t.Errorf("CreatedBy = %q, want author preserved", def.CreatedBy)
	}
}

func TestRegistry_UpdateDraft_not_found(t *testing.T) {
	r := fixedRegistry(nil)
	_, err := r.UpdateDraft(context.Background(), "tenant-1", "missing", workOrder())
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("code = %q, want NOT_FOUND", model.CodeOf(err))
	}
}

func TestRegistry_Activate_freezes_definition(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}

	def, res, err := r.Activate(ctx, "tenant-1", "work-order")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !res.Valid() {
		t.Errorf("Activate() result = %v, want valid", res.Violations)
	}
	if def.Status != model.DefinitionStatusActive {
		t.Errorf("Status = %q, want ACTIVE", def.Status)
	}
	if def.ActivatedAt == nil {
		t.Error("ActivatedAt should be set")
	}

	_, err = r.UpdateDraft(ctx, "tenant-1", "work-order", workOrder())
	if !model.IsCode(err, model.ErrDefinitionImmutable) {
		t.Errorf("UpdateDraft() on ACTIVE code = %q, want DEFINITION_IMMUTABLE", model.CodeOf(err))
	}

	_, _, err = r.Activate(ctx, "tenant-1", "work-order")
	if !model.IsCode(err, model.ErrInvalidLifecycle) {
		t.Errorf("second Activate() code = %q, want INVALID_LIFECYCLE", model.CodeOf(err))
	}
}

func TestRegistry_Activate_rejects_invalid_graph(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	bad := workOrder()
	bad.States[3].IsFinal = false
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", bad); err != nil {
		t.Fatal(err)
	}

	_, res, err := r.Activate(ctx, "tenant-1", "work-order")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Activate() code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
	if !hasViolation(res, model.ErrMissingFinalState, "") {
		t.Errorf("result = %v, want MISSING_FINAL_STATE", res.Codes())
	}

	def, _ := r.Get("tenant-1", "work-order")
	if def.Status != model.DefinitionStatusDraft {
		t.Errorf("Status after failed activation = %q, want DRAFT", def.Status)
	}
}

func TestRegistry_Archive(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Archive(ctx, "tenant-1", "work-order"); !model.IsCode(err, model.ErrInvalidLifecycle) {
		t.Errorf("Archive() of DRAFT code = %q, want INVALID_LIFECYCLE", model.CodeOf(err))
	}

	if _, _, err := r.Activate(ctx, "tenant-1", "work-order"); err != nil {
		t.Fatal(err)
	}
	def, err := r.Archive(ctx, "tenant-1", "work-order")
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if def.Status != model.DefinitionStatusArchived {
		t.Errorf("Status = %q, want ARCHIVED", def.Status)
	}
}

func TestRegistry_Get_returns_copy(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}

	d1, ok := r.Get("tenant-1", "work-order")
	if !ok {
		t.Fatal("Get() not found")
	}
	d1.States[0].Name = "mutated"

	d2, _ := r.Get("tenant-1", "work-order")
	if d2.States[0].Name != "New" {
		t.Error("Get() returned a shared definition")
	}

	if _, ok := r.Get("tenant-2", "work-order"); ok {
		t.Error("Get() must be tenant scoped")
	}
}

func TestRegistry_List(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	a := workOrder()
	a.ID = "b-flow"
	b := workOrder()
	b.ID = "a-flow"
	for _, d := range []*model.WorkflowDefinition{a, b} {
		if _, err := r.CreateDraft(ctx, "tenant-1", "author", d); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := r.Activate(ctx, "tenant-1", "a-flow"); err != nil {
		t.Fatal(err)
	}

	all := r.List("tenant-1", "")
	if len(all) != 2 || all[0].ID != "a-flow" {
		t.Errorf("List() = %v, want sorted [a-flow b-flow]", all)
	}
	active := r.List("tenant-1", model.DefinitionStatusActive)
	if len(active) != 1 || active[0].ID != "a-flow" {
		t.Errorf("List(ACTIVE) = %v, want [a-flow]", active)
	}
	if got := r.List("tenant-2", ""); len(got) != 0 {
		t.Errorf("List(tenant-2) = %v, want empty", got)
	}
}

func TestRegistry_Checksum_changes(t *testing.T) {
	r := fixedRegistry(nil)
	before := r.Checksum()
	if _, err := r.CreateDraft(context.Background(), "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}
	if r.Checksum() == before {
		t.Error("Checksum should change after a save")
	}
}

func TestRegistry_Seed(t *testing.T) {
	r := fixedRegistry(nil)
	files, err := NewLoader().LoadAll([]string{"testdata/facilities"})
	if err != nil {
		t.Fatal(err)
	}

	n, err := r.Seed(context.Background(), files)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Seed() added %d, want 1", n)
	}
	def, ok := r.Get("tenant-1", "work-order")
	if !ok || def.Status != model.DefinitionStatusActive {
		t.Fatalf("seeded definition = %v, want ACTIVE", def)
	}

	n, err = r.Seed(context.Background(), files)
	if err != nil || n != 0 {
		t.Errorf("second Seed() = %d, %v; want 0, nil", n, err)
	}
}

func TestRegistry_Seed_rejects_invalid(t *testing.T) {
	r := fixedRegistry(nil)
	files, err := NewLoader().LoadAll([]string{"testdata/broken"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Seed(context.Background(), files); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("Seed() code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestRegistry_Seed_rejects_field_rule_violations(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*model.WorkflowDefinition)
		wantField string
	}{
		{"negative SLA", func(d *model.WorkflowDefinition) { d.States[2].SLAHours = -5 }, "States[2].SLAHours"},
		{"unnamed state", func(d *model.WorkflowDefinition) { d.States[1].Name = "" }, "States[1].Name"},
		{"blank role", func(d *model.WorkflowDefinition) { d.Transitions[1].RequiredRoles = []string{""} }, "Transitions[1].RequiredRoles[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := workOrder()
			tt.mutate(def)
			if !Validate(def).Valid() {
				t.Fatal("fixture must be structurally valid")
			}

			r := fixedRegistry(nil)
			n, err := r.Seed(context.Background(), []model.DefinitionFile{{
				TenantID:   "tenant-1",
				SourceFile: "work_order.yaml",
				Workflows:  []model.WorkflowDefinition{*def},
			}})
			if !model.IsCode(err, model.ErrValidationError) {
				t.Fatalf("Seed() error = %v, want VALIDATION_ERROR", err)
			}
			var env *model.ErrorEnvelope
			if !errors.As(err, &env) || len(env.Details) == 0 || !strings.Contains(env.Details[0].Field, tt.wantField) {
				t.Errorf("Seed() details = %+v, want field %s", env, tt.wantField)
			}
			if n != 0 {
				t.Errorf("Seed() added %d, want 0", n)
			}
			if _, ok := r.Get("tenant-1", "work-order"); ok {
				t.Error("definition with field violations was activated")
			}
		})
	}
}

func TestRegistry_persists_and_loads(t *testing.T) {
	store := newMemDefinitionStore()
	ctx := context.Background()

	r := fixedRegistry(store)
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Activate(ctx, "tenant-1", "work-order"); err != nil {
		t.Fatal(err)
	}

	reloaded := fixedRegistry(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def, ok := reloaded.Get("tenant-1", "work-order")
	if !ok || def.Status != model.DefinitionStatusActive {
		t.Errorf("reloaded definition = %v, want ACTIVE", def)
	}
}

func TestRegistry_store_failure_keeps_snapshot(t *testing.T) {
	store := newMemDefinitionStore()
	store.err = errors.New("db down")
	r := fixedRegistry(store)

	if _, err := r.CreateDraft(context.Background(), "tenant-1", "author", workOrder()); err == nil {
		t.Fatal("CreateDraft() should fail when the store fails")
	}
	if _, ok := r.Get("tenant-1", "work-order"); ok {
		t.Error("failed save must not be visible")
	}
}

func TestRegistry_concurrent_reads_during_writes(t *testing.T) {
	r := fixedRegistry(nil)
	ctx := context.Background()
	if _, err := r.CreateDraft(ctx, "tenant-1", "author", workOrder()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, ok := r.Get("tenant-1", "work-order"); !ok {
				t.Error("Get() lost the definition during concurrent writes")
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = r.UpdateDraft(ctx, "tenant-1", "work-order", workOrder())
		}()
	}
	wg.Wait()

	def, _ := r.Get("tenant-1", "work-order")
	if def.Version != 51 {
		t.Errorf("Version = %d, want 51", def.Version)
	}
}
