package definition

import (
	"slices"
	"testing"

	"github.com/pitabwire/maintflow/model"
)

// workOrder returns the New → Assigned → InProgress → Resolved template used
// across the package tests.
func workOrder() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:       "work-order",
		TenantID: "tenant-1",
		Name:     "Work order",
		Status:   model.DefinitionStatusDraft,
		States: []model.State{
			{ID: "new", Name: "New", IsInitial: true},
			{ID: "assigned", Name: "Assigned", AllowedRoles: []string{"Technician", "Vendor"}},
			{ID: "in_progress", Name: "In progress", AllowedRoles: []string{"Technician"}, SLAHours: 24},
			{ID: "resolved", Name: "Resolved", IsFinal: true, RemarkRequired: true},
		},
		Transitions: []model.Transition{
			{ID: "assign", Name: "Assign", FromStateID: "new", ToStateID: "assigned"},
			{ID: "start", Name: "Start", FromStateID: "assigned", ToStateID: "in_progress", RequiredRoles: []string{"Technician"}},
			{ID: "resolve", Name: "Resolve", FromStateID: "in_progress", ToStateID: "resolved", RequiredRoles: []string{"Technician"}},
		},
	}
}

func hasViolation(r Result, code, stateID string) bool {
	for _, v := range r.Violations {
		if v.Code == code && (stateID == "" || v.StateID == stateID) {
			return true
		}
	}
	return false
}

func TestValidate_valid_definition(t *testing.T) {
	r := Validate(workOrder())
	if !r.Valid() {
		t.Errorf("Validate() = %v, want valid", r.Violations)
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
}

func TestValidate_linear_two_state_graph(t *testing.T) {
	def := &model.WorkflowDefinition{
		States: []model.State{
			{ID: "a", IsInitial: true},
			{ID: "b", IsFinal: true},
		},
		Transitions: []model.Transition{{ID: "t", FromStateID: "a", ToStateID: "b"}},
	}
	if r := Validate(def); !r.Valid() {
		t.Errorf("Validate() = %v, want valid", r.Violations)
	}
}

func TestValidate_single_state_initial_and_final(t *testing.T) {
	def := &model.WorkflowDefinition{
		States: []model.State{{ID: "only", IsInitial: true, IsFinal: true}},
	}
	if r := Validate(def); !r.Valid() {
		t.Errorf("Validate() = %v, want valid", r.Violations)
	}
}

func TestValidate_empty_definition(t *testing.T) {
	r := Validate(&model.WorkflowDefinition{})
	want := []string{model.ErrMissingEntryState, model.ErrMissingFinalState}
	if got := r.Codes(); !slices.Equal(got, want) {
		t.Errorf("Codes() = %v, want %v", got, want)
	}
}

func TestValidate_ambiguous_entry(t *testing.T) {
	def := workOrder()
	def.States[1].IsInitial = true

	r := Validate(def)
	if !hasViolation(r, model.ErrAmbiguousEntryState, "") {
		t.Errorf("expected AMBIGUOUS_ENTRY_STATE, got %v", r.Codes())
	}
	if hasViolation(r, model.ErrMissingEntryState, "") {
		t.Error("MISSING_ENTRY_STATE should not be reported alongside AMBIGUOUS_ENTRY_STATE")
	}
}

func TestValidate_missing_final(t *testing.T) {
	def := workOrder()
	def.States[3].IsFinal = false

	r := Validate(def)
	if !hasViolation(r, model.ErrMissingFinalState, "") {
		t.Errorf("expected MISSING_FINAL_STATE, got %v", r.Codes())
	}
	// Dead-end analysis needs a final set; it must not flood every state.
	if hasViolation(r, model.ErrDeadEndState, "") {
		t.Errorf("DEAD_END_STATE reported without any final state: %v", r.Codes())
	}
}

func TestValidate_dangling_reference(t *testing.T) {
	def := workOrder()
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "escalate", Name: "Escalate", FromStateID: "assigned", ToStateID: "escalated",
	})

	r := Validate(def)
	if !hasViolation(r, model.ErrDanglingTransitionReference, "escalated") {
		t.Fatalf("expected DANGLING_TRANSITION_REFERENCE for escalated, got %v", r.Codes())
	}
	for _, v := range r.Violations {
		if v.Code == model.ErrDanglingTransitionReference {
			if v.TransitionID != "escalate" {
				t.Errorf("TransitionID = %q, want escalate", v.TransitionID)
			}
			if v.Path != "transitions[3].to_state_id" {
				t.Errorf("Path = %q, want transitions[3].to_state_id", v.Path)
			}
		}
	}
}

func TestValidate_unreachable_state(t *testing.T) {
	def := workOrder()
	def.States = append(def.States, model.State{ID: "orphan", Name: "Orphan"})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "orphan_close", Name: "Close", FromStateID: "orphan", ToStateID: "resolved",
	})

	r := Validate(def)
	if !hasViolation(r, model.ErrUnreachableState, "orphan") {
		t.Errorf("expected UNREACHABLE_STATE for orphan, got %v", r.Violations)
	}
	if hasViolation(r, model.ErrDeadEndState, "orphan") {
		t.Error("orphan reaches a final state and must not be a dead end")
	}
}

func TestValidate_unentered_final_state_is_valid(t *testing.T) {
	def := &model.WorkflowDefinition{
		States: []model.State{
			{ID: "new", Name: "New", IsInitial: true},
			{ID: "done", Name: "Done", IsFinal: true},
			{ID: "rejected", Name: "Rejected", IsFinal: true},
		},
		Transitions: []model.Transition{{ID: "finish", Name: "Finish", FromStateID: "new", ToStateID: "done"}},
	}

	r := Validate(def)
	if !r.Valid() {
		t.Errorf("Validate() = %v, want valid", r.Violations)
	}
}

func TestValidate_dead_end_state(t *testing.T) {
	def := workOrder()
	def.States = append(def.States, model.State{ID: "parked", Name: "Parked"})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "park", Name: "Park", FromStateID: "assigned", ToStateID: "parked",
	})

	r := Validate(def)
	if !hasViolation(r, model.ErrDeadEndState, "parked") {
		t.Errorf("expected DEAD_END_STATE for parked, got %v", r.Violations)
	}
	if hasViolation(r, model.ErrUnreachableState, "parked") {
		t.Error("parked is reachable and must not be reported unreachable")
	}
}

func TestValidate_cycle_with_exit_is_valid(t *testing.T) {
	def := workOrder()
	def.Transitions = append(def.Transitions,
		model.Transition{ID: "reopen", Name: "Reopen", FromStateID: "in_progress", ToStateID: "assigned"},
		model.Transition{ID: "retry", Name: "Retry", FromStateID: "in_progress", ToStateID: "in_progress"},
	)
	if r := Validate(def); !r.Valid() {
		t.Errorf("Validate() = %v, want valid", r.Violations)
	}
}

func TestValidate_duplicate_identifiers(t *testing.T) {
	def := workOrder()
	def.States = append(def.States, model.State{ID: "assigned", Name: "Assigned again"})
	def.Transitions = append(def.Transitions, model.Transition{
		ID: "assign", Name: "Assign again", FromStateID: "new", ToStateID: "assigned",
	})

	r := Validate(def)
	count := 0
	for _, v := range r.Violations {
		if v.Code == model.ErrDuplicateIdentifier {
			count++
		}
	}
	if count != 2 {
		t.Errorf("DUPLICATE_IDENTIFIER count = %d, want 2 (%v)", count, r.Violations)
	}
}

func TestValidate_collects_all_violations(t *testing.T) {
	def := &model.WorkflowDefinition{
		States: []model.State{
			{ID: "a", IsInitial: true},
			{ID: "b", IsInitial: true},
			{ID: "c"},
		},
		Transitions: []model.Transition{
			{ID: "t1", FromStateID: "a", ToStateID: "ghost"},
		},
	}

	r := Validate(def)
	for _, code := range []string{
		model.ErrAmbiguousEntryState,
		model.ErrMissingFinalState,
		model.ErrDanglingTransitionReference,
		model.ErrUnreachableState,
	} {
		if !hasViolation(r, code, "") {
			t.Errorf("expected %s in %v", code, r.Codes())
		}
	}
}

func TestResult_Err(t *testing.T) {
	r := Validate(&model.WorkflowDefinition{})
	err := r.Err()
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Err() code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
	env := err.(*model.ErrorEnvelope)
	if len(env.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(env.Details))
	}
	if env.Details[0].Code != model.ErrMissingEntryState {
		t.Errorf("Details[0].Code = %q, want %q", env.Details[0].Code, model.ErrMissingEntryState)
	}
}
