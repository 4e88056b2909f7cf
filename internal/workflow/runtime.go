package workflow

import (
	"fmt"
	"maps"
	"time"

	"github.com/pitabwire/maintflow/internal/access"
	"github.com/pitabwire/maintflow/internal/requirement"
	"github.com/pitabwire/maintflow/model"
)

// Outcome is the result of a successful runtime operation: the new instance
// snapshot and the audit entry recording it.
type Outcome struct {
	Instance model.WorkflowInstance
	Audit    model.AuditEntry
}

// CreateRequest carries the caller-supplied parts of a new instance.
type CreateRequest struct {
	InstanceID string
	TenantID   string
	Actor      model.Actor
	Data       map[string]any
	AssignedTo string
	// StartImmediately places the instance IN_PROGRESS instead of PENDING.
	StartImmediately bool
}

// Runtime applies state changes to instances. Every method is a pure
// function of its arguments: inputs are never mutated and identical inputs
// produce identical outcomes. Persistence and concurrency control belong to
// the caller.
type Runtime struct {
	gate     *access.Gate
	enforcer *requirement.Enforcer
}

// NewRuntime creates a Runtime that consults the given gate and enforcer.
func NewRuntime(gate *access.Gate, enforcer *requirement.Enforcer) *Runtime {
	return &Runtime{gate: gate, enforcer: enforcer}
}

// Gate returns the authorization gate the runtime consults.
func (rt *Runtime) Gate() *access.Gate {
	return rt.gate
}

// Create starts a new instance of an ACTIVE definition at its initial state.
func (rt *Runtime) Create(def *model.WorkflowDefinition, req CreateRequest, now time.Time) (Outcome, error) {
	if !def.IsActive() {
		return Outcome{}, model.NewDefinitionNotActiveError(def.ID, def.Status)
	}
	initial := def.InitialState()
	if initial == nil {
		// Unreachable for validated definitions.
		return Outcome{}, model.NewDefinitionNotActiveError(def.ID, "missing an initial state")
	}

	status := model.InstanceStatusPending
	if req.StartImmediately {
		status = model.InstanceStatusInProgress
	}

	var data map[string]any
	if req.Data != nil {
		data = maps.Clone(req.Data)
	}

	inst := model.WorkflowInstance{
		ID:             req.InstanceID,
		DefinitionID:   def.ID,
		TenantID:       req.TenantID,
		CurrentStateID: initial.ID,
		Status:         status,
		Data:           data,
		CreatedBy:      req.Actor.ID,
		AssignedTo:     req.AssignedTo,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	return Outcome{
		Instance: inst,
		Audit: model.AuditEntry{
			ID:         auditID(inst.ID, inst.Version),
			InstanceID: inst.ID,
			Action:     model.AuditActionCreated,
			ToStateID:  initial.ID,
			ActorID:    req.Actor.ID,
			Timestamp:  now,
		},
	}, nil
}

// AttemptTransition fires transitionID on inst on behalf of actor. On
// failure the returned error carries the reason and inst is untouched.
func (rt *Runtime) AttemptTransition(
	def *model.WorkflowDefinition,
	inst model.WorkflowInstance,
	transitionID string,
	actor model.Actor,
	payload model.TransitionPayload,
	now time.Time,
) (Outcome, error) {
	if def.Status == model.DefinitionStatusDraft {
		return Outcome{}, model.NewDefinitionNotActiveError(def.ID, def.Status)
	}
	if inst.Status == model.InstanceStatusCancelled {
		return Outcome{}, model.NewInstanceClosedError(inst.ID, inst.Status)
	}

	// 1. Resolve the transition.
	t := def.TransitionByID(transitionID)
	if t == nil {
		return Outcome{}, model.NewUnknownTransitionError(transitionID)
	}

	// 2. It must depart from where the instance sits. Completed instances
	// accept nothing, even if the final state has outgoing edges.
	departing := def.StateByID(inst.CurrentStateID)
	if inst.Status == model.InstanceStatusCompleted || t.FromStateID != inst.CurrentStateID || departing == nil {
		return Outcome{}, model.NewInvalidSourceError(t.ID, inst.CurrentStateID)
	}

	// 3. Authorization.
	if !rt.gate.CanFire(t, actor.Roles) {
		return Outcome{}, model.NewTransitionUnauthorizedError(t.ID)
	}

	// 4. Requirements of the departing state and the transition.
	if missing := rt.enforcer.Check(departing, t, payload); len(missing) > 0 {
		return Outcome{}, model.NewRequirementsNotMetError(requirement.FieldErrors(missing))
	}

	// 5. Build the next snapshot.
	target := def.StateByID(t.ToStateID)
	if target == nil {
		// Unreachable for validated definitions.
		return Outcome{}, model.NewInvalidSourceError(t.ID, inst.CurrentStateID)
	}

	next := inst.Clone()
	next.CurrentStateID = target.ID
	next.UpdatedAt = now
	next.Version = inst.Version + 1
	next.Status = model.InstanceStatusInProgress
	if target.IsFinal {
		next.Status = model.InstanceStatusCompleted
	}
	if payload.AssignTo != "" {
		next.AssignedTo = payload.AssignTo
	}
	if len(payload.Data) > 0 {
		if next.Data == nil {
			next.Data = make(map[string]any, len(payload.Data))
		}
		maps.Copy(next.Data, payload.Data)
	}

	return Outcome{
		Instance: next,
		Audit: model.AuditEntry{
			ID:           auditID(inst.ID, next.Version),
			InstanceID:   inst.ID,
			Action:       model.AuditActionTransition,
			TransitionID: t.ID,
			FromStateID:  inst.CurrentStateID,
			ToStateID:    target.ID,
			ActorID:      actor.ID,
			Remark:       payload.Remark,
			Timestamp:    now,
		},
	}, nil
}

// Cancel closes an open instance out of band. Only administrators may
// cancel.
func (rt *Runtime) Cancel(inst model.WorkflowInstance, actor model.Actor, reason string, now time.Time) (Outcome, error) {
	if inst.IsClosed() {
		return Outcome{}, model.NewInstanceClosedError(inst.ID, inst.Status)
	}
	if !rt.gate.CanAdminister(actor.Roles) {
		return Outcome{}, model.NewForbiddenError("only administrators may cancel an instance")
	}

	next := inst.Clone()
	next.Status = model.InstanceStatusCancelled
	next.UpdatedAt = now
	next.Version = inst.Version + 1

	return Outcome{
		Instance: next,
		Audit: model.AuditEntry{
			ID:          auditID(inst.ID, next.Version),
			InstanceID:  inst.ID,
			Action:      model.AuditActionCancelled,
			FromStateID: inst.CurrentStateID,
			ToStateID:   inst.CurrentStateID,
			ActorID:     actor.ID,
			Remark:      reason,
			Timestamp:   now,
		},
	}, nil
}

// Available lists the transitions leaving the instance's current state and
// whether the holder of roles may fire each. Closed instances have none.
func (rt *Runtime) Available(def *model.WorkflowDefinition, inst model.WorkflowInstance, roles model.RoleSet) []model.AvailableTransition {
	if inst.IsClosed() {
		return nil
	}
	out := make([]model.AvailableTransition, 0)
	for _, t := range def.TransitionsFrom(inst.CurrentStateID) {
		out = append(out, model.AvailableTransition{
			ID:                     t.ID,
			Name:                   t.Name,
			ToStateID:              t.ToStateID,
			Permitted:              rt.gate.CanFire(&t, roles),
			RemarkRequiredOnAction: t.RemarkRequiredOnAction,
		})
	}
	return out
}

// CanAct reports whether the holder of roles may act on the instance in its
// current state.
func (rt *Runtime) CanAct(def *model.WorkflowDefinition, inst model.WorkflowInstance, roles model.RoleSet) bool {
	if inst.IsClosed() {
		return false
	}
	s := def.StateByID(inst.CurrentStateID)
	return s != nil && rt.gate.CanEnter(s, roles)
}

func auditID(instanceID string, version int) string {
	return fmt.Sprintf("%s-%d", instanceID, version)
}
