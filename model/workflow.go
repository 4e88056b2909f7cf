package model

import (
	"maps"
	"time"
)

// Workflow instance status constants.
const (
	InstanceStatusPending    = "PENDING"
	InstanceStatusInProgress = "IN_PROGRESS"
	InstanceStatusCompleted  = "COMPLETED"
	InstanceStatusCancelled  = "CANCELLED"
)

// Audit actions.
const (
	AuditActionCreated    = "created"
	AuditActionTransition = "transition"
	AuditActionCancelled  = "cancelled"
)

// WorkflowInstance is a single ticket or work order moving through a
// definition's graph. Snapshots are values; every successful operation
// produces a new one with Version incremented.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	TenantID       string         `json:"tenant_id"`
	CurrentStateID string         `json:"current_state_id"`
	Status         string         `json:"status"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedBy      string         `json:"created_by"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	// UpdatedAt is the time of the last state change; SLA elapsed time is
	// measured from it.
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// IsClosed reports whether the instance accepts no further transitions.
func (w *WorkflowInstance) IsClosed() bool {
	return w.Status == InstanceStatusCompleted || w.Status == InstanceStatusCancelled
}

// Clone returns a copy whose Data map is not shared with the receiver.
func (w WorkflowInstance) Clone() WorkflowInstance {
	if w.Data != nil {
		w.Data = maps.Clone(w.Data)
	}
	return w
}

// AuditEntry records an event in an instance's history.
type AuditEntry struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	Action       string    `json:"action"`
	TransitionID string    `json:"transition_id,omitempty"`
	FromStateID  string    `json:"from_state_id,omitempty"`
	ToStateID    string    `json:"to_state_id,omitempty"`
	ActorID      string    `json:"actor_id"`
	Remark       string    `json:"remark,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Attachment references a file uploaded alongside a transition.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChecklistItem is one line of a checklist confirmation. Item semantics
// belong to the checklist template owner; only completion is checked here.
type ChecklistItem struct {
	ID        string `json:"id"`
	Required  bool   `json:"required"`
	Completed bool   `json:"completed"`
}

// ChecklistConfirmation is the checklist state submitted with a transition.
type ChecklistConfirmation struct {
	TemplateID string          `json:"template_id"`
	Items      []ChecklistItem `json:"items"`
}

// TransitionPayload carries everything an actor submits when firing a
// transition.
type TransitionPayload struct {
	Remark      string                 `json:"remark,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	Checklist   *ChecklistConfirmation `json:"checklist,omitempty"`
	AssignTo    string                 `json:"assign_to,omitempty"`
	Data        map[string]any         `json:"data,omitempty"`
}

// InstanceSummary is a lightweight representation of an instance used in
// list views.
type InstanceSummary struct {
	ID             string    `json:"id"`
	DefinitionID   string    `json:"definition_id"`
	Name           string    `json:"name"`
	CurrentStateID string    `json:"current_state_id"`
	CurrentState   string    `json:"current_state"`
	Status         string    `json:"status"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	Overdue        bool      `json:"overdue"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AvailableTransition describes an outgoing edge of the current state as
// seen by a particular actor.
type AvailableTransition struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	ToStateID              string `json:"to_state_id"`
	Permitted              bool   `json:"permitted"`
	RemarkRequiredOnAction bool   `json:"remark_required_on_action,omitempty"`
}

// SLAStatus is the SLA position of an instance in its current state.
type SLAStatus struct {
	StateID      string     `json:"state_id"`
	ElapsedHours float64    `json:"elapsed_hours"`
	LimitHours   float64    `json:"limit_hours"`
	Overdue      bool       `json:"overdue"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// InstanceDescriptor is the detail view of an instance for a caller.
type InstanceDescriptor struct {
	Instance    WorkflowInstance      `json:"instance"`
	Definition  DefinitionSummary     `json:"definition"`
	State       State                 `json:"state"`
	CanAct      bool                  `json:"can_act"`
	Transitions []AvailableTransition `json:"transitions"`
	SLA         SLAStatus             `json:"sla"`
	History     []AuditEntry          `json:"history,omitempty"`
}
