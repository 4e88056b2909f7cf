package model

import "time"

// Definition lifecycle status values.
const (
	DefinitionStatusDraft    = "DRAFT"
	DefinitionStatusActive   = "ACTIVE"
	DefinitionStatusArchived = "ARCHIVED"
)

// DefinitionFile is the root structure of a seed file. Each file declares the
// workflow templates of one tenant; they are activated at load time.
type DefinitionFile struct {
	TenantID  string               `yaml:"tenant_id" json:"tenant_id"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is a versioned template describing the state machine
// that instances of a ticket or work order follow.
type WorkflowDefinition struct {
	ID          string       `yaml:"id"          json:"id"          validate:"omitempty,max=128"`
	TenantID    string       `yaml:"tenant_id"   json:"tenant_id"`
	Name        string       `yaml:"name"        json:"name"        validate:"required,max=256"`
	Description string       `yaml:"description" json:"description,omitempty"`
	Status      string       `yaml:"status"      json:"status"`
	Version     int          `yaml:"version"     json:"version"`
	States      []State      `yaml:"states"      json:"states"      validate:"dive"`
	Transitions []Transition `yaml:"transitions" json:"transitions" validate:"dive"`

	// Source records who authored the draft ("manual" or "generated").
	// It carries no trust; both go through the same validation.
	Source      string     `yaml:"source"       json:"source,omitempty"`
	CreatedBy   string     `yaml:"-"            json:"created_by,omitempty"`
	CreatedAt   time.Time  `yaml:"-"            json:"created_at"`
	UpdatedAt   time.Time  `yaml:"-"            json:"updated_at"`
	ActivatedAt *time.Time `yaml:"-"            json:"activated_at,omitempty"`
}

// State is a node in the workflow graph.
type State struct {
	ID                  string   `yaml:"id"                    json:"id"                              validate:"required,max=128"`
	Name                string   `yaml:"name"                  json:"name"                            validate:"required,max=256"`
	Description         string   `yaml:"description"           json:"description,omitempty"`
	IsInitial           bool     `yaml:"is_initial"            json:"is_initial"`
	IsFinal             bool     `yaml:"is_final"              json:"is_final"`
	AllowedRoles        []string `yaml:"allowed_roles"         json:"allowed_roles,omitempty"         validate:"dive,required"`
	SLAHours            float64  `yaml:"sla_hours"             json:"sla_hours,omitempty"             validate:"gte=0"`
	RemarkRequired      bool     `yaml:"remark_required"       json:"remark_required,omitempty"`
	AttachmentRequired  bool     `yaml:"attachment_required"   json:"attachment_required,omitempty"`
	ChecklistTemplateID string   `yaml:"checklist_template_id" json:"checklist_template_id,omitempty"`
}

// Transition is a directed, named edge between two states.
type Transition struct {
	ID                     string   `yaml:"id"                        json:"id"                                  validate:"required,max=128"`
	Name                   string   `yaml:"name"                      json:"name"                                validate:"required,max=256"`
	FromStateID            string   `yaml:"from_state_id"             json:"from_state_id"                       validate:"required"`
	ToStateID              string   `yaml:"to_state_id"               json:"to_state_id"                         validate:"required"`
	RequiredRoles          []string `yaml:"required_roles"            json:"required_roles,omitempty"            validate:"dive,required"`
	RemarkRequiredOnAction bool     `yaml:"remark_required_on_action" json:"remark_required_on_action,omitempty"`
}

// StateByID returns the state with the given id, or nil. When ids are
// duplicated the first declaration wins.
func (d *WorkflowDefinition) StateByID(id string) *State {
	for i := range d.States {
		if d.States[i].ID == id {
			return &d.States[i]
		}
	}
	return nil
}

// TransitionByID returns the transition with the given id, or nil.
func (d *WorkflowDefinition) TransitionByID(id string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].ID == id {
			return &d.Transitions[i]
		}
	}
	return nil
}

// TransitionsFrom returns the outgoing transitions of a state in declaration
// order.
func (d *WorkflowDefinition) TransitionsFrom(stateID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

// InitialState returns the first state flagged as initial, or nil.
func (d *WorkflowDefinition) InitialState() *State {
	for i := range d.States {
		if d.States[i].IsInitial {
			return &d.States[i]
		}
	}
	return nil
}

// IsActive reports whether new instances may be created from the definition.
func (d *WorkflowDefinition) IsActive() bool {
	return d.Status == DefinitionStatusActive
}

// Clone returns a deep copy so that stored definitions are never aliased by
// callers.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.States = make([]State, len(d.States))
	for i, s := range d.States {
		s.AllowedRoles = append([]string(nil), s.AllowedRoles...)
		c.States[i] = s
	}
	c.Transitions = make([]Transition, len(d.Transitions))
	for i, t := range d.Transitions {
		t.RequiredRoles = append([]string(nil), t.RequiredRoles...)
		c.Transitions[i] = t
	}
	if d.ActivatedAt != nil {
		at := *d.ActivatedAt
		c.ActivatedAt = &at
	}
	return &c
}

// DefinitionSummary is the list-view projection of a definition.
type DefinitionSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Version    int       `json:"version"`
	StateCount int       `json:"state_count"`
	Source     string    `json:"source,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Summary projects the definition for list views.
func (d *WorkflowDefinition) Summary() DefinitionSummary {
	return DefinitionSummary{
		ID:         d.ID,
		Name:       d.Name,
		Status:     d.Status,
		Version:    d.Version,
		StateCount: len(d.States),
		Source:     d.Source,
		UpdatedAt:  d.UpdatedAt,
	}
}
