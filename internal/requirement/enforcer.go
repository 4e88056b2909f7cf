// Package requirement checks that a transition payload carries the evidence
// the departing state and the transition demand.
package requirement

import (
	"fmt"
	"strings"

	"github.com/pitabwire/maintflow/model"
)

// Requirement kinds.
const (
	KindRemark     = "remark"
	KindAttachment = "attachment"
	KindChecklist  = "checklist"
)

// Missing describes one unmet requirement. ItemID is set for incomplete
// checklist items.
type Missing struct {
	Kind    string `json:"kind"`
	ItemID  string `json:"item_id,omitempty"`
	Message string `json:"message"`
}

// Field returns the payload field the requirement applies to.
func (m Missing) Field() string {
	if m.ItemID != "" {
		return m.Kind + "." + m.ItemID
	}
	return m.Kind
}

// Enforcer evaluates requirements. It is stateless.
type Enforcer struct{}

// NewEnforcer creates a new Enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// Check returns every requirement of the departing state and the transition
// that payload fails to satisfy. An empty result means the transition may
// proceed.
func (e *Enforcer) Check(departing *model.State, transition *model.Transition, payload model.TransitionPayload) []Missing {
	var missing []Missing

	if (departing.RemarkRequired || transition.RemarkRequiredOnAction) && strings.TrimSpace(payload.Remark) == "" {
		missing = append(missing, Missing{
			Kind:    KindRemark,
			Message: "a remark is required",
		})
	}

	if departing.AttachmentRequired && len(payload.Attachments) == 0 {
		missing = append(missing, Missing{
			Kind:    KindAttachment,
			Message: "at least one attachment is required",
		})
	}

	if departing.ChecklistTemplateID != "" {
		missing = append(missing, checkChecklist(departing.ChecklistTemplateID, payload.Checklist)...)
	}

	return missing
}

func checkChecklist(templateID string, c *model.ChecklistConfirmation) []Missing {
	if c == nil {
		return []Missing{{
			Kind:    KindChecklist,
			Message: fmt.Sprintf("checklist %q must be confirmed", templateID),
		}}
	}
	if c.TemplateID != templateID {
		return []Missing{{
			Kind:    KindChecklist,
			Message: fmt.Sprintf("checklist %q was confirmed, %q is required", c.TemplateID, templateID),
		}}
	}

	var missing []Missing
	for _, item := range c.Items {
		if item.Required && !item.Completed {
			missing = append(missing, Missing{
				Kind:    KindChecklist,
				ItemID:  item.ID,
				Message: fmt.Sprintf("checklist item %q is not completed", item.ID),
			})
		}
	}
	return missing
}

// FieldErrors converts missing requirements into envelope details.
func FieldErrors(missing []Missing) []model.FieldError {
	out := make([]model.FieldError, len(missing))
	for i, m := range missing {
		out[i] = model.FieldError{Field: m.Field(), Code: "REQUIRED", Message: m.Message}
	}
	return out
}
