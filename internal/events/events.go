// Package events publishes workflow lifecycle events to a message broker.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeInstanceCreated      = "instance.created"
	TypeInstanceTransitioned = "instance.transitioned"
	TypeInstanceCancelled    = "instance.cancelled"
	TypeSLABreached          = "sla.breached"
	TypeDefinitionActivated  = "definition.activated"
	TypeDefinitionArchived   = "definition.archived"
)

// Metadata keys set on every published message.
const (
	MetadataEventType  = "event_type"
	MetadataTenantID   = "tenant_id"
	MetadataInstanceID = "instance_id"
)

// Event is the payload of every published message. Fields that do not apply
// to an event type are left empty.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	TenantID     string    `json:"tenant_id"`
	DefinitionID string    `json:"definition_id,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	TransitionID string    `json:"transition_id,omitempty"`
	FromStateID  string    `json:"from_state_id,omitempty"`
	ToStateID    string    `json:"to_state_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	Version      int       `json:"version,omitempty"`
	Remark       string    `json:"remark,omitempty"`
	ElapsedHours float64   `json:"elapsed_hours,omitempty"`
	LimitHours   float64   `json:"limit_hours,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
