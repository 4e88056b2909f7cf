package definition

import (
	"fmt"

	"github.com/pitabwire/maintflow/model"
)

// Violation describes a single structural defect in a definition. StateID and
// TransitionID identify the offending graph element so editors can highlight
// it.
type Violation struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Path         string `json:"path"`
	StateID      string `json:"state_id,omitempty"`
	TransitionID string `json:"transition_id,omitempty"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Result is the outcome of validating a definition.
type Result struct {
	Violations []Violation `json:"violations"`
}

// Valid reports whether no violation was found.
func (r Result) Valid() bool {
	return len(r.Violations) == 0
}

// Codes returns the violation codes in report order.
func (r Result) Codes() []string {
	codes := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		codes[i] = v.Code
	}
	return codes
}

// FieldErrors converts the violations into envelope details.
func (r Result) FieldErrors() []model.FieldError {
	out := make([]model.FieldError, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = model.FieldError{Field: v.Path, Code: v.Code, Message: v.Message}
	}
	return out
}

// Err returns nil for a valid result and a VALIDATION_ERROR envelope
// carrying every violation otherwise.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	env := model.NewValidationError(r.FieldErrors())
	env.Message = "Definition is structurally invalid"
	return env
}

// Validate runs every structural check against def and collects all
// violations; it never stops at the first failure. It is pure and cheap
// enough to run after every edit.
func Validate(def *model.WorkflowDefinition) Result {
	var r Result

	initials, finals := classifyStates(def)

	// 1. Entry state.
	switch {
	case len(initials) == 0:
		r.add(Violation{
			Code:    model.ErrMissingEntryState,
			Path:    "states",
			Message: "definition has no initial state",
		})
	case len(initials) > 1:
		r.add(Violation{
			Code:    model.ErrAmbiguousEntryState,
			Path:    "states",
			Message: fmt.Sprintf("definition must have exactly one initial state, found %d", len(initials)),
		})
	}

	// 2. Final states.
	if len(finals) == 0 {
		r.add(Violation{
			Code:    model.ErrMissingFinalState,
			Path:    "states",
			Message: "definition has no final state",
		})
	}

	// 3. Transition endpoints.
	known := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		known[s.ID] = true
	}
	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if !known[t.FromStateID] {
			r.add(Violation{
				Code:         model.ErrDanglingTransitionReference,
				Path:         path + ".from_state_id",
				TransitionID: t.ID,
				StateID:      t.FromStateID,
				Message:      fmt.Sprintf("transition %q leaves unknown state %q", t.ID, t.FromStateID),
			})
		}
		if !known[t.ToStateID] {
			r.add(Violation{
				Code:         model.ErrDanglingTransitionReference,
				Path:         path + ".to_state_id",
				TransitionID: t.ID,
				StateID:      t.ToStateID,
				Message:      fmt.Sprintf("transition %q enters unknown state %q", t.ID, t.ToStateID),
			})
		}
	}

	// 4. Reachability. Dangling edges are ignored here; they were reported above.
	forward, backward := adjacency(def, known)
	if len(initials) > 0 {
		reached := walk(initials, forward)
		for i, s := range def.States {
			// Only non-final states must be entered.
			if s.IsFinal {
				continue
			}
			if !reached[s.ID] {
				r.add(Violation{
					Code:    model.ErrUnreachableState,
					Path:    fmt.Sprintf("states[%d]", i),
					StateID: s.ID,
					Message: fmt.Sprintf("state %q cannot be reached from the initial state", s.ID),
				})
			}
		}
	}
	if len(finals) > 0 {
		reaching := walk(finals, backward)
		for i, s := range def.States {
			if !reaching[s.ID] {
				r.add(Violation{
					Code:    model.ErrDeadEndState,
					Path:    fmt.Sprintf("states[%d]", i),
					StateID: s.ID,
					Message: fmt.Sprintf("no final state can be reached from state %q", s.ID),
				})
			}
		}
	}

	// 5. Identifier uniqueness.
	seenStates := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		if seenStates[s.ID] {
			r.add(Violation{
				Code:    model.ErrDuplicateIdentifier,
				Path:    fmt.Sprintf("states[%d].id", i),
				StateID: s.ID,
				Message: fmt.Sprintf("state id %q is declared more than once", s.ID),
			})
		}
		seenStates[s.ID] = true
	}
	seenTransitions := make(map[string]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		if seenTransitions[t.ID] {
			r.add(Violation{
				Code:         model.ErrDuplicateIdentifier,
				Path:         fmt.Sprintf("transitions[%d].id", i),
				TransitionID: t.ID,
				Message:      fmt.Sprintf("transition id %q is declared more than once", t.ID),
			})
		}
		seenTransitions[t.ID] = true
	}

	return r
}

func (r *Result) add(v Violation) {
	r.Violations = append(r.Violations, v)
}

func classifyStates(def *model.WorkflowDefinition) (initials, finals []string) {
	for _, s := range def.States {
		if s.IsInitial {
			initials = append(initials, s.ID)
		}
		if s.IsFinal {
			finals = append(finals, s.ID)
		}
	}
	return initials, finals
}

// adjacency builds forward and reverse edge lists over resolvable transitions.
func adjacency(def *model.WorkflowDefinition, known map[string]bool) (forward, backward map[string][]string) {
	forward = make(map[string][]string, len(def.States))
	backward = make(map[string][]string, len(def.States))
	for _, t := range def.Transitions {
		if !known[t.FromStateID] || !known[t.ToStateID] {
			continue
		}
		forward[t.FromStateID] = append(forward[t.FromStateID], t.ToStateID)
		backward[t.ToStateID] = append(backward[t.ToStateID], t.FromStateID)
	}
	return forward, backward
}

// walk returns the set of nodes reachable from any of the start nodes.
func walk(start []string, edges map[string][]string) map[string]bool {
	visited := make(map[string]bool, len(edges))
	queue := make([]string, 0, len(start))
	for _, s := range start {
		if !visited[s] {
			visited[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}
