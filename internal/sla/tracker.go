// Package sla measures how long instances have sat in their current state
// against the state's time limit, and periodically reports breaches.
package sla

import (
	"time"

	"github.com/pitabwire/maintflow/model"
)

// Compute returns the SLA position of inst at now. Elapsed time is measured
// from the instance's last state change and never goes negative. A state
// without a limit is never overdue. Compute has no side effects.
func Compute(inst model.WorkflowInstance, def *model.WorkflowDefinition, now time.Time) model.SLAStatus {
	elapsed := now.Sub(inst.UpdatedAt).Hours()
	if elapsed < 0 {
		elapsed = 0
	}

	st := model.SLAStatus{
		StateID:      inst.CurrentStateID,
		ElapsedHours: elapsed,
	}

	var state *model.State
	if def != nil {
		state = def.StateByID(inst.CurrentStateID)
	}
	if state == nil || state.SLAHours <= 0 {
		return st
	}

	st.LimitHours = state.SLAHours
	st.Overdue = elapsed > state.SLAHours
	deadline := inst.UpdatedAt.Add(time.Duration(state.SLAHours * float64(time.Hour)))
	st.Deadline = &deadline
	return st
}
