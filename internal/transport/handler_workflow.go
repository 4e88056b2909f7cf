package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/maintflow/internal/workflow"
	"github.com/pitabwire/maintflow/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func handleInstanceCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")

		var body struct {
			Data             map[string]any `json:"data"`
			AssignedTo       string         `json:"assigned_to"`
			StartImmediately bool           `json:"start_immediately"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Start(r.Context(), rctx, definitionID, workflow.StartInput{
			Data:             body.Data,
			AssignedTo:       body.AssignedTo,
			StartImmediately: body.StartImmediately,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusCreated, inst)
	}
}

func handleInstanceTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			TransitionID string `json:"transition_id"`
			model.TransitionPayload
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.TransitionID == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "transition_id", Code: "REQUIRED", Message: "transition_id is required"},
			})
			return
		}

		inst, err := engine.Transition(r.Context(), rctx, instanceID, body.TransitionID, body.TransitionPayload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, inst)
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		desc, err := engine.Get(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, desc)
	}
}

func handleInstanceSLA(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		status, err := engine.SLA(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, status)
	}
}

func handleInstanceHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		history, err := engine.History(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if history == nil {
			history = []model.AuditEntry{}
		}
		WriteData(w, http.StatusOK, history)
	}
}

func handleInstanceCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Cancel(r.Context(), rctx, instanceID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, inst)
	}
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters, err := listFilters(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		summaries, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

// listFilters reads the instance listing query. Limits above maxPageSize
// are clamped.
func listFilters(r *http.Request) (workflow.ListFilters, error) {
	q := r.URL.Query()
	filters := workflow.ListFilters{
		DefinitionID: q.Get("definition_id"),
		Status:       q.Get("status"),
		AssignedTo:   q.Get("assigned_to"),
	}

	var details []model.FieldError
	if v := q.Get("actionable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			details = append(details, model.FieldError{Field: "actionable", Code: "INVALID", Message: "must be a boolean"})
		}
		filters.Actionable = b
	}

	limit, ok := queryInt(q.Get("limit"), defaultPageSize)
	if !ok || limit < 1 {
		details = append(details, model.FieldError{Field: "limit", Code: "INVALID", Message: "must be a positive integer"})
	}
	filters.Limit = min(limit, maxPageSize)

	offset, ok := queryInt(q.Get("offset"), 0)
	if !ok || offset < 0 {
		details = append(details, model.FieldError{Field: "offset", Code: "INVALID", Message: "must be a non-negative integer"})
	}
	filters.Offset = offset

	if len(details) > 0 {
		return workflow.ListFilters{}, model.NewValidationError(details)
	}
	return filters, nil
}

func queryInt(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// decodeJSON decodes a required JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return model.NewBadRequestError("request body is required")
	default:
		return bodyError(err)
	}
}

// decodeOptionalJSON is decodeJSON for bodies that may be omitted.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return bodyError(err)
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return model.NewBadRequestError("invalid JSON body")
}
