package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/definition"
	"github.com/pitabwire/maintflow/internal/events"
	"github.com/pitabwire/maintflow/internal/observability"
	"github.com/pitabwire/maintflow/model"
)

// draftView is returned after a draft is saved so editors can highlight
// structural problems without a second round trip.
type draftView struct {
	Definition *model.WorkflowDefinition `json:"definition"`
	Validation definition.Result         `json:"validation"`
}

// validationView is the response of the validate endpoint.
type validationView struct {
	Valid      bool                   `json:"valid"`
	Violations []definition.Violation `json:"violations"`
}

func newValidationView(res definition.Result) validationView {
	v := validationView{Valid: res.Valid(), Violations: res.Violations}
	if v.Violations == nil {
		v.Violations = []definition.Violation{}
	}
	return v
}

// readDraft reads the request body and runs it through the draft intake.
func readDraft(r *http.Request, drafts *definition.DraftDecoder) (*model.WorkflowDefinition, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	if len(raw) == 0 {
		return nil, model.NewBadRequestError("request body is required")
	}
	return drafts.Decode(raw)
}

func handleDefinitionValidate(drafts *definition.DraftDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := readDraft(r, drafts)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, newValidationView(definition.Validate(def)))
	}
}

func handleDefinitionCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		def, err := readDraft(r, deps.Drafts)
		if err != nil {
			deps.Metrics.RecordDefinitionLifecycle("create", "rejected")
			WriteError(w, err)
			return
		}

		saved, err := deps.Registry.CreateDraft(r.Context(), rctx.TenantID, rctx.SubjectID, def)
		if err != nil {
			deps.Metrics.RecordDefinitionLifecycle("create", "error")
			WriteError(w, err)
			return
		}
		deps.Metrics.RecordDefinitionLifecycle("create", "ok")
		observability.RequestLogger(r.Context(), deps.Logger).Info("definition draft created",
			zap.String("definition_id", saved.ID),
			zap.String("source", saved.Source),
		)
		WriteData(w, http.StatusCreated, draftView{Definition: saved, Validation: definition.Validate(saved)})
	}
}

func handleDefinitionUpdate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")

		def, err := readDraft(r, deps.Drafts)
		if err != nil {
			deps.Metrics.RecordDefinitionLifecycle("update", "rejected")
			WriteError(w, err)
			return
		}

		saved, err := deps.Registry.UpdateDraft(r.Context(), rctx.TenantID, definitionID, def)
		if err != nil {
			deps.Metrics.RecordDefinitionLifecycle("update", "error")
			WriteError(w, err)
			return
		}
		deps.Metrics.RecordDefinitionLifecycle("update", "ok")
		WriteData(w, http.StatusOK, draftView{Definition: saved, Validation: definition.Validate(saved)})
	}
}

func handleDefinitionGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")

		def, ok := registry.Get(rctx.TenantID, definitionID)
		if !ok {
			WriteNotFound(w, "definition "+definitionID+" not found")
			return
		}
		WriteData(w, http.StatusOK, def)
	}
}

func handleDefinitionList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		summaries := registry.List(rctx.TenantID, r.URL.Query().Get("status"))
		if summaries == nil {
			summaries = []model.DefinitionSummary{}
		}
		WriteData(w, http.StatusOK, summaries)
	}
}

func handleDefinitionActivate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")
		logger := observability.RequestLogger(r.Context(), deps.Logger)

		def, res, err := deps.Registry.Activate(r.Context(), rctx.TenantID, definitionID)
		if err != nil {
			if !res.Valid() {
				deps.Metrics.RecordViolations(res.Codes())
				logger.Info("definition activation refused",
					zap.String("definition_id", definitionID),
					zap.Strings("violations", res.Codes()),
				)
			}
			deps.Metrics.RecordDefinitionLifecycle("activate", "rejected")
			WriteError(w, err)
			return
		}

		deps.Metrics.RecordDefinitionLifecycle("activate", "ok")
		publishDefinitionEvent(r.Context(), deps, events.TypeDefinitionActivated, rctx, def)
		logger.Info("definition activated",
			zap.String("definition_id", def.ID),
			zap.Int("version", def.Version),
		)
		WriteData(w, http.StatusOK, def)
	}
}

func handleDefinitionArchive(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")

		def, err := deps.Registry.Archive(r.Context(), rctx.TenantID, definitionID)
		if err != nil {
			deps.Metrics.RecordDefinitionLifecycle("archive", "rejected")
			WriteError(w, err)
			return
		}

		deps.Metrics.RecordDefinitionLifecycle("archive", "ok")
		publishDefinitionEvent(r.Context(), deps, events.TypeDefinitionArchived, rctx, def)
		observability.RequestLogger(r.Context(), deps.Logger).Info("definition archived",
			zap.String("definition_id", def.ID),
		)
		WriteData(w, http.StatusOK, def)
	}
}

func publishDefinitionEvent(ctx context.Context, deps Dependencies, eventType string, rctx *model.RequestContext, def *model.WorkflowDefinition) {
	err := deps.Publisher.Publish(ctx, events.Event{
		Type:         eventType,
		TenantID:     def.TenantID,
		DefinitionID: def.ID,
		Status:       def.Status,
		ActorID:      rctx.SubjectID,
		Version:      def.Version,
		OccurredAt:   def.UpdatedAt,
	})
	deps.Metrics.RecordEventPublished(eventType, err)
	if err != nil {
		observability.RequestLogger(ctx, deps.Logger).Error("publish event",
			zap.String("event_type", eventType),
			zap.String("definition_id", def.ID),
			zap.Error(err),
		)
	}
}
