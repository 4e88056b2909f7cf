package definition

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/pitabwire/maintflow/model"
)

// Draft sources. Neither carries any trust: a generated draft is subject to
// exactly the same checks as a hand-authored one.
const (
	SourceManual    = "manual"
	SourceGenerated = "generated"
)

//go:embed schema/draft.schema.json
var draftSchemaJSON []byte

// DraftDecoder turns a raw JSON document submitted by an editor or a draft
// generator into a DRAFT definition. Fields it does not know about (layout
// coordinates, for example) are dropped.
type DraftDecoder struct {
	schema *gojsonschema.Schema
}

var fieldRules = validator.New(validator.WithRequiredStructEnabled())

// NewDraftDecoder compiles the embedded draft schema.
func NewDraftDecoder() (*DraftDecoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(draftSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile draft schema: %w", err)
	}
	return &DraftDecoder{schema: schema}, nil
}

// Decode checks raw against the draft schema, decodes it and validates the
// struct tags. Malformed JSON yields BAD_REQUEST; shape problems yield
// VALIDATION_ERROR with one detail per problem. Graph structure is not
// checked here; see Validate.
func (d *DraftDecoder) Decode(raw []byte) (*model.WorkflowDefinition, error) {
	if !json.Valid(raw) {
		return nil, model.NewBadRequestError("draft is not valid JSON")
	}

	// 1. Shape against the schema.
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("draft could not be read: %v", err))
	}
	if !result.Valid() {
		details := make([]model.FieldError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			details = append(details, model.FieldError{
				Field:   re.Field(),
				Code:    strings.ToUpper(re.Type()),
				Message: re.Description(),
			})
		}
		return nil, model.NewValidationError(details)
	}

	// 2. Decode.
	var def model.WorkflowDefinition
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&def); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("draft could not be decoded: %v", err))
	}

	// 3. Struct tags.
	if err := ValidateFields(&def); err != nil {
		return nil, err
	}

	// 4. Server-owned fields.
	def.Status = model.DefinitionStatusDraft
	if def.Source != SourceGenerated {
		def.Source = SourceManual
	}
	return &def, nil
}

// ValidateStruct runs the go-playground struct-tag rules over def.
func (d *DraftDecoder) ValidateStruct(def *model.WorkflowDefinition) error {
	return ValidateFields(def)
}

// ValidateFields checks the per-field rules carried in the definition's
// struct tags: required names and ids, length limits and non-negative SLA
// hours. Problems are reported as a VALIDATION_ERROR with one detail each.
func ValidateFields(def *model.WorkflowDefinition) error {
	err := fieldRules.Struct(def)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate fields: %w", err)
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Namespace(),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fe.Error(),
		})
	}
	return model.NewValidationError(details)
}
