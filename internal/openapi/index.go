// Package openapi loads the service's own OpenAPI document, indexes its
// operations by operationId and validates incoming requests against it.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/pitabwire/maintflow/model"
)

//go:embed api.yaml
var apiDocument []byte

// Document returns the raw embedded API document.
func Document() []byte {
	return apiDocument
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index is an in-memory index of the API's operations keyed by operationId,
// plus the router used to match requests to them.
type Index struct {
	doc        *openapi3.T
	router     routers.Router
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Index, error) {
	return LoadFromData(ctx, apiDocument)
}

// LoadFromData parses and validates an OpenAPI document.
func LoadFromData(ctx context.Context, data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}

	idx := &Index{
		doc:        doc,
		router:     router,
		operations: make(map[string]IndexedOperation),
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}

	return idx, nil
}

// Version returns the document's info.version.
func (idx *Index) Version() string {
	if idx.doc.Info == nil {
		return ""
	}
	return idx.doc.Info.Version
}

// GetOperation returns the indexed operation with the given ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns every operation ID, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks r's parameters and body against the matching
// operation. Requests that match no operation pass through untouched; the
// router answers those. The request body stays readable afterwards.
func (idx *Index) ValidateRequest(r *http.Request) error {
	route, pathParams, err := idx.router.FindRoute(r)
	if err != nil {
		return nil
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			// Authentication is enforced by the transport's own middleware.
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         true,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return toEnvelope(err)
	}
	return nil
}

// toEnvelope turns kin-openapi validation errors into a VALIDATION_ERROR
// envelope with one detail per problem.
func toEnvelope(err error) error {
	var details []model.FieldError
	collect(err, &details)
	if len(details) == 0 {
		details = append(details, model.FieldError{Code: "INVALID", Message: err.Error()})
	}
	return model.NewValidationError(details)
}

func collect(err error, details *[]model.FieldError) {
	// MultiError implements As over its members, so match it by type first.
	if multi, ok := err.(openapi3.MultiError); ok {
		for _, e := range multi {
			collect(e, details)
		}
		return
	}

	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		*details = append(*details, model.FieldError{Code: "INVALID", Message: err.Error()})
		return
	}

	if inner, ok := reqErr.Err.(openapi3.MultiError); ok {
		for _, e := range inner {
			*details = append(*details, fieldError(reqErr, e))
		}
		return
	}
	*details = append(*details, fieldError(reqErr, reqErr.Err))
}

func fieldError(reqErr *openapi3filter.RequestError, err error) model.FieldError {
	fe := model.FieldError{Code: "INVALID", Message: reqErr.Error()}
	switch {
	case reqErr.Parameter != nil:
		fe.Field = reqErr.Parameter.Name
	case reqErr.RequestBody != nil:
		fe.Field = "body"
	}

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			fe.Field = strings.Join(ptr, ".")
		}
		fe.Message = schemaErr.Reason
		if schemaErr.SchemaField == "required" {
			fe.Code = "REQUIRED"
		}
		return fe
	}
	if reqErr.Reason != "" {
		fe.Message = reqErr.Reason
	}
	return fe
}

// Middleware validates every request that matches a documented operation
// and answers with 422 when it does not conform. writeError renders the
// envelope.
func (idx *Index) Middleware(writeError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := idx.ValidateRequest(r); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
