package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError names one parameter that failed validation.
type FieldError struct {
	Param  string `json:"param"`
	Reason string `json:"reason"`
}

// ValidationError is returned when arguments do not match a tool's schema.
type ValidationError struct {
	Tool   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Param, f.Reason))
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Validate checks args against the descriptor's parameter schema. A nil map
// is treated as no arguments.
func (r *Registry) Validate(d ToolDescriptor, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	schema, ok := r.schemas[d.Name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownTool, d.Service, d.Name)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		// Arguments that cannot be encoded at all.
		return &ValidationError{
			Tool:   d.Name,
			Fields: []FieldError{{Param: "(arguments)", Reason: err.Error()}},
		}
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Tool: d.Name}
	for _, re := range result.Errors() {
		verr.Fields = append(verr.Fields, FieldError{
			Param:  fieldName(re, d.Params),
			Reason: re.Description(),
		})
	}
	return verr
}

// fieldName maps a gojsonschema error to the parameter it concerns. Errors
// for missing or unexpected properties are reported against the root
// object, with the property name in the details.
func fieldName(re gojsonschema.ResultError, params map[string]ParamSpec) string {
	field := re.Field()
	if field != "(root)" && field != "" {
		return field
	}
	if prop, ok := re.Details()["property"].(string); ok && prop != "" {
		return prop
	}
	if len(params) > 0 {
		return "(" + paramNames(params) + ")"
	}
	return "(arguments)"
}
