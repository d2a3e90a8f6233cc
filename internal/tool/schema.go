package tool

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/runforge/runforge/internal/common/errors"
)

// Schema wraps a compiled JSON schema for tool parameter validation
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document for a tool's parameters.
// The name is used in schema resolution errors only.
func CompileSchema(name, schemaJSON string) (*Schema, error) {
	compiled, err := jsonschema.CompileString(name+".schema.json", schemaJSON)
	if err != nil {
		return nil, err
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks params against the schema, returning the first violated
// constraint as a VALIDATION_ERROR. Violations are not aggregated.
func (s *Schema) Validate(params map[string]interface{}) *apperrors.AppError {
	if params == nil {
		params = map[string]interface{}{}
	}
	// jsonschema validates generic values; maps decode as map[string]interface{}
	if err := s.compiled.Validate(toAny(params)); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			field, msg := firstViolation(verr)
			return apperrors.ValidationError(field, msg)
		}
		return apperrors.ValidationError("params", err.Error())
	}
	return nil
}

// firstViolation walks to the deepest first cause of a validation error
func firstViolation(err *jsonschema.ValidationError) (field, message string) {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	field = strings.TrimPrefix(err.InstanceLocation, "/")
	if field == "" {
		field = "params"
	}
	field = strings.ReplaceAll(field, "/", ".")
	return field, err.Message
}

// toAny converts typed param values into the generic shapes the validator expects
func toAny(params map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]interface{}:
		return toAny(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
