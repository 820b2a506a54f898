package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a named JSON Schema used for structured output.
type Schema struct {
	Name        string
	Description string

	raw      []byte
	def      map[string]any
	compiled *gojsonschema.Schema
}

// NewSchema compiles raw JSON Schema text.
func NewSchema(name, description string, raw []byte) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	var def map[string]any
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}
	return &Schema{Name: name, Description: description, raw: raw, def: def, compiled: compiled}, nil
}

// Definition returns the decoded schema document.
func (s *Schema) Definition() map[string]any { return s.def }

// Raw returns the schema text.
func (s *Schema) Raw() string { return string(s.raw) }

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every violation found in a document.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrSchemaMismatch }

// Validate checks doc against the schema. Invalid JSON and violations both
// unwrap to ErrSchemaMismatch.
func (s *Schema) Validate(doc []byte) error {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Errors: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
	}
	return verr
}
