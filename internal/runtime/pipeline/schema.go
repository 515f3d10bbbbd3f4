package pipeline

import (
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

// Schema validates command data. Only properties the schema declares are
// validated and kept; everything else is reported as unknown.
type Schema struct {
	raw      *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// NewSchema resolves s. The schema must describe an object.
func NewSchema(s *jsonschema.Schema) (*Schema, error) {
	if s == nil {
		return nil, errspkg.ErrSchemaRequired
	}
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("schema type %q: must be object", s.Type)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Schema{raw: s, resolved: resolved}, nil
}

// MustSchema is NewSchema that panics on error, for package-level schemas.
func MustSchema(s *jsonschema.Schema) *Schema {
	schema, err := NewSchema(s)
	if err != nil {
		panic(err)
	}
	return schema
}

// SchemaFor infers a schema from the JSON shape of T.
func SchemaFor[T any]() (*Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema: %w", err)
	}
	return NewSchema(s)
}

// Properties lists the declared property names, sorted.
func (s *Schema) Properties() []string {
	names := make([]string, 0, len(s.raw.Properties))
	for name := range s.raw.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize splits data into declared and unknown fields, applies defaults to
// the declared ones and validates them.
func (s *Schema) Normalize(data Data) (Data, []string, error) {
	known := make(Data, len(data))
	var unknown []string
	for name, value := range data {
		if _, ok := s.raw.Properties[name]; ok {
			known[name] = value
			continue
		}
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)

	if err := s.resolved.ApplyDefaults(&known); err != nil {
		return nil, unknown, fmt.Errorf("apply defaults: %w", err)
	}
	if err := s.resolved.Validate(known); err != nil {
		return nil, unknown, err
	}
	return known, unknown, nil
}
