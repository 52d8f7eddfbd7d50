// Package schema holds the canonical typed record definitions shared by both
// input modalities (LLM-structured documents and the official filing XML).
package schema

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/declarante/irpf-cli/internal/model"
)

//go:embed schemas.yaml
var schemasYAML []byte

// FieldType enumerates the coercion rules a field can carry.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeMoney  FieldType = "money"
	TypeDate   FieldType = "date"
	TypePeriod FieldType = "period"
	TypeEnum   FieldType = "enum"
)

// Field is one field definition within a schema.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required"`
	NonNegative bool      `yaml:"non_negative"`
	Values      []string  `yaml:"values"`
}

// Schema is a versioned set of field definitions for one record kind.
type Schema struct {
	Kind    model.RecordKind
	Version string
	Fields  []Field `yaml:"fields"`
}

// Registry holds all schemas for the current version. Read-only after load.
type Registry struct {
	version string
	schemas map[model.RecordKind]*Schema
}

type registryFile struct {
	Version string                       `yaml:"version"`
	Kinds   map[model.RecordKind]*Schema `yaml:"kinds"`
}

// Load parses the embedded schema definitions.
func Load() (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(schemasYAML, &f); err != nil {
		return nil, eris.Wrap(err, "schema: parse definitions")
	}
	if f.Version == "" || len(f.Kinds) == 0 {
		return nil, eris.New("schema: empty definitions")
	}
	for kind, s := range f.Kinds {
		s.Kind = kind
		s.Version = f.Version
		if len(s.Fields) == 0 {
			return nil, eris.Errorf("schema: kind %s has no fields", kind)
		}
	}
	return &Registry{version: f.Version, schemas: f.Kinds}, nil
}

// MustLoad is Load for process startup paths where a broken embedded schema
// is unrecoverable.
func MustLoad() *Registry {
	r, err := Load()
	if err != nil {
		panic(err)
	}
	return r
}

// Version returns the loaded schema version.
func (r *Registry) Version() string { return r.version }

// Get returns the schema for kind.
func (r *Registry) Get(kind model.RecordKind) (*Schema, error) {
	s, ok := r.schemas[kind]
	if !ok {
		return nil, eris.Errorf("schema: unknown kind %q", kind)
	}
	return s, nil
}

// Validate checks candidate fields against the schema for kind and returns the
// canonical (coerced) field map plus any conformance failures. The canonical
// map is meaningful only when the error slice is empty. Deterministic and
// side-effect-free.
func (r *Registry) Validate(kind model.RecordKind, fields map[string]any) (map[string]any, model.ValidationErrors) {
	s, err := r.Get(kind)
	if err != nil {
		return nil, model.ValidationErrors{{
			Field:      "kind",
			Constraint: "unknown record kind",
			Expected:   knownKinds(r),
			Actual:     string(kind),
		}}
	}

	canonical := make(map[string]any, len(s.Fields))
	var errs model.ValidationErrors

	for _, f := range s.Fields {
		raw, present := fields[f.Name]
		if !present || raw == nil || isEmptyString(raw) {
			if f.Required {
				errs = append(errs, model.ValidationError{
					Field:      f.Name,
					Constraint: "required field missing",
					Expected:   string(f.Type),
				})
			}
			continue
		}

		val, verr := coerce(f, raw)
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		canonical[f.Name] = val
	}

	// Unknown fields are rejected rather than silently dropped: the model
	// hallucinating field names is exactly the failure the repair loop fixes.
	for name := range fields {
		if !s.hasField(name) {
			errs = append(errs, model.ValidationError{
				Field:      name,
				Constraint: "unknown field",
				Expected:   strings.Join(s.fieldNames(), ", "),
			})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return canonical, nil
}

func (s *Schema) hasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (s *Schema) fieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// PromptSpec renders the schema as a compact description for structuring
// prompts: one line per field with type, constraints and allowed values.
func (s *Schema) PromptSpec() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (schema v%s):\n", s.Kind, s.Version)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "  - %s: %s", f.Name, f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		if f.NonNegative {
			b.WriteString(", non-negative")
		}
		if len(f.Values) > 0 {
			fmt.Fprintf(&b, ", one of [%s]", strings.Join(f.Values, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func knownKinds(r *Registry) string {
	names := make([]string, 0, len(r.schemas))
	for _, k := range model.RecordKinds {
		if _, ok := r.schemas[k]; ok {
			names = append(names, string(k))
		}
	}
	return strings.Join(names, ", ")
}

func isEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
