// Package schema declares the versioned extraction schemas and their
// validation rules. Schemas are immutable after registry load so validation
// behavior is reproducible given only (candidate, schema_version).
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// FieldType enumerates the value types a schema field may declare.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInteger    FieldType = "integer"
	TypeNumber     FieldType = "number"
	TypeBoolean    FieldType = "boolean"
	TypeStringList FieldType = "string_list"
)

// FieldSpec declares one field of an extraction schema: its type, whether it
// is required, and the per-field validation rules.
type FieldSpec struct {
	Key         string    `yaml:"key" json:"key"`
	Type        FieldType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`

	// Numeric range rules (integer/number fields).
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Enum membership rule (string fields).
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Format rule: a regex the string value must match in full.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// MaxLength caps string length in runes. Zero means unlimited.
	MaxLength int `yaml:"max_length,omitempty" json:"max_length,omitempty"`

	// NotFutureYear requires an integer value to not exceed the current
	// calendar year. Used for founded_year-style fields whose upper bound
	// moves with the clock.
	NotFutureYear bool `yaml:"not_future_year,omitempty" json:"not_future_year,omitempty"`

	// patternRE is pre-compiled from Pattern at registry load.
	patternRE *regexp.Regexp
}

// PatternRE returns the pre-compiled format regex, or nil when the field
// declares no pattern.
func (f *FieldSpec) PatternRE() *regexp.Regexp {
	return f.patternRE
}

// Schema is a versioned declaration of the target structured shape.
// Immutable once published; looked up by Version().
type Schema struct {
	Name      string      `yaml:"name" json:"name"`
	Revision  int         `yaml:"revision" json:"revision"`
	Fields    []FieldSpec `yaml:"fields" json:"fields"`
	byKey     map[string]*FieldSpec
	required  []*FieldSpec
}

// Version returns the registry lookup key, e.g. "company_profile@v1".
func (s *Schema) Version() string {
	return fmt.Sprintf("%s@v%d", s.Name, s.Revision)
}

// ByKey returns the field spec for the given key, or nil if not declared.
func (s *Schema) ByKey(key string) *FieldSpec {
	return s.byKey[key]
}

// Required returns the required field specs in declaration order.
func (s *Schema) Required() []*FieldSpec {
	return s.required
}

// compile indexes the schema and pre-compiles validation regexes.
func (s *Schema) compile() error {
	if s.Name == "" {
		return eris.New("schema: missing name")
	}
	if s.Revision <= 0 {
		return eris.Errorf("schema %s: revision must be positive", s.Name)
	}
	s.byKey = make(map[string]*FieldSpec, len(s.Fields))
	s.required = nil
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Key == "" {
			return eris.Errorf("schema %s: field %d has empty key", s.Name, i)
		}
		if _, dup := s.byKey[f.Key]; dup {
			return eris.Errorf("schema %s: duplicate field key %q", s.Name, f.Key)
		}
		switch f.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeStringList:
		default:
			return eris.Errorf("schema %s: field %q has unknown type %q", s.Name, f.Key, f.Type)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile("^(?:" + f.Pattern + ")$")
			if err != nil {
				return eris.Wrapf(err, "schema %s: field %q pattern", s.Name, f.Key)
			}
			f.patternRE = re
		}
		s.byKey[f.Key] = f
		if f.Required {
			s.required = append(s.required, f)
		}
	}
	return nil
}

// PromptSpec renders a deterministic, human-readable description of the
// schema for inclusion in model prompts. Fields appear in declaration order.
func (s *Schema) PromptSpec() string {
	var b strings.Builder
	for _, f := range s.Fields {
		b.WriteString("- ")
		b.WriteString(f.Key)
		b.WriteString(" (")
		b.WriteString(string(f.Type))
		if f.Required {
			b.WriteString(", required")
		} else {
			b.WriteString(", optional")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		var rules []string
		if f.Min != nil {
			rules = append(rules, fmt.Sprintf("min %g", *f.Min))
		}
		if f.Max != nil {
			rules = append(rules, fmt.Sprintf("max %g", *f.Max))
		}
		if len(f.Enum) > 0 {
			rules = append(rules, "one of ["+strings.Join(f.Enum, ", ")+"]")
		}
		if f.Pattern != "" {
			rules = append(rules, "matching /"+f.Pattern+"/")
		}
		if f.MaxLength > 0 {
			rules = append(rules, fmt.Sprintf("at most %d characters", f.MaxLength))
		}
		if f.NotFutureYear {
			rules = append(rules, "not after the current year")
		}
		if len(rules) > 0 {
			b.WriteString(" [")
			b.WriteString(strings.Join(rules, "; "))
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ToolInputSchema renders the schema as JSON Schema properties for a forced
// tool-use declaration, plus the required key list. NotFutureYear has no
// static JSON Schema equivalent; the validation engine enforces it.
func (s *Schema) ToolInputSchema() (map[string]any, []string) {
	props := make(map[string]any, len(s.Fields))
	required := make([]string, 0, len(s.required))
	for i := range s.Fields {
		f := &s.Fields[i]
		prop := map[string]any{}
		switch f.Type {
		case TypeString:
			prop["type"] = "string"
			if f.MaxLength > 0 {
				prop["maxLength"] = f.MaxLength
			}
			if len(f.Enum) > 0 {
				prop["enum"] = f.Enum
			}
			if f.Pattern != "" {
				prop["pattern"] = f.Pattern
			}
		case TypeInteger, TypeNumber:
			prop["type"] = string(f.Type)
			if f.Min != nil {
				prop["minimum"] = *f.Min
			}
			if f.Max != nil {
				prop["maximum"] = *f.Max
			}
		case TypeBoolean:
			prop["type"] = "boolean"
		case TypeStringList:
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string"}
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[f.Key] = prop
		if f.Required {
			required = append(required, f.Key)
		}
	}
	return props, required
}

// Registry is an immutable collection of schemas indexed by version key.
type Registry struct {
	byVersion map[string]*Schema
}

// NewRegistry compiles and indexes the given schemas.
func NewRegistry(schemas []Schema) (*Registry, error) {
	r := &Registry{byVersion: make(map[string]*Schema, len(schemas))}
	for i := range schemas {
		s := &schemas[i]
		if err := s.compile(); err != nil {
			return nil, err
		}
		key := s.Version()
		if _, dup := r.byVersion[key]; dup {
			return nil, eris.Errorf("schema registry: duplicate version %q", key)
		}
		r.byVersion[key] = s
	}
	return r, nil
}

// Lookup returns the schema for a version key such as "company_profile@v1".
func (r *Registry) Lookup(version string) (*Schema, error) {
	s, ok := r.byVersion[version]
	if !ok {
		return nil, eris.Errorf("schema registry: unknown version %q", version)
	}
	return s, nil
}

// Versions returns all registered version keys, sorted.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.byVersion))
	for v := range r.byVersion {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
