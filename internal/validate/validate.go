// Package validate checks model candidates against a declared schema and
// collects every violation, so one repair round can address multiple
// defects at once. Pure: no I/O, no network calls.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/schema"
)

// RootField is the pseudo-field name used when raw output cannot be parsed.
const RootField = "<root>"

// Validate parses candidate.RawOutput and checks it against the schema.
// On parse failure it returns Invalid with a single <root> error. On parse
// success it checks every required field and every declared rule, collecting
// all violations rather than stopping at the first.
func Validate(candidate *model.ModelCandidate, s *schema.Schema) model.ValidationResult {
	parsed, ok := parseOutput(candidate.RawOutput)
	if !ok {
		return model.ValidationResult{
			Status: model.ValidationInvalid,
			Errors: []model.FieldError{{Field: RootField, Reason: "unparsable"}},
		}
	}
	candidate.Parsed = parsed

	var requiredErrs, optionalErrs []model.FieldError
	fields := make(map[string]any, len(s.Fields))

	for i := range s.Fields {
		f := &s.Fields[i]
		raw, present := parsed[f.Key]
		if !present || raw == nil {
			if f.Required {
				requiredErrs = append(requiredErrs, model.FieldError{
					Field:  f.Key,
					Reason: "required field missing",
				})
			}
			continue
		}

		value, fieldErrs := checkField(f, raw)
		if len(fieldErrs) > 0 {
			if f.Required {
				requiredErrs = append(requiredErrs, fieldErrs...)
			} else {
				optionalErrs = append(optionalErrs, fieldErrs...)
			}
			continue
		}
		fields[f.Key] = value
	}

	errs := append(requiredErrs, optionalErrs...)

	switch {
	case len(requiredErrs) > 0:
		return model.ValidationResult{Status: model.ValidationInvalid, Errors: errs}
	case len(optionalErrs) > 0:
		return model.ValidationResult{
			Status: model.ValidationPartiallyValid,
			Record: &model.CompanyRecord{SchemaVersion: s.Version(), Fields: fields},
			Errors: errs,
		}
	default:
		return model.ValidationResult{
			Status: model.ValidationValid,
			Record: &model.CompanyRecord{SchemaVersion: s.Version(), Fields: fields},
		}
	}
}

// checkField verifies type conformance and every declared rule for one
// field. Returns the coerced value and all violations found.
func checkField(f *schema.FieldSpec, raw any) (any, []model.FieldError) {
	var errs []model.FieldError
	fail := func(format string, args ...any) {
		errs = append(errs, model.FieldError{Field: f.Key, Reason: fmt.Sprintf(format, args...)})
	}

	switch f.Type {
	case schema.TypeString:
		str, ok := raw.(string)
		if !ok {
			fail("expected string, got %s", jsonTypeName(raw))
			return nil, errs
		}
		if strings.TrimSpace(str) == "" {
			fail("must not be blank")
			return nil, errs
		}
		if f.MaxLength > 0 && utf8.RuneCountInString(str) > f.MaxLength {
			fail("exceeds max length %d", f.MaxLength)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, str) {
			fail("%q is not one of [%s]", str, strings.Join(f.Enum, ", "))
		}
		if re := f.PatternRE(); re != nil && !re.MatchString(str) {
			fail("does not match required format")
		}
		return str, errs

	case schema.TypeInteger:
		n, ok := asNumber(raw)
		if !ok || n != math.Trunc(n) {
			fail("expected integer, got %s", jsonTypeName(raw))
			return nil, errs
		}
		checkRange(f, n, fail)
		if f.NotFutureYear && int(n) > time.Now().Year() {
			fail("year %d is in the future", int(n))
		}
		return int(n), errs

	case schema.TypeNumber:
		n, ok := asNumber(raw)
		if !ok {
			fail("expected number, got %s", jsonTypeName(raw))
			return nil, errs
		}
		checkRange(f, n, fail)
		return n, errs

	case schema.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			fail("expected boolean, got %s", jsonTypeName(raw))
			return nil, errs
		}
		return b, errs

	case schema.TypeStringList:
		list, ok := raw.([]any)
		if !ok {
			fail("expected list of strings, got %s", jsonTypeName(raw))
			return nil, errs
		}
		out := make([]string, 0, len(list))
		for i, item := range list {
			str, ok := item.(string)
			if !ok {
				fail("element %d: expected string, got %s", i, jsonTypeName(item))
				continue
			}
			out = append(out, str)
		}
		if len(errs) > 0 {
			return nil, errs
		}
		return out, errs
	}

	fail("unsupported field type %q", f.Type)
	return nil, errs
}

func checkRange(f *schema.FieldSpec, n float64, fail func(string, ...any)) {
	if f.Min != nil && n < *f.Min {
		fail("%g is below minimum %g", n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		fail("%g is above maximum %g", n, *f.Max)
	}
}

// parseOutput extracts the JSON object from model output, tolerating
// markdown code fences and surrounding prose.
func parseOutput(text string) (map[string]any, bool) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// cleanJSON strips markdown code fences and isolates the outermost JSON
// object in the text.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
