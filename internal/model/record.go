package model

import "time"

// ValidationStatus classifies a validation outcome.
type ValidationStatus string

const (
	ValidationValid          ValidationStatus = "valid"
	ValidationInvalid        ValidationStatus = "invalid"
	ValidationPartiallyValid ValidationStatus = "partially_valid"
)

// FieldError describes one schema violation found during validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Reason
}

// ValidationResult is the outcome of validating one ModelCandidate.
// Record is non-nil only when Status is Valid or PartiallyValid.
type ValidationResult struct {
	Status ValidationStatus `json:"status"`
	Record *CompanyRecord   `json:"record,omitempty"`
	Errors []FieldError     `json:"errors,omitempty"`
}

// CompanyRecord is the final validated output conforming to its declared
// schema version. Immutable once returned.
type CompanyRecord struct {
	CompanyID     string         `json:"company_id"`
	SourceURL     string         `json:"source_url"`
	SchemaVersion string         `json:"schema_version"`
	Fields        map[string]any `json:"fields"`
	ExtractedAt   time.Time      `json:"extracted_at"`
}

// Field returns the value for key, or nil when absent.
func (r *CompanyRecord) Field(key string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[key]
}
