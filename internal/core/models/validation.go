// SPDX-License-Identifier: Apache-2.0

package models

import "fmt"

// ValidationIssue is a single validation error or warning.
type ValidationIssue struct {
	Code     string   `json:"code" yaml:"code"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
	// Field optionally names the step, parameter or property at fault.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

func (i ValidationIssue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("[%s] %s (%s)", i.Code, i.Message, i.Field)
	}
	return fmt.Sprintf("[%s] %s", i.Code, i.Message)
}

// ValidationResult is the structured outcome of a validation.
type ValidationResult struct {
	IsValid       bool                   `json:"is_valid" yaml:"is_valid"`
	Errors        []ValidationIssue      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings      []ValidationIssue      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// NewValidationResult returns a passing result with no entries.
func NewValidationResult() ValidationResult {
	return ValidationResult{IsValid: true}
}

// AddError records an error and marks the result invalid.
func (r *ValidationResult) AddError(code, message, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: message, Severity: SeverityHigh, Field: field})
}

// AddWarning records a warning. Warnings never affect IsValid.
func (r *ValidationResult) AddWarning(code, message, field string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: message, Severity: SeverityLow, Field: field})
}

// SetMetadata sets a metadata entry, allocating the map when needed.
func (r *ValidationResult) SetMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// ErrorMessages returns the error messages in order.
func (r ValidationResult) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return msgs
}

// Merge combines r with others into a new aggregate. The aggregate is valid
// only if every input is valid. Errors and warnings keep their first
// occurrence order and are deduplicated by (code, message); later metadata
// values win; the first non-empty correlation id is kept.
func (r ValidationResult) Merge(others ...ValidationResult) ValidationResult {
	return MergeValidationResults(append([]ValidationResult{r}, others...)...)
}

// MergeValidationResults merges any number of results. Merging zero results
// yields a passing result.
func MergeValidationResults(results ...ValidationResult) ValidationResult {
	merged := NewValidationResult()
	seenErrors := make(map[[2]string]bool)
	seenWarnings := make(map[[2]string]bool)

	for _, res := range results {
		merged.IsValid = merged.IsValid && res.IsValid
		for _, e := range res.Errors {
			key := [2]string{e.Code, e.Message}
			if seenErrors[key] {
				continue
			}
			seenErrors[key] = true
			merged.Errors = append(merged.Errors, e)
		}
		for _, w := range res.Warnings {
			key := [2]string{w.Code, w.Message}
			if seenWarnings[key] {
				continue
			}
			seenWarnings[key] = true
			merged.Warnings = append(merged.Warnings, w)
		}
		for k, v := range res.Metadata {
			merged.SetMetadata(k, v)
		}
		if merged.CorrelationID == "" {
			merged.CorrelationID = res.CorrelationID
		}
	}

	return merged
}
