// Package recovery turns consistency-validation reports into prioritized
// repair plans and executes them with snapshot-backed rollback.
package recovery

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Validation rules recognized by strategy selection. Reports may carry
// other rule names; they fall through to the soft default.
const (
	RuleReferenceIntegrity   = "reference_integrity"
	RuleCircularReference    = "circular_reference"
	RuleTimestampConsistency = "timestamp_consistency"
	RuleDuplicateCheck       = "duplicate_check"
	RuleBusinessRule         = "business_rule"
)

// ValidationResult is one finding from an external consistency checker.
type ValidationResult struct {
	Rule        string         `json:"rule"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message,omitempty"`
	AutoFixable bool           `json:"auto_fixable"`
	EntityID    string         `json:"entity_id,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	Field       string         `json:"field,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Suggestion  string         `json:"suggestion,omitempty"`
}

// ValidationReport groups findings by severity.
type ValidationReport struct {
	Errors   []ValidationResult `json:"errors"`
	Warnings []ValidationResult `json:"warnings"`
	Info     []ValidationResult `json:"info"`
}

// All returns every finding, errors first.
func (r *ValidationReport) All() []ValidationResult {
	out := make([]ValidationResult, 0, len(r.Errors)+len(r.Warnings)+len(r.Info))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	out = append(out, r.Info...)
	return out
}

// reportSchema validates reports arriving from external checkers before
// they are trusted to drive repairs.
const reportSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"errors":   {"$ref": "#/definitions/results"},
		"warnings": {"$ref": "#/definitions/results"},
		"info":     {"$ref": "#/definitions/results"}
	},
	"additionalProperties": false,
	"definitions": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["rule", "severity"],
				"properties": {
					"rule":         {"type": "string", "minLength": 1},
					"severity":     {"enum": ["error", "warning", "info"]},
					"message":      {"type": "string"},
					"auto_fixable": {"type": "boolean"},
					"entity_id":    {"type": "string"},
					"entity_type":  {"type": "string"},
					"field":        {"type": "string"},
					"metadata":     {"type": "object"},
					"suggestion":   {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	}
}`

var compiledReportSchema = gojsonschema.NewStringLoader(reportSchema)

// ParseReport validates and decodes a JSON validation report.
func ParseReport(data []byte) (*ValidationReport, error) {
	result, err := gojsonschema.Validate(compiledReportSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("recovery.ParseReport: schema validation failed: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("recovery.ParseReport: invalid report: %s", result.Errors()[0])
	}

	var report ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("recovery.ParseReport: decode failed: %w", err)
	}
	return &report, nil
}
