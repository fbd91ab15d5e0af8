// SPDX-License-Identifier: Apache-2.0

// Package strategy holds the versioned catalog of remediation strategies.
package strategy

import (
	"context"

	"github.com/kusari-oss/remedy/internal/core/models"
)

// Metadata describes a registered strategy.
type Metadata struct {
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version" yaml:"version"`
	Type        string                 `json:"type" yaml:"type"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    models.Priority        `json:"priority" yaml:"priority"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Labels      map[string][]string    `json:"labels,omitempty" yaml:"labels,omitempty"`
	Source      string                 `json:"source,omitempty" yaml:"source,omitempty"`
}

// Result is the outcome of running a strategy directly, outside of a plan.
type Result struct {
	Strategy string                            `json:"strategy"`
	Success  bool                              `json:"success"`
	Outputs  map[string]map[string]interface{} `json:"outputs,omitempty"`
	Error    string                            `json:"error,omitempty"`
}

// Strategy is a remediation policy proposing actions for a class of errors.
type Strategy interface {
	Metadata() Metadata

	// CanHandle reports whether the strategy applies to the error.
	CanHandle(ctx context.Context, ec *models.ErrorContext) (bool, error)

	// Priority orders applicable strategies; higher priorities contribute
	// earlier plan steps.
	Priority(ctx context.Context, ec *models.ErrorContext) (models.Priority, error)

	// Validate checks that the strategy can be applied to the error.
	Validate(ctx context.Context, ec *models.ErrorContext) (models.ValidationResult, error)

	// Steps proposes plan steps in declared order. Step names are unique
	// within the strategy and DependsOn refers to those names.
	Steps(ctx context.Context, ec *models.ErrorContext) ([]models.RemediationStep, error)

	// Execute runs the strategy's actions directly.
	Execute(ctx context.Context, ec *models.ErrorContext) (*Result, error)
}

// MatchesLabels reports whether labels satisfy every selector. A selector
// matches when the label category exists and shares at least one value.
func MatchesLabels(labels map[string][]string, selectors map[string][]string) bool {
	for key, wanted := range selectors {
		values, ok := labels[key]
		if !ok || !anyMatch(values, wanted) {
			return false
		}
	}
	return true
}

func anyMatch(values, wanted []string) bool {
	for _, w := range wanted {
		for _, v := range values {
			if v == w {
				return true
			}
		}
	}
	return false
}
