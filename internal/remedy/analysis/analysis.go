// SPDX-License-Identifier: Apache-2.0

// Package analysis turns analyzer output into ErrorAnalysisResult values and
// keeps the error pattern history used to enrich risk assessment.
package analysis

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/core/schema"
)

// SchemaVersion is the analysis payload version accepted by ParseAnalysis.
const SchemaVersion = "v1"

//go:embed schemas/*.json
var schemaFS embed.FS

// Analyzer produces an analysis for an error.
type Analyzer interface {
	AnalyzeError(ctx context.Context, ec *models.ErrorContext) (*models.ErrorAnalysisResult, error)
}

type payload struct {
	SchemaVersion    string                 `json:"schema_version"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
	RootCause        string                 `json:"root_cause"`
	Category         string                 `json:"category,omitempty"`
	Confidence       float64                `json:"confidence"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ParseAnalysis validates an analyzer payload against the versioned schema
// and converts it. Malformed payloads are rejected as a whole.
func ParseAnalysis(data []byte) (*models.ErrorAnalysisResult, error) {
	schemaBytes, err := schemaFS.ReadFile("schemas/analysis-" + SchemaVersion + ".json")
	if err != nil {
		return nil, fmt.Errorf("error loading analysis schema: %w", err)
	}
	msgs, err := schema.ValidateJSON(schemaBytes, data)
	if err != nil {
		return nil, fmt.Errorf("invalid analysis payload: %w", err)
	}
	if len(msgs) > 0 {
		return nil, fmt.Errorf("invalid analysis payload:\n- %s", strings.Join(msgs, "\n- "))
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("error decoding analysis payload: %w", err)
	}
	return &models.ErrorAnalysisResult{
		CorrelationID:    p.CorrelationID,
		RootCause:        p.RootCause,
		Category:         p.Category,
		Confidence:       p.Confidence,
		SuggestedActions: p.SuggestedActions,
		Metadata:         p.Metadata,
	}, nil
}

// MarshalAnalysis encodes a result as a versioned payload.
func MarshalAnalysis(a *models.ErrorAnalysisResult) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: analysis", models.ErrNilArgument)
	}
	return json.MarshalIndent(payload{
		SchemaVersion:    SchemaVersion,
		CorrelationID:    a.CorrelationID,
		RootCause:        a.RootCause,
		Category:         a.Category,
		Confidence:       a.Confidence,
		SuggestedActions: a.SuggestedActions,
		Metadata:         a.Metadata,
	}, "", "  ")
}

// HistoryAnalyzer derives an analysis from the pattern history of the
// failing service: strategies that resolved the same error type before are
// suggested, ranked by how often they succeeded.
type HistoryAnalyzer struct {
	patterns *PatternStore
}

func NewHistoryAnalyzer(patterns *PatternStore) *HistoryAnalyzer {
	return &HistoryAnalyzer{patterns: patterns}
}

func (a *HistoryAnalyzer) AnalyzeError(ctx context.Context, ec *models.ErrorContext) (*models.ErrorAnalysisResult, error) {
	if ec == nil {
		return nil, fmt.Errorf("%w: error context", models.ErrNilArgument)
	}
	patterns, err := a.patterns.GetPatterns(ctx, ec.ServiceName)
	if err != nil {
		return nil, err
	}

	result := &models.ErrorAnalysisResult{
		CorrelationID: ec.CorrelationID,
		RootCause:     "unknown",
		Category:      "unclassified",
	}
	for _, p := range patterns {
		if p.ErrorType != ec.ErrorType {
			continue
		}
		result.RootCause = fmt.Sprintf("recurring %s in %s", p.ErrorType, p.ServiceName)
		result.Category = "recurring"
		// Confidence grows with history and levels off below 1.
		result.Confidence = float64(p.Occurrences) / float64(p.Occurrences+2)
		result.SuggestedActions = rankStrategies(p.SuccessfulStrategies)
		result.Metadata = map[string]interface{}{"occurrences": p.Occurrences, "pattern_id": p.ID}
		break
	}
	return result, nil
}

// rankStrategies orders strategy names by frequency, then first appearance.
func rankStrategies(names []string) []string {
	counts := make(map[string]int)
	var order []string
	for _, n := range names {
		if counts[n] == 0 {
			order = append(order, n)
		}
		counts[n]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	return order
}
