// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"strings"
)

// Severity is the severity of an error or of the consequences of an action.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	return s >= SeverityNone && s <= SeverityCritical
}

// ParseSeverity converts an external representation to a Severity.
// Besides the canonical names it accepts the aliases used by upstream
// analyzers ("info", "warning", "error", "fatal").
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SeverityNone, nil
	case "low", "info", "informational":
		return SeverityLow, nil
	case "medium", "moderate", "warning", "warn":
		return SeverityMedium, nil
	case "high", "error", "major":
		return SeverityHigh, nil
	case "critical", "fatal", "blocker":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ImpactScope is the blast radius of an action, ordered from narrowest to widest.
type ImpactScope int

const (
	ImpactNone ImpactScope = iota
	ImpactLocal
	ImpactModule
	ImpactService
	ImpactSystem
	ImpactGlobal
)

var impactNames = []string{"none", "local", "module", "service", "system", "global"}

func (i ImpactScope) String() string {
	if i < ImpactNone || i > ImpactGlobal {
		return fmt.Sprintf("impact(%d)", int(i))
	}
	return impactNames[i]
}

// Valid reports whether i is one of the defined impact scopes.
func (i ImpactScope) Valid() bool {
	return i >= ImpactNone && i <= ImpactGlobal
}

// ParseImpactScope converts an external representation to an ImpactScope.
func ParseImpactScope(s string) (ImpactScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ImpactNone, nil
	case "local", "process", "instance":
		return ImpactLocal, nil
	case "module", "component":
		return ImpactModule, nil
	case "service":
		return ImpactService, nil
	case "system", "cluster":
		return ImpactSystem, nil
	case "global":
		return ImpactGlobal, nil
	}
	return ImpactNone, fmt.Errorf("unknown impact scope %q", s)
}

func (i ImpactScope) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("invalid impact scope %d", int(i))
	}
	return []byte(i.String()), nil
}

func (i *ImpactScope) UnmarshalText(text []byte) error {
	parsed, err := ParseImpactScope(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// RiskLevel is the discrete risk score of an action, strategy or plan.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = []string{"none", "low", "medium", "high", "critical"}

func (r RiskLevel) String() string {
	if r < RiskNone || r > RiskCritical {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// Valid reports whether r is one of the defined risk levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskNone && r <= RiskCritical
}

// Raise returns the next higher risk level, saturating at RiskCritical.
func (r RiskLevel) Raise() RiskLevel {
	if r >= RiskCritical {
		return RiskCritical
	}
	return r + 1
}

// MaxRisk returns the highest of the given levels.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	max := RiskNone
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// ParseRiskLevel converts an external representation to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RiskNone, nil
	case "low":
		return RiskLow, nil
	case "medium", "moderate":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Priority orders strategies. Higher priorities contribute earlier plan steps.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts an external representation to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical", "urgent":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AnalysisStatus is the status of a risk or error analysis.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisInProgress AnalysisStatus = "in_progress"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// ActionType is the capability tag of an action. The action factory maps
// each tag to an implementation.
type ActionType string

const (
	ActionTypeCLI  ActionType = "cli"
	ActionTypeFile ActionType = "file"
	ActionTypeNoop ActionType = "noop"
)
