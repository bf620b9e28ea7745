package models

import "time"

// ReviewAction is the quality gate's verdict on a completed step.
type ReviewAction string

const (
	// ReviewAccept lets the step result stand.
	ReviewAccept ReviewAction = "accept"
	// ReviewRetry asks the executor to re-run the step.
	ReviewRetry ReviewAction = "retry"
	// ReviewAcceptWithWarning accepts a below-threshold result after the
	// retry budget is exhausted. The gate never blocks a job outright.
	ReviewAcceptWithWarning ReviewAction = "accept_with_warning"
)

// AdjustmentType classifies a reviewer directive against the remaining plan.
type AdjustmentType string

const (
	AdjustAddStep    AdjustmentType = "add_step"
	AdjustModifyStep AdjustmentType = "modify_step"
	AdjustRemoveStep AdjustmentType = "remove_step"
)

// Adjustment is one reviewer directive to reshape the rest of the plan.
type Adjustment struct {
	Type    AdjustmentType `json:"type"`
	StepID  string         `json:"step_id"`
	Details map[string]any `json:"details,omitempty"`
}

// ReviewResult is the outcome of one quality-gate pass over a step result.
type ReviewResult struct {
	StepID      string       `json:"step_id"`
	Score       float64      `json:"quality_score"` // 1-10
	Action      ReviewAction `json:"action"`
	Reason      string       `json:"reason,omitempty"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
	Attempt     int          `json:"attempt"` // 1 = first review of the step
	ReviewedAt  time.Time    `json:"reviewed_at,omitzero"`
}

// QualityLevel buckets a 1-10 score into coarse bands.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "excellent"
	QualityGood       QualityLevel = "good"
	QualityAcceptable QualityLevel = "acceptable"
	QualityPoor       QualityLevel = "poor"
	QualityFailed     QualityLevel = "failed"
)

// LevelForScore maps a score to its quality band.
func LevelForScore(score float64) QualityLevel {
	switch {
	case score >= 9:
		return QualityExcellent
	case score >= 7:
		return QualityGood
	case score >= 5:
		return QualityAcceptable
	case score >= 3:
		return QualityPoor
	default:
		return QualityFailed
	}
}

// QualityReport is a dimensional quality assessment of a single output.
type QualityReport struct {
	Score       float64            `json:"score"` // 1-10
	Level       QualityLevel       `json:"level"`
	Dimensions  map[string]float64 `json:"dimensions,omitempty"` // accuracy, completeness, relevance, clarity, structure, usefulness
	Issues      []string           `json:"issues,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Passed      bool               `json:"passed"`
}
