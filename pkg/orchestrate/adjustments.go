package orchestrate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenthive/hive/pkg/models"
)

// applyAdjustments reshapes the remaining plan per the reviewer directives.
// Each directive is applied best-effort against the board and recorded in
// the job's adjustment history; a failed directive never fails the job.
func (o *Orchestrator) applyAdjustments(job *Job, sourceID string, adjustments []models.Adjustment) {
	for _, adj := range adjustments {
		rec := AdjustmentRecord{
			Type:      adj.Type,
			StepID:    adj.StepID,
			SourceID:  sourceID,
			AppliedAt: time.Now(),
		}

		switch adj.Type {
		case models.AdjustAddStep:
			task := o.subTaskFromDetails(job, adj)
			if err := job.board.Publish([]models.SubTask{task}); err != nil {
				rec.Error = err.Error()
			} else {
				job.addSubTask(task)
				rec.StepID = task.ID
				rec.Applied = true
				rec.Detail = fmt.Sprintf("added step %s (%s)", task.ID, task.Role)
			}

		case models.AdjustModifyStep:
			content := stringDetail(adj.Details, "description", "content")
			expected := stringDetail(adj.Details, "expected_output")
			priority := intDetail(adj.Details, "priority", "step_number")
			if err := job.board.UpdateTask(adj.StepID, content, expected, priority); err != nil {
				rec.Error = err.Error()
			} else {
				rec.Applied = true
				rec.Detail = "modified step " + adj.StepID
			}

		case models.AdjustRemoveStep:
			unlocked, err := job.board.Remove(adj.StepID)
			if err != nil {
				rec.Error = err.Error()
			} else {
				job.removeSubTask(adj.StepID)
				rec.Applied = true
				rec.Detail = fmt.Sprintf("removed step %s, unlocked %d dependents", adj.StepID, len(unlocked))
			}

		default:
			rec.Error = fmt.Sprintf("unknown adjustment type %q", adj.Type)
		}

		if rec.Error != "" {
			o.logger.Warn("Adjustment not applied",
				"job_id", job.id, "type", adj.Type, "step_id", rec.StepID, "error", rec.Error)
		} else {
			o.logger.Info("Adjustment applied",
				"job_id", job.id, "type", adj.Type, "step_id", rec.StepID)
		}
		job.recordAdjustment(rec)
	}
}

// subTaskFromDetails builds the sub-task an add_step directive describes.
// Dependencies must name existing board entries; everything else falls back
// to sensible defaults.
func (o *Orchestrator) subTaskFromDetails(job *Job, adj models.Adjustment) models.SubTask {
	details := adj.Details

	id := adj.StepID
	if id == "" {
		id = stringDetail(details, "step_id")
	}
	if id == "" {
		id = "adj_" + uuid.NewString()[:8]
	}

	role := stringDetail(details, "agent_type", "role")
	if o.roles == nil || !o.roles.Has(role) {
		role = o.defaults.FallbackRole
	}

	content := stringDetail(details, "description", "content")
	name := stringDetail(details, "name")
	if content == "" {
		content = name
	}

	var deps []string
	for _, dep := range stringSliceDetail(details, "dependencies") {
		if dep == id {
			continue
		}
		if _, ok := job.board.Get(dep); ok {
			deps = append(deps, dep)
		}
	}

	return models.SubTask{
		ID:             id,
		ParentTaskID:   job.id,
		Name:           name,
		Content:        content,
		Role:           role,
		Dependencies:   deps,
		Priority:       intDetail(details, "priority", "step_number"),
		ExpectedOutput: stringDetail(details, "expected_output"),
	}
}

func stringDetail(details map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intDetail(details map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := details[key].(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return 0
}

func stringSliceDetail(details map[string]any, key string) []string {
	switch v := details[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
