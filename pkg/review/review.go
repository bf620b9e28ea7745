// Package review implements the quality gate: an LLM reviewer scoring each
// completed step and deciding whether the result stands, the step re-runs,
// or the remaining plan is adjusted. The gate degrades but never blocks; on
// any reviewer failure it accepts the result and says so.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"github.com/agenthive/hive/pkg/board"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

// Reviewed output is truncated before it enters the prompt.
const maxOutputChars = 2000

// ChatClient is the reviewer's slice of the provider client.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// Options configures a Gate.
type Options struct {
	Client ChatClient
	Config config.GateConfig
	Logger *slog.Logger
}

// Gate scores completed steps against their task description.
type Gate struct {
	client ChatClient
	cfg    config.GateConfig
	board  *board.Board
	logger *slog.Logger
	now    func() time.Time
}

// New creates a quality gate.
func New(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		client: opts.Client,
		cfg:    opts.Config,
		logger: logger.With("component", "gate"),
		now:    time.Now,
	}
}

// WithBoard returns a copy of the gate scoped to one job's board, letting
// the reviewer see that job's remaining steps. The receiver is unchanged,
// so one shared gate serves concurrent jobs.
func (g *Gate) WithBoard(b *board.Board) *Gate {
	scoped := *g
	scoped.board = b
	return &scoped
}

// verdict is the JSON shape the reviewer model is asked to produce.
type verdict struct {
	QualityScore float64             `json:"quality_score"`
	Action       string              `json:"action"`
	Reason       string              `json:"reason"`
	Adjustments  []models.Adjustment `json:"adjustments"`
}

// Review scores one successful step result. attempt counts reviews of the
// same step starting at 1. The returned error is always nil: every failure
// mode degrades to acceptance.
func (g *Gate) Review(ctx context.Context, task models.SubTask, result models.SubTaskResult, attempt int) (models.ReviewResult, error) {
	if !g.cfg.Enabled {
		return g.accept(task.ID, 10, "gate disabled", nil, attempt), nil
	}

	resp, err := g.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: g.buildPrompt(task, result)},
	}, llm.Options{
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		g.logger.Warn("Reviewer call failed, accepting result", "task_id", task.ID, "error", err)
		return g.accept(task.ID, 7.0, fmt.Sprintf("review failed, auto-accepted: %v", err), nil, attempt), nil
	}

	v, err := parseVerdict(resp.Content)
	if err != nil {
		g.logger.Warn("Reviewer output unparsable, accepting result", "task_id", task.ID, "error", err)
		return g.accept(task.ID, 7.0, fmt.Sprintf("review output unparsable, auto-accepted: %v", err), nil, attempt), nil
	}

	return g.decide(task.ID, v, attempt), nil
}

// decide maps the model verdict onto the gate's action space under the
// threshold and retry budget.
func (g *Gate) decide(stepID string, v verdict, attempt int) models.ReviewResult {
	passed := v.QualityScore >= g.cfg.Threshold && v.Action != "retry"

	review := models.ReviewResult{
		StepID:      stepID,
		Score:       v.QualityScore,
		Reason:      v.Reason,
		Adjustments: v.Adjustments,
		Attempt:     attempt,
		ReviewedAt:  g.now(),
	}
	switch {
	case passed:
		review.Action = models.ReviewAccept
	case attempt <= g.cfg.MaxRetryOnFailure:
		review.Action = models.ReviewRetry
	default:
		review.Action = models.ReviewAcceptWithWarning
		if review.Reason == "" {
			review.Reason = "retry budget exhausted"
		} else {
			review.Reason += " (retry budget exhausted)"
		}
	}

	g.logger.Info("Step reviewed",
		"step_id", stepID,
		"score", review.Score,
		"action", review.Action,
		"attempt", attempt,
		"adjustments", len(review.Adjustments))
	return review
}

func (g *Gate) accept(stepID string, score float64, reason string, adjustments []models.Adjustment, attempt int) models.ReviewResult {
	return models.ReviewResult{
		StepID:      stepID,
		Score:       score,
		Action:      models.ReviewAccept,
		Reason:      reason,
		Adjustments: adjustments,
		Attempt:     attempt,
		ReviewedAt:  g.now(),
	}
}

func (g *Gate) buildPrompt(task models.SubTask, result models.SubTaskResult) string {
	output := result.Output
	if len(output) > maxOutputChars {
		cut := maxOutputChars
		// Back up to a rune boundary so truncation never leaves a split
		// multibyte sequence in the prompt.
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut]
	}

	var b strings.Builder
	now := g.now()
	fmt.Fprintf(&b, "As the supervising reviewer, assess the completed step below and decide whether the remaining plan needs adjusting.\n\n")
	fmt.Fprintf(&b, "System time: %s. The current year is %d.\n\n", now.Format("2006-01-02"), now.Year())

	b.WriteString("## Completed step\n")
	fmt.Fprintf(&b, "- Task: %s\n", task.Content)
	fmt.Fprintf(&b, "- Role: %s\n", task.Role)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "- Expected output: %s\n", task.ExpectedOutput)
	}

	b.WriteString("\n## Step output\n")
	b.WriteString(output)

	if g.board != nil {
		var remaining []string
		for _, entry := range g.board.Snapshot() {
			if entry.Status == models.TaskPending || entry.Status == models.TaskWaiting {
				remaining = append(remaining, entry.Task.ID)
			}
		}
		fmt.Fprintf(&b, "\n\n## Remaining steps\n%s\n", strings.Join(remaining, ", "))
	}

	b.WriteString(`
## Assessment
1. Does the output meet the expectation in quality and coverage?
2. Is a follow-up search or verification step needed?
3. Do later steps need adjusting?

Respond with JSON only:
` + "```json" + `
{
  "quality_score": 1-10,
  "action": "continue|retry|add_step|skip_next",
  "reason": "assessment rationale",
  "adjustments": [
    {"type": "add_step|modify_step|remove_step", "step_id": "id", "details": {}}
  ]
}
` + "```")
	return b.String()
}

var fencedJSONRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// parseVerdict extracts the reviewer's JSON from the model output,
// repairing near-valid JSON before giving up.
func parseVerdict(content string) (verdict, error) {
	candidate := strings.TrimSpace(content)
	if m := fencedJSONRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	var v verdict
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return verdict{}, fmt.Errorf("parsing review verdict: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return verdict{}, fmt.Errorf("parsing repaired review verdict: %w", err)
		}
	}
	if v.QualityScore == 0 {
		v.QualityScore = 7.0
	}
	if v.Action == "" {
		v.Action = "continue"
	}
	return v, nil
}
