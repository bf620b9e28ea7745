// Package planner turns a free-form task into a structured execution plan:
// a dependency graph of steps, each assigned to a role. The plan comes from
// an LLM call; the response is repaired, schema-validated, and normalized
// before anything downstream sees it.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

// ErrTooManySteps rejects plans larger than the configured step cap.
var ErrTooManySteps = errors.New("plan exceeds the maximum step count")

// ChatClient is the planner's slice of the provider client.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// Options configures a Planner.
type Options struct {
	Client ChatClient
	Config config.PlannerConfig

	// Roles supplies the catalog presented to the model and validates the
	// agent types the plan assigns.
	Roles *config.RoleRegistry

	// FallbackRole replaces unknown agent types in the plan.
	FallbackRole string

	Logger *slog.Logger
}

// Planner produces execution plans for submitted tasks.
type Planner struct {
	client   ChatClient
	cfg      config.PlannerConfig
	roles    *config.RoleRegistry
	fallback string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Planner.
func New(opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fallback := opts.FallbackRole
	if fallback == "" {
		fallback = "researcher"
	}
	return &Planner{
		client:   opts.Client,
		cfg:      opts.Config,
		roles:    opts.Roles,
		fallback: fallback,
		logger:   logger.With("component", "planner"),
		now:      time.Now,
	}
}

// Plan asks the model to decompose the task. Unparsable or schema-invalid
// responses degrade to a generic research-analyze-write plan rather than
// failing the job; transport errors and oversized plans are returned to the
// caller.
func (p *Planner) Plan(ctx context.Context, task string) (models.Plan, error) {
	resp, err := p.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: p.buildPrompt(task)},
	}, llm.Options{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return models.Plan{}, fmt.Errorf("planning call failed: %w", err)
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		p.logger.Warn("Plan response unusable, falling back to generic plan", "error", err)
		return p.fallbackPlan(task), nil
	}

	if p.cfg.MaxSteps > 0 && len(plan.ExecutionFlow.Steps) > p.cfg.MaxSteps {
		return models.Plan{}, fmt.Errorf("%w: %d > %d",
			ErrTooManySteps, len(plan.ExecutionFlow.Steps), p.cfg.MaxSteps)
	}

	p.normalize(&plan, task)
	p.logger.Info("Plan produced", "steps", len(plan.ExecutionFlow.Steps))
	return plan, nil
}

func (p *Planner) buildPrompt(task string) string {
	now := p.now()

	var b strings.Builder
	b.WriteString("You are the supervising planner of a multi-agent team. Decompose the task below into an executable plan.\n\n")
	fmt.Fprintf(&b, "System time: %s %s. The current year is %d. Treat this as the present; do not fall back to the time of your training data. If the task itself names a year, keep that year in the step descriptions.\n\n",
		now.Format("2006-01-02 15:04:05"), now.Weekday(), now.Year())

	b.WriteString("# Task\n")
	b.WriteString(task)
	b.WriteString("\n\n# Available agent roles\n")
	p.writeRoleCatalog(&b)

	b.WriteString(`
# Planning principles
1. Prefer parallelism: steps without data dependencies must not depend on each other.
2. Set a dependency only when a step needs the output of another step.
3. Search-type steps usually run in parallel; analysis and writing depend on them.
4. Every step is a concrete action with a concrete deliverable. Never emit planning, preparation, or task-rewriting steps; planning is already done.
5. Steps must stay strictly on the topic of the task. Name the concrete subjects involved instead of generic placeholders.
6. The final step is normally a writer or summarizer producing the complete deliverable from all prior outputs.
7. Dependencies must form a directed acyclic graph.

# Output format
Respond with JSON only, no other text:
` + "```json" + `
{
  "refined_task": "the task restated precisely",
  "key_objectives": ["objective 1", "objective 2"],
  "execution_flow": {
    "steps": {
      "step_1": {
        "step_id": "step_1",
        "step_number": 1,
        "name": "short step name",
        "description": "what to do, how, and what to produce",
        "agent_type": "one of the role keys above",
        "dependencies": [],
        "expected_output": "the concrete deliverable"
      }
    }
  }
}
` + "```")
	return b.String()
}

func (p *Planner) writeRoleCatalog(b *strings.Builder) {
	if p.roles == nil {
		return
	}
	for _, key := range p.roles.Keys() {
		role, err := p.roles.Get(key)
		if err != nil {
			continue
		}
		fmt.Fprintf(b, "- %s: %s", key, role.Description)
		if role.Model != "" {
			fmt.Fprintf(b, " (model: %s)", role.Model)
		}
		b.WriteString("\n")
	}
}

// normalize fills derived fields and removes references the engine cannot
// honor: step ids are taken from the map keys, unknown dependency ids are
// dropped, unknown agent types become the fallback role, and blank
// descriptions fall back to the step name.
func (p *Planner) normalize(plan *models.Plan, task string) {
	if plan.RefinedTask == "" {
		plan.RefinedTask = task
	}
	steps := plan.ExecutionFlow.Steps
	for id, step := range steps {
		step.StepID = id
		if step.Description == "" {
			step.Description = step.Name
		}
		if p.roles != nil && !p.roles.Has(step.AgentType) {
			p.logger.Warn("Unknown agent type in plan, substituting fallback",
				"step_id", id, "agent_type", step.AgentType, "fallback", p.fallback)
			step.AgentType = p.fallback
		}
		var deps []string
		for _, dep := range step.Dependencies {
			if _, ok := steps[dep]; ok && dep != id {
				deps = append(deps, dep)
			}
		}
		step.Dependencies = deps
		steps[id] = step
	}
}

// fallbackPlan is the generic three-step pipeline used when the model's
// response cannot be turned into a plan.
func (p *Planner) fallbackPlan(task string) models.Plan {
	return models.Plan{
		RefinedTask:   task,
		KeyObjectives: []string{"complete the task"},
		ExecutionFlow: models.ExecutionFlow{Steps: map[string]models.PlanStep{
			"step_1": {
				StepID:         "step_1",
				StepNumber:     1,
				Name:           "Research and collect information",
				Description:    "Research the task in depth and collect the key information: " + task,
				AgentType:      "researcher",
				ExpectedOutput: "detailed findings and key facts",
			},
			"step_2": {
				StepID:         "step_2",
				StepNumber:     2,
				Name:           "Analyze and structure",
				Description:    "Analyze the collected information, extract the key insights, and structure them",
				AgentType:      "analyst",
				Dependencies:   []string{"step_1"},
				ExpectedOutput: "structured analysis and key insights",
			},
			"step_3": {
				StepID:         "step_3",
				StepNumber:     3,
				Name:           "Write the final report",
				Description:    "Write the complete final report from the research and analysis",
				AgentType:      "writer",
				Dependencies:   []string{"step_2"},
				ExpectedOutput: "the complete report",
			},
		}},
	}
}

var thinkingTagRe = regexp.MustCompile(`(?is)\[THINKING\].*?\[/THINKING\]|\[/?THINKING\]`)

var fencedBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

const planSchemaJSON = `{
  "type": "object",
  "required": ["execution_flow"],
  "properties": {
    "refined_task": {"type": "string"},
    "key_objectives": {"type": "array", "items": {"type": "string"}},
    "execution_flow": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "steps": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": {
            "type": "object",
            "properties": {
              "step_id": {"type": "string"},
              "step_number": {"type": "integer"},
              "name": {"type": "string"},
              "description": {"type": "string"},
              "agent_type": {"type": "string"},
              "dependencies": {"type": "array", "items": {"type": "string"}},
              "expected_output": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var planSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("plan.json")
}

// parsePlan extracts, repairs, and schema-validates the plan JSON from the
// model output.
func parsePlan(content string) (models.Plan, error) {
	candidate := strings.TrimSpace(thinkingTagRe.ReplaceAllString(content, ""))
	if m := fencedBlockRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	if !json.Valid([]byte(candidate)) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return models.Plan{}, fmt.Errorf("repairing plan JSON: %w", err)
		}
		candidate = repaired
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return models.Plan{}, fmt.Errorf("decoding plan JSON: %w", err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return models.Plan{}, fmt.Errorf("plan does not match the expected shape: %w", err)
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(candidate), &plan); err != nil {
		return models.Plan{}, fmt.Errorf("unmarshaling plan: %w", err)
	}
	return plan, nil
}

// WavePreview computes the level-synchronous wave layout of a plan for
// display: wave 0 holds steps without dependencies, each following wave the
// steps unlocked by the previous ones. Steps within a wave sort by step
// number, then id. The runtime schedules event-driven and may complete
// waves differently; the preview is informational only.
func WavePreview(plan models.Plan) [][]string {
	steps := plan.ExecutionFlow.Steps
	done := make(map[string]bool, len(steps))
	var waves [][]string

	for len(done) < len(steps) {
		var wave []string
		for id, step := range steps {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range step.Dependencies {
				if _, known := steps[dep]; known && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			// Cycle among the leftovers; surface them in one final wave.
			for id := range steps {
				if !done[id] {
					wave = append(wave, id)
				}
			}
		}
		sort.Slice(wave, func(i, j int) bool {
			si, sj := steps[wave[i]], steps[wave[j]]
			if si.StepNumber != sj.StepNumber {
				return si.StepNumber < sj.StepNumber
			}
			return wave[i] < wave[j]
		})
		waves = append(waves, wave)
		for _, id := range wave {
			done[id] = true
		}
	}
	return waves
}
