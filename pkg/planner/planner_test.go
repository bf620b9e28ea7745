package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

type stubClient struct {
	content  string
	err      error
	lastMsgs []llm.Message
	lastOpts llm.Options
}

func (c *stubClient) Chat(_ context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	c.lastMsgs = messages
	c.lastOpts = opts
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content}, nil
}

func newPlanner(client ChatClient) *Planner {
	return New(Options{
		Client:       client,
		Config:       *config.DefaultPlannerConfig(),
		Roles:        config.NewRoleRegistry(config.BuiltinRoles()),
		FallbackRole: "researcher",
	})
}

const validPlanJSON = "```json\n" + `{
  "refined_task": "research and summarize topic X",
  "key_objectives": ["cover recent developments"],
  "execution_flow": {
    "steps": {
      "step_1": {
        "step_number": 1,
        "name": "Search",
        "description": "search for recent material on topic X",
        "agent_type": "searcher",
        "dependencies": [],
        "expected_output": "raw findings"
      },
      "step_2": {
        "step_number": 2,
        "name": "Write",
        "description": "write the summary",
        "agent_type": "writer",
        "dependencies": ["step_1"],
        "expected_output": "final summary"
      }
    }
  }
}` + "\n```"

func TestPlanParsesValidResponse(t *testing.T) {
	client := &stubClient{content: validPlanJSON}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "summarize topic X")
	require.NoError(t, err)

	assert.Equal(t, "research and summarize topic X", plan.RefinedTask)
	assert.Equal(t, []string{"cover recent developments"}, plan.KeyObjectives)
	require.Len(t, plan.ExecutionFlow.Steps, 2)

	step1 := plan.ExecutionFlow.Steps["step_1"]
	assert.Equal(t, "step_1", step1.StepID, "step id filled from the map key")
	assert.Equal(t, "searcher", step1.AgentType)

	step2 := plan.ExecutionFlow.Steps["step_2"]
	assert.Equal(t, []string{"step_1"}, step2.Dependencies)

	assert.Equal(t, "qwen3-max", client.lastOpts.Model)
	assert.InDelta(t, 0.2, client.lastOpts.Temperature, 0.001)
}

func TestPlanSubstitutesUnknownAgentType(t *testing.T) {
	client := &stubClient{content: `{
		"execution_flow": {"steps": {
			"step_1": {"step_number": 1, "name": "Dig", "description": "dig into it",
				"agent_type": "archaeologist", "dependencies": []}
		}}
	}`}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "dig")
	require.NoError(t, err)

	assert.Equal(t, "researcher", plan.ExecutionFlow.Steps["step_1"].AgentType)
}

func TestPlanDropsUnknownDependencies(t *testing.T) {
	client := &stubClient{content: `{
		"execution_flow": {"steps": {
			"step_1": {"step_number": 1, "name": "Search", "description": "search",
				"agent_type": "searcher", "dependencies": ["step_ghost", "step_1"]}
		}}
	}`}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "search")
	require.NoError(t, err)

	assert.Empty(t, plan.ExecutionFlow.Steps["step_1"].Dependencies,
		"unknown and self dependencies are dropped")
}

func TestPlanStripsThinkingTags(t *testing.T) {
	client := &stubClient{content: "[THINKING]let me plan this out...[/THINKING]\n" + validPlanJSON}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "summarize topic X")
	require.NoError(t, err)
	assert.Len(t, plan.ExecutionFlow.Steps, 2)
}

func TestPlanRepairsMalformedJSON(t *testing.T) {
	client := &stubClient{content: `{
		'execution_flow': {'steps': {
			'step_1': {'step_number': 1, 'name': 'Search', 'description': 'search',
				'agent_type': 'searcher', 'dependencies': [],}
		}}
	}`}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "search")
	require.NoError(t, err)
	assert.Len(t, plan.ExecutionFlow.Steps, 1)
}

func TestPlanFallsBackOnUnparsableResponse(t *testing.T) {
	client := &stubClient{content: "I would suggest starting with a literature review."}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "study the topic")
	require.NoError(t, err)

	assert.Equal(t, "study the topic", plan.RefinedTask)
	require.Len(t, plan.ExecutionFlow.Steps, 3)
	assert.Equal(t, "researcher", plan.ExecutionFlow.Steps["step_1"].AgentType)
	assert.Equal(t, "analyst", plan.ExecutionFlow.Steps["step_2"].AgentType)
	assert.Equal(t, "writer", plan.ExecutionFlow.Steps["step_3"].AgentType)
}

func TestPlanFallsBackOnEmptySteps(t *testing.T) {
	client := &stubClient{content: `{"execution_flow": {"steps": {}}}`}
	p := newPlanner(client)

	plan, err := p.Plan(context.Background(), "do something")
	require.NoError(t, err)
	assert.Len(t, plan.ExecutionFlow.Steps, 3, "schema rejects empty step maps")
}

func TestPlanRejectsTooManySteps(t *testing.T) {
	client := &stubClient{content: `{
		"execution_flow": {"steps": {
			"step_1": {"step_number": 1, "name": "a", "description": "a", "agent_type": "searcher"},
			"step_2": {"step_number": 2, "name": "b", "description": "b", "agent_type": "searcher"},
			"step_3": {"step_number": 3, "name": "c", "description": "c", "agent_type": "searcher"}
		}}
	}`}
	cfg := *config.DefaultPlannerConfig()
	cfg.MaxSteps = 2
	p := New(Options{
		Client:       client,
		Config:       cfg,
		Roles:        config.NewRoleRegistry(config.BuiltinRoles()),
		FallbackRole: "researcher",
	})

	_, err := p.Plan(context.Background(), "big task")
	assert.ErrorIs(t, err, ErrTooManySteps)
}

func TestPlanPropagatesTransportError(t *testing.T) {
	client := &stubClient{err: errors.New("connection reset")}
	p := newPlanner(client)

	_, err := p.Plan(context.Background(), "anything")
	assert.ErrorContains(t, err, "planning call failed")
}

func TestPromptContainsRoleCatalog(t *testing.T) {
	client := &stubClient{content: validPlanJSON}
	p := newPlanner(client)

	_, err := p.Plan(context.Background(), "summarize topic X")
	require.NoError(t, err)

	require.Len(t, client.lastMsgs, 1)
	prompt := client.lastMsgs[0].Content
	assert.Contains(t, prompt, "# Available agent roles")
	assert.Contains(t, prompt, "- searcher:")
	assert.Contains(t, prompt, "- writer:")
	assert.Contains(t, prompt, "summarize topic X")
	assert.Contains(t, prompt, `"execution_flow"`)
}

func TestWavePreviewDiamond(t *testing.T) {
	plan := models.Plan{ExecutionFlow: models.ExecutionFlow{Steps: map[string]models.PlanStep{
		"step_1": {StepID: "step_1", StepNumber: 1},
		"step_2": {StepID: "step_2", StepNumber: 2, Dependencies: []string{"step_1"}},
		"step_3": {StepID: "step_3", StepNumber: 3, Dependencies: []string{"step_1"}},
		"step_4": {StepID: "step_4", StepNumber: 4, Dependencies: []string{"step_2", "step_3"}},
	}}}

	waves := WavePreview(plan)

	require.Len(t, waves, 3)
	assert.Equal(t, []string{"step_1"}, waves[0])
	assert.Equal(t, []string{"step_2", "step_3"}, waves[1])
	assert.Equal(t, []string{"step_4"}, waves[2])
}

func TestWavePreviewToleratesCycle(t *testing.T) {
	plan := models.Plan{ExecutionFlow: models.ExecutionFlow{Steps: map[string]models.PlanStep{
		"step_1": {StepID: "step_1", StepNumber: 1, Dependencies: []string{"step_2"}},
		"step_2": {StepID: "step_2", StepNumber: 2, Dependencies: []string{"step_1"}},
	}}}

	waves := WavePreview(plan)

	require.Len(t, waves, 1)
	assert.ElementsMatch(t, []string{"step_1", "step_2"}, waves[0])
}
