package models

// Plan is the structured decomposition the planner returns for a job.
type Plan struct {
	RefinedTask   string        `json:"refined_task"`
	KeyObjectives []string      `json:"key_objectives,omitempty"`
	ExecutionFlow ExecutionFlow `json:"execution_flow"`
}

// ExecutionFlow holds the plan steps keyed by step id.
type ExecutionFlow struct {
	Steps map[string]PlanStep `json:"steps"`
}

// PlanStep is one node of the planned dependency graph.
type PlanStep struct {
	StepID         string   `json:"step_id"`
	StepNumber     int      `json:"step_number"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	AgentType      string   `json:"agent_type"`
	Dependencies   []string `json:"dependencies,omitempty"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
}

// StepCount returns the number of steps in the flow.
func (p Plan) StepCount() int {
	return len(p.ExecutionFlow.Steps)
}
