// Package aggregate assembles the terminal sub-task results of a job into
// one combined output. It validates results, detects and resolves duplicate
// and divergent results, flags planned sub-tasks that produced nothing, and
// integrates the survivors according to the requested output type.
package aggregate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agenthive/hive/pkg/models"
)

// Strategy selects how duplicate results for the same sub-task are resolved.
type Strategy string

const (
	// FirstWins keeps the earliest result.
	FirstWins Strategy = "first_wins"
	// LastWins keeps the latest result.
	LastWins Strategy = "last_wins"
	// MajorityVote keeps the first result whose success flag matches the
	// majority. Ties favor success.
	MajorityVote Strategy = "majority_vote"
	// Manual resolves nothing; the first result is kept as a placeholder.
	Manual Strategy = "manual"
)

// OutputType selects the integration shape of the combined output.
type OutputType string

const (
	// Report produces a single text body, preferring writer output.
	Report OutputType = "report"
	// Code groups code snippets by file path.
	Code OutputType = "code"
	// Composite buckets outputs by their self-declared output type.
	Composite OutputType = "composite"
)

// Conflict types recorded during detection.
const (
	ConflictDuplicate             = "duplicate"
	ConflictDuplicateInconsistent = "duplicate_inconsistent"
	ConflictOutputDivergence      = "output_divergence"
)

// Decomposition is the planned shape of the job the results belong to:
// the sub-tasks and their execution layers in dependency order.
type Decomposition struct {
	TaskID   string           `json:"task_id"`
	SubTasks []models.SubTask `json:"subtasks"`
	Layers   [][]string       `json:"layers"`
}

// Conflict records one detected inconsistency between results.
type Conflict struct {
	SubTaskIDs  []string `json:"subtask_ids"`
	Type        string   `json:"conflict_type"`
	Description string   `json:"description"`
	Resolution  string   `json:"resolution,omitempty"`
}

// ValidationError records one structural defect found in a result. Invalid
// results stay in the aggregation; the error is informational.
type ValidationError struct {
	SubTaskID string `json:"subtask_id"`
	Message   string `json:"message"`
}

// Summary is the count roll-up of an aggregation.
type Summary struct {
	Total              int     `json:"total_subtasks"`
	Completed          int     `json:"completed_subtasks"`
	Failed             int     `json:"failed_subtasks"`
	Missing            int     `json:"missing_subtasks"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
}

// OutputItem is one successful output annotated with its originating sub-task.
type OutputItem struct {
	SubTaskID   string `json:"subtask_id"`
	TaskContent string `json:"subtask_content"`
	Role        string `json:"role"`
	Output      string `json:"output"`
}

// LayerResult is one sub-task's outcome inside an execution layer.
type LayerResult struct {
	SubTaskID     string        `json:"subtask_id"`
	TaskContent   string        `json:"subtask_content"`
	Role          string        `json:"role"`
	Success       bool          `json:"success"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Layer groups the results of one execution wave.
type Layer struct {
	Layer   int           `json:"layer"`
	Results []LayerResult `json:"results"`
}

// Result is the final aggregation of a job. CombinedOutput is a string for
// Report, a map[string]string for Code, and a map[string][]OutputItem for
// Composite.
type Result struct {
	TaskID           string                 `json:"task_id"`
	Success          bool                   `json:"success"`
	CombinedOutput   any                    `json:"combined_output"`
	Summary          Summary                `json:"summary"`
	ExecutionLayers  []Layer                `json:"execution_layers"`
	Outputs          []OutputItem           `json:"outputs"`
	SubResults       []models.SubTaskResult `json:"sub_results"`
	Conflicts        []Conflict             `json:"conflicts,omitempty"`
	Missing          []string               `json:"missing_subtasks,omitempty"`
	ValidationErrors []ValidationError      `json:"validation_errors,omitempty"`
	AggregationTime  time.Duration          `json:"aggregation_time"`
}

// CombinedText returns the combined output when it is a report body, and ""
// for the structured Code and Composite shapes.
func (r Result) CombinedText() string {
	s, _ := r.CombinedOutput.(string)
	return s
}

// Aggregator turns a batch of sub-task results into a Result.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Aggregator.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger: logger.With("component", "aggregator"),
		now:    time.Now,
	}
}

// Aggregate validates, deduplicates, and integrates the results against the
// decomposition. Validation errors and unresolved conflicts never fail the
// aggregation; they are recorded on the Result.
func (a *Aggregator) Aggregate(results []models.SubTaskResult, dec Decomposition, strategy Strategy, outputType OutputType) Result {
	start := a.now()

	validationErrs := validate(results)
	conflicts := detectConflicts(results)
	resolved := resolveAndDeduplicate(results, conflicts, strategy)
	resolved = orderByDecomposition(resolved, dec)
	missing := missingSubTasks(resolved, dec)

	subtasks := make(map[string]models.SubTask, len(dec.SubTasks))
	for _, st := range dec.SubTasks {
		subtasks[st.ID] = st
	}

	outputs := successfulOutputs(resolved, subtasks)

	var combined any
	switch outputType {
	case Code:
		combined = integrateCode(outputs)
	case Composite:
		combined = integrateComposite(outputs)
	default:
		if len(dec.SubTasks) == 0 && len(resolved) == 0 {
			// An empty decomposition completes vacuously; there is
			// nothing to report and no placeholder to substitute.
			combined = ""
		} else {
			combined = combineReport(outputs)
		}
	}

	completed := 0
	for _, r := range resolved {
		if r.Success {
			completed++
		}
	}
	denominator := len(resolved)
	if denominator == 0 {
		denominator = 1
	}

	result := Result{
		TaskID:         dec.TaskID,
		Success:        len(missing) == 0 && completed == len(resolved),
		CombinedOutput: combined,
		Summary: Summary{
			Total:              len(dec.SubTasks),
			Completed:          completed,
			Failed:             len(resolved) - completed,
			Missing:            len(missing),
			SuccessRatePercent: float64(completed) / float64(denominator) * 100,
		},
		ExecutionLayers:  buildLayers(resolved, dec, missing, subtasks),
		Outputs:          outputs,
		SubResults:       resolved,
		Conflicts:        conflicts,
		Missing:          missing,
		ValidationErrors: validationErrs,
		AggregationTime:  a.now().Sub(start),
	}

	a.logger.Info("Results aggregated",
		"task_id", dec.TaskID,
		"results", len(resolved),
		"conflicts", len(conflicts),
		"missing", len(missing),
		"success", result.Success)
	return result
}

// validate checks each result for structural defects. Results are never
// dropped for failing validation.
func validate(results []models.SubTaskResult) []ValidationError {
	var errs []ValidationError
	add := func(id, msg string) {
		errs = append(errs, ValidationError{SubTaskID: id, Message: msg})
	}
	for _, r := range results {
		if r.SubTaskID == "" {
			add(r.SubTaskID, "result is missing its sub-task id")
		}
		if r.WorkerID == "" {
			add(r.SubTaskID, "result is missing its worker id")
		}
		if r.ExecutionTime < 0 {
			add(r.SubTaskID, "execution time is negative")
		}
		if r.Success && r.Output == "" {
			add(r.SubTaskID, "successful result has no output")
		}
		if !r.Success && r.Error == "" {
			add(r.SubTaskID, "failed result has no error message")
		}
	}
	return errs
}

// detectConflicts finds duplicate results per sub-task id and significant
// divergence between numeric outputs.
func detectConflicts(results []models.SubTaskResult) []Conflict {
	var conflicts []Conflict

	byID := make(map[string][]models.SubTaskResult)
	var order []string
	for _, r := range results {
		if _, seen := byID[r.SubTaskID]; !seen {
			order = append(order, r.SubTaskID)
		}
		byID[r.SubTaskID] = append(byID[r.SubTaskID], r)
	}

	for _, id := range order {
		group := byID[id]
		if len(group) < 2 {
			continue
		}
		consistent := true
		for _, r := range group[1:] {
			if r.Success != group[0].Success {
				consistent = false
				break
			}
		}
		if consistent {
			conflicts = append(conflicts, Conflict{
				SubTaskIDs:  []string{id},
				Type:        ConflictDuplicate,
				Description: fmt.Sprintf("sub-task %s has %d duplicate results", id, len(group)),
			})
		} else {
			conflicts = append(conflicts, Conflict{
				SubTaskIDs:  []string{id},
				Type:        ConflictDuplicateInconsistent,
				Description: fmt.Sprintf("sub-task %s has %d results with inconsistent success status", id, len(group)),
			})
		}
	}

	if c, ok := detectNumericDivergence(results); ok {
		conflicts = append(conflicts, c)
	}
	return conflicts
}

// detectNumericDivergence flags successful numeric outputs whose spread
// exceeds a 10x ratio. Only strictly positive values are compared.
func detectNumericDivergence(results []models.SubTaskResult) (Conflict, bool) {
	var ids []string
	var values []float64
	for _, r := range results {
		if !r.Success || r.Output == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Output), 64)
		if err != nil {
			continue
		}
		ids = append(ids, r.SubTaskID)
		values = append(values, v)
	}
	if len(values) < 2 {
		return Conflict{}, false
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min <= 0 || max <= 0 {
		return Conflict{}, false
	}
	ratio := max / min
	if ratio <= 10 {
		return Conflict{}, false
	}
	return Conflict{
		SubTaskIDs:  ids,
		Type:        ConflictOutputDivergence,
		Description: fmt.Sprintf("numeric outputs have significant divergence (ratio: %.2f)", ratio),
	}, true
}

// resolveAndDeduplicate collapses duplicate results per sub-task id using
// the given strategy, annotating the matching conflict with the resolution.
func resolveAndDeduplicate(results []models.SubTaskResult, conflicts []Conflict, strategy Strategy) []models.SubTaskResult {
	byID := make(map[string][]models.SubTaskResult)
	var order []string
	for _, r := range results {
		if _, seen := byID[r.SubTaskID]; !seen {
			order = append(order, r.SubTaskID)
		}
		byID[r.SubTaskID] = append(byID[r.SubTaskID], r)
	}

	resolved := make([]models.SubTaskResult, 0, len(order))
	for _, id := range order {
		group := byID[id]
		if len(group) == 1 {
			resolved = append(resolved, group[0])
			continue
		}
		conflict := duplicateConflictFor(conflicts, id)
		resolved = append(resolved, resolveGroup(group, strategy, conflict))
	}
	return resolved
}

func duplicateConflictFor(conflicts []Conflict, id string) *Conflict {
	for i := range conflicts {
		c := &conflicts[i]
		if c.Type != ConflictDuplicate && c.Type != ConflictDuplicateInconsistent {
			continue
		}
		for _, cid := range c.SubTaskIDs {
			if cid == id {
				return c
			}
		}
	}
	return nil
}

// resolveGroup picks one result from a duplicate group. Manual resolution
// keeps the first result as a placeholder without claiming a decision.
func resolveGroup(group []models.SubTaskResult, strategy Strategy, conflict *Conflict) models.SubTaskResult {
	setResolution := func(s string) {
		if conflict != nil {
			conflict.Resolution = s
		}
	}

	switch strategy {
	case LastWins:
		setResolution("selected last result")
		return group[len(group)-1]
	case MajorityVote:
		successes := 0
		for _, r := range group {
			if r.Success {
				successes++
			}
		}
		failures := len(group) - successes
		if successes >= failures {
			for _, r := range group {
				if r.Success {
					setResolution(fmt.Sprintf("majority vote: success (%d/%d)", successes, len(group)))
					return r
				}
			}
		}
		for _, r := range group {
			if !r.Success {
				setResolution(fmt.Sprintf("majority vote: failure (%d/%d)", failures, len(group)))
				return r
			}
		}
		return group[0]
	case Manual:
		setResolution("requires manual resolution")
		return group[0]
	default: // FirstWins
		setResolution("selected first result")
		return group[0]
	}
}

// orderByDecomposition sorts resolved results into planned execution order,
// so the combined output does not depend on result arrival order. Results
// for sub-tasks outside the decomposition sort last by id.
func orderByDecomposition(results []models.SubTaskResult, dec Decomposition) []models.SubTaskResult {
	position := make(map[string]int)
	idx := 0
	for _, layer := range dec.Layers {
		for _, id := range layer {
			if _, ok := position[id]; !ok {
				position[id] = idx
				idx++
			}
		}
	}
	for _, st := range dec.SubTasks {
		if _, ok := position[st.ID]; !ok {
			position[st.ID] = idx
			idx++
		}
	}

	ordered := make([]models.SubTaskResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, iKnown := position[ordered[i].SubTaskID]
		pj, jKnown := position[ordered[j].SubTaskID]
		switch {
		case iKnown && jKnown:
			return pi < pj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return ordered[i].SubTaskID < ordered[j].SubTaskID
		}
	})
	return ordered
}

// missingSubTasks lists planned sub-task ids with no result, in plan order.
func missingSubTasks(results []models.SubTaskResult, dec Decomposition) []string {
	have := make(map[string]bool, len(results))
	for _, r := range results {
		have[r.SubTaskID] = true
	}
	var missing []string
	for _, st := range dec.SubTasks {
		if !have[st.ID] {
			missing = append(missing, st.ID)
		}
	}
	return missing
}

func successfulOutputs(results []models.SubTaskResult, subtasks map[string]models.SubTask) []OutputItem {
	var outputs []OutputItem
	for _, r := range results {
		if !r.Success || r.Output == "" {
			continue
		}
		content, role := "Unknown", "unknown"
		if st, ok := subtasks[r.SubTaskID]; ok {
			content, role = st.Content, st.Role
		}
		outputs = append(outputs, OutputItem{
			SubTaskID:   r.SubTaskID,
			TaskContent: content,
			Role:        role,
			Output:      r.Output,
		})
	}
	return outputs
}

func buildLayers(results []models.SubTaskResult, dec Decomposition, missing []string, subtasks map[string]models.SubTask) []Layer {
	resultMap := make(map[string]models.SubTaskResult, len(results))
	for _, r := range results {
		resultMap[r.SubTaskID] = r
	}
	missingSet := make(map[string]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}

	layers := make([]Layer, 0, len(dec.Layers))
	for i, layer := range dec.Layers {
		entries := make([]LayerResult, 0, len(layer))
		for _, id := range layer {
			content, role := "Unknown", "unknown"
			if st, ok := subtasks[id]; ok {
				content, role = st.Content, st.Role
			}
			if r, ok := resultMap[id]; ok {
				entries = append(entries, LayerResult{
					SubTaskID:     id,
					TaskContent:   content,
					Role:          role,
					Success:       r.Success,
					Output:        r.Output,
					Error:         r.Error,
					ExecutionTime: r.ExecutionTime,
				})
			} else if missingSet[id] {
				entries = append(entries, LayerResult{
					SubTaskID:   id,
					TaskContent: content,
					Role:        role,
					Success:     false,
					Error:       "MISSING: no result received for this sub-task",
				})
			}
		}
		layers = append(layers, Layer{Layer: i, Results: entries})
	}
	return layers
}

// reportSupplementThreshold is the body length below which lower-layer
// outputs are appended to the report.
const reportSupplementThreshold = 3000

// combineReport builds the report body. Writer and summarizer output is the
// preferred body, analyst and researcher output the second choice, raw data
// roles the last resort. Short bodies are supplemented from the next layer
// down.
func combineReport(outputs []OutputItem) string {
	if len(outputs) == 0 {
		return "The task produced no usable output."
	}

	var writers, analysts, data []OutputItem
	for _, o := range outputs {
		if strings.TrimSpace(o.Output) == "" {
			continue
		}
		switch o.Role {
		case "writer", "summarizer":
			writers = append(writers, o)
		case "analyst", "researcher":
			analysts = append(analysts, o)
		default:
			data = append(data, o)
		}
	}

	join := func(items []OutputItem) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, it.Output)
		}
		return strings.Join(parts, "\n\n")
	}

	switch {
	case len(writers) > 0:
		// The longest writer output is usually the final synthesis.
		main := writers[0]
		for _, w := range writers[1:] {
			if len(w.Output) > len(main.Output) {
				main = w
			}
		}
		body := main.Output
		if len(body) < reportSupplementThreshold && len(analysts) > 0 {
			body += "\n\n---\n\n" + join(analysts)
		}
		return body
	case len(analysts) > 0:
		body := join(analysts)
		if len(body) < reportSupplementThreshold && len(data) > 0 {
			body += "\n\n---\n## Supplementary data\n\n" + join(data)
		}
		return body
	case len(data) > 0:
		return join(data)
	default:
		return "The task completed but produced no text output."
	}
}

// filePathMarkerRe matches "# file: path" and "// file: path" lines that
// coder output uses to label code blocks.
var filePathMarkerRe = regexp.MustCompile(`(?m)^[ \t]*(?:#|//)[ \t]*file:[ \t]*(\S+)[ \t]*\r?\n`)

// integrateCode groups code output by file path. Structured outputs carry a
// file_path field; plain text is scanned for file markers; everything else
// lands in the _unclassified bucket. Snippets for the same path are joined.
func integrateCode(outputs []OutputItem) map[string]string {
	groups := make(map[string][]string)
	var order []string
	addSnippet := func(path, snippet string) {
		if _, seen := groups[path]; !seen {
			order = append(order, path)
		}
		groups[path] = append(groups[path], snippet)
	}

	for _, o := range outputs {
		if structured, ok := parseStructuredOutput(o.Output); ok {
			path, _ := structured["file_path"].(string)
			content := structuredContent(structured)
			if path != "" {
				addSnippet(path, content)
			} else {
				addSnippet("_unclassified", content)
			}
			continue
		}

		extracted := extractFileBlocks(o.Output)
		if len(extracted) == 0 {
			addSnippet("_unclassified", o.Output)
			continue
		}
		for _, block := range extracted {
			addSnippet(block.path, block.code)
		}
	}

	merged := make(map[string]string, len(order))
	for _, path := range order {
		merged[path] = strings.Join(groups[path], "\n")
	}
	return merged
}

// integrateComposite buckets outputs by the output_type their structured
// payload declares, defaulting to report.
func integrateComposite(outputs []OutputItem) map[string][]OutputItem {
	groups := make(map[string][]OutputItem)
	for _, o := range outputs {
		outType := "report"
		if structured, ok := parseStructuredOutput(o.Output); ok {
			if t, tok := structured["output_type"].(string); tok && t != "" {
				outType = t
			}
		}
		groups[outType] = append(groups[outType], o)
	}
	return groups
}

// parseStructuredOutput decodes an output that is a JSON object. Workers
// return strings, so structured payloads arrive serialized.
func parseStructuredOutput(output string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, false
	}
	return m, true
}

func structuredContent(m map[string]any) string {
	if c, ok := m["content"].(string); ok {
		return c
	}
	if c, ok := m["output"].(string); ok {
		return c
	}
	return ""
}

type fileBlock struct {
	path string
	code string
}

// extractFileBlocks splits text on file path markers, attributing each
// span of code to the marker above it.
func extractFileBlocks(content string) []fileBlock {
	matches := filePathMarkerRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	var blocks []fileBlock
	for i, m := range matches {
		path := content[m[2]:m[3]]
		start := m[1]
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		code := strings.TrimSpace(content[start:end])
		if code == "" {
			continue
		}
		blocks = append(blocks, fileBlock{path: path, code: code})
	}
	return blocks
}

// LayersFrom computes execution layers from sub-task dependencies: layer 0
// holds tasks with no dependencies, each next layer the tasks unlocked by
// the previous ones. Ids within a layer are sorted. Dependencies on unknown
// ids are ignored, matching publish-time validation.
func LayersFrom(subtasks []models.SubTask) [][]string {
	known := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		known[st.ID] = true
	}

	remaining := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		var deps []string
		for _, d := range st.Dependencies {
			if known[d] && d != st.ID {
				deps = append(deps, d)
			}
		}
		remaining[st.ID] = deps
	}

	done := make(map[string]bool, len(subtasks))
	var layers [][]string
	for len(done) < len(remaining) {
		var layer []string
		for id, deps := range remaining {
			if done[id] {
				continue
			}
			ready := true
			for _, d := range deps {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Cycle among the leftovers; emit them as a final layer so
			// every planned id appears somewhere.
			for id := range remaining {
				if !done[id] {
					layer = append(layer, id)
				}
			}
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, id := range layer {
			done[id] = true
		}
	}
	return layers
}
