package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/agenthive/hive/pkg/models"
)

// Sentinel errors for registry interaction.
var (
	// ErrToolNotFound indicates an invocation of an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Handler executes one tool call. Arguments arrive pre-validated against
// the tool's parameter schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes a callable tool: its contract toward the model and
// its execution policy toward the registry.
type Definition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON schema for the arguments object
	Handler          Handler
	Timeout          time.Duration
	RetryOnFailure   bool
}

// registeredTool pairs a definition with its compiled schema.
type registeredTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// RegistryOptions tunes the registry's global execution policy.
type RegistryOptions struct {
	// DefaultTimeout applies when a definition declares none.
	DefaultTimeout time.Duration

	// MaxRetries bounds attempts for tools with RetryOnFailure set.
	MaxRetries int

	// RateLimit caps tool dispatches per second across all callers.
	// Zero disables limiting.
	RateLimit rate.Limit

	// RateBurst is the limiter burst size.
	RateBurst int
}

// Registry holds the callable tools and the audit trail of every
// invocation. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	tools   map[string]*registeredTool
	history []models.ToolCallRecord

	defaultTimeout time.Duration
	maxRetries     int
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &Registry{
		tools:          make(map[string]*registeredTool),
		defaultTimeout: opts.DefaultTimeout,
		maxRetries:     opts.MaxRetries,
		limiter:        limiter,
		logger:         slog.Default().With("component", "tool_registry"),
	}
}

// Register adds a tool, compiling its parameter schema. The schema is
// validated here so a malformed registration fails fast instead of at the
// first invocation.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("registering tool: empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("registering tool %q: nil handler", def.Name)
	}

	schema, err := compileSchema(def.Name, def.ParametersSchema)
	if err != nil {
		return fmt.Errorf("registering tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	return nil
}

// Unregister removes a tool. Returns false when the name was unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// List returns all registered definitions, sorted by name.
func (r *Registry) List() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	return ok
}

// Invoke runs the named tool and returns the audit record. Handler and
// validation failures are captured in the record rather than propagated;
// the returned error is reserved for unknown tools and cancelled contexts.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, callerID string) (models.ToolCallRecord, error) {
	r.mu.Lock()
	tool, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return models.ToolCallRecord{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return models.ToolCallRecord{}, fmt.Errorf("waiting for tool rate limit: %w", err)
		}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	record := models.ToolCallRecord{
		ID:        uuid.NewString(),
		ToolName:  name,
		Arguments: string(argsJSON),
		CallerID:  callerID,
		StartedAt: time.Now(),
	}

	if err := tool.schema.Validate(normalizeArgs(args)); err != nil {
		record.Error = fmt.Sprintf("argument validation failed: %v", err)
		record.EndedAt = time.Now()
		r.appendRecord(record)
		return record, nil
	}

	timeout := tool.def.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	attempts := 1
	if tool.def.RetryOnFailure {
		attempts = r.maxRetries
	}

	var (
		result  any
		callErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, callErr = r.callWithTimeout(ctx, tool.def.Handler, args, timeout)
		if callErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			r.logger.Warn("Tool call failed, retrying",
				"tool", name,
				"caller_id", callerID,
				"attempt", attempt+1,
				"error", callErr)
		}
	}

	record.EndedAt = time.Now()
	if callErr != nil {
		record.Error = callErr.Error()
	} else {
		record.Success = true
		record.Result = marshalResult(result)
	}
	r.appendRecord(record)

	r.logger.Debug("Tool call completed",
		"tool", name,
		"caller_id", callerID,
		"success", record.Success,
		"duration", record.Duration())
	return record, nil
}

// callWithTimeout enforces the per-call timeout even when the handler
// ignores its context.
func (r *Registry) callWithTimeout(ctx context.Context, handler Handler, args map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(callCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout: tool call exceeded %s", timeout)
		}
		return nil, callCtx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// History returns the invocation records for one caller, or all records
// when callerID is empty. Records are returned in invocation order.
func (r *Registry) History(callerID string) []models.ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if callerID == "" {
		out := make([]models.ToolCallRecord, len(r.history))
		copy(out, r.history)
		return out
	}
	var out []models.ToolCallRecord
	for _, rec := range r.history {
		if rec.CallerID == callerID {
			out = append(out, rec)
		}
	}
	return out
}

// TotalCalls returns the number of invocations recorded so far.
func (r *Registry) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

func (r *Registry) appendRecord(rec models.ToolCallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
}

// compileSchema compiles a JSON schema document. An empty spec compiles to
// the permissive schema accepting any object.
func compileSchema(name, spec string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(spec) == "" {
		spec = `{"type":"object"}`
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec))
	if err != nil {
		return nil, fmt.Errorf("parsing parameter schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding parameter schema: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling parameter schema: %w", err)
	}
	return schema, nil
}

// normalizeArgs round-trips arguments through encoding/json so validation
// sees the same value shapes a decoded request body would have.
func normalizeArgs(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	normalized, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return args
	}
	return normalized
}

// marshalResult renders a handler result for the audit record. Strings
// pass through; everything else is JSON-encoded.
func marshalResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
