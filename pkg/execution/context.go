// Package execution holds the run-scoped state of a workflow execution:
// per-step results, resolved io payloads, and the bookkeeping the engine
// uses to compute the ready frontier. A context is created once per run,
// mutated by the engine, and serializable for checkpointing and resume.
package execution

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// UserContext carries the caller's identity through a run and into subflows
// when inherit_context is set.
type UserContext struct {
	UserID         string   `json:"user_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
}

// StepResult is the normalized outcome of one step invocation.
type StepResult struct {
	StepID          string            `json:"step_id"`
	Status          schema.StepStatus `json:"status"`
	OutputData      map[string]any    `json:"output_data,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	RetryCount      int               `json:"retry_count,omitempty"`
}

// ExecutionContext is the mutable state of one workflow run.
//
// The engine is the single writer during a run: workers hand their results
// back to the coordinating goroutine, which merges them at wave joins. The
// mutex exists so that observers (status queries, checkpointing) can read a
// live run safely, not to support concurrent writers.
type ExecutionContext struct {
	mu sync.RWMutex

	ExecutionID string
	Workflow    *schema.WorkflowDefinition
	Status      schema.ExecutionStatus
	Error       string

	InputData       map[string]any
	GlobalVariables map[string]any
	UserContext     *UserContext

	completed   map[string]bool
	failed      map[string]bool
	skipped     map[string]bool
	stepResults map[string]*StepResult
	stepIOData  map[string]map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewContext creates a pending context for one run of the given workflow.
func NewContext(wf *schema.WorkflowDefinition, input map[string]any, user *UserContext) *ExecutionContext {
	now := time.Now().UTC()
	globals := map[string]any{}
	if wf != nil {
		for k, v := range wf.GlobalVariables {
			globals[k] = v
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:     uuid.NewString(),
		Workflow:        wf,
		Status:          schema.ExecutionPending,
		InputData:       input,
		GlobalVariables: globals,
		UserContext:     user,
		completed:       map[string]bool{},
		failed:          map[string]bool{},
		skipped:         map[string]bool{},
		stepResults:     map[string]*StepResult{},
		stepIOData:      map[string]map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SetStatus transitions the run-level status.
func (c *ExecutionContext) SetStatus(status schema.ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
}

// SetError records a run-level error message alongside a failed status.
func (c *ExecutionContext) SetError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = schema.ExecutionFailed
	c.Error = msg
	c.UpdatedAt = time.Now().UTC()
}

// StoreResult merges one step's outcome into the context. Completed results
// also publish the step's output payload into the io data map consulted by
// downstream input mappings.
func (c *ExecutionContext) StoreResult(res *StepResult) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepResults[res.StepID] = res
	switch res.Status {
	case schema.StepCompleted:
		c.completed[res.StepID] = true
		delete(c.failed, res.StepID)
		if res.OutputData != nil {
			c.stepIOData[res.StepID] = res.OutputData
		} else {
			c.stepIOData[res.StepID] = map[string]any{}
		}
	case schema.StepFailed:
		c.failed[res.StepID] = true
	case schema.StepSkipped:
		c.skipped[res.StepID] = true
	}
	c.UpdatedAt = time.Now().UTC()
}

// Skip records a step as skipped (guard condition false, or upstream
// cancellation). Skipped steps satisfy their dependents' dependencies.
func (c *ExecutionContext) Skip(stepID, reason string) {
	c.StoreResult(&StepResult{
		StepID:       stepID,
		Status:       schema.StepSkipped,
		ErrorMessage: reason,
	})
}

// Result returns the recorded result for a step, or nil.
func (c *ExecutionContext) Result(stepID string) *StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepResults[stepID]
}

// StepIOData returns the published output payload of a step, or nil.
func (c *ExecutionContext) StepIOData(stepID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepIOData[stepID]
}

// SetStepIOData publishes a payload under a synthetic step ID. Used to seed
// subflow inputs and to deliver resume payloads for waiting steps.
func (c *ExecutionContext) SetStepIOData(stepID string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepIOData[stepID] = data
	c.UpdatedAt = time.Now().UTC()
}

// Completed reports whether the step finished successfully.
func (c *ExecutionContext) Completed(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed[stepID]
}

// Failed reports whether the step failed.
func (c *ExecutionContext) Failed(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed[stepID]
}

// CompletedSteps returns the sorted IDs of successfully finished steps.
func (c *ExecutionContext) CompletedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.completed)
}

// FailedSteps returns the sorted IDs of failed steps.
func (c *ExecutionContext) FailedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.failed)
}

// SkippedSteps returns the sorted IDs of skipped steps.
func (c *ExecutionContext) SkippedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.skipped)
}

// StepResults returns a snapshot of all recorded step results.
func (c *ExecutionContext) StepResults() map[string]*StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*StepResult, len(c.stepResults))
	for k, v := range c.stepResults {
		out[k] = v
	}
	return out
}

// AnyWaiting reports whether any step is suspended awaiting external
// resolution.
func (c *ExecutionContext) AnyWaiting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, res := range c.stepResults {
		if res.Status == schema.StepWaiting {
			return true
		}
	}
	return false
}

// WaitingSteps returns the sorted IDs of suspended steps.
func (c *ExecutionContext) WaitingSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, res := range c.stepResults {
		if res.Status == schema.StepWaiting {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CanExecute reports whether every dependency of the step has reached a
// terminal state. Failed dependencies count as satisfied: a critical
// failure aborts the run before dependents are considered, so a failed
// dependency seen here was non-critical and its dependents proceed with
// nil mapped inputs.
func (c *ExecutionContext) CanExecute(stepID string) bool {
	if c.Workflow == nil {
		return false
	}
	step := c.Workflow.Step(stepID)
	if step == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.depsSatisfiedLocked(step)
}

func (c *ExecutionContext) depsSatisfiedLocked(step *schema.StepDefinition) bool {
	for _, dep := range step.Dependencies {
		if !c.completed[dep] && !c.failed[dep] && !c.skipped[dep] {
			return false
		}
	}
	return true
}

// ReadySteps computes the current ready frontier: steps whose dependencies
// are all terminal and which have not been attempted yet. Deterministic
// order: ascending step_order, then step_id.
func (c *ExecutionContext) ReadySteps() []schema.StepDefinition {
	if c.Workflow == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ready []schema.StepDefinition
	for _, step := range c.Workflow.Steps {
		if _, attempted := c.stepResults[step.StepID]; attempted {
			continue
		}
		if c.depsSatisfiedLocked(&step) {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].StepOrder != ready[j].StepOrder {
			return ready[i].StepOrder < ready[j].StepOrder
		}
		return ready[i].StepID < ready[j].StepID
	})
	return ready
}

// ResolveInput materializes a step's input from its input_mapping. Each
// mapped value is a dotted path whose first segment names an upstream step;
// the rest walks into that step's published payload. Unresolved paths yield
// nil so executors can tolerate missing optional inputs. Literal values
// under config["input_data"] are merged last and win over mapped values.
func (c *ExecutionContext) ResolveInput(step *schema.StepDefinition) map[string]any {
	input := map[string]any{}
	if step == nil {
		return input
	}
	c.mu.RLock()
	for key, source := range step.InputMapping {
		input[key] = c.resolvePathLocked(source)
	}
	c.mu.RUnlock()

	if raw, ok := step.Config["input_data"]; ok {
		if literal, ok := raw.(map[string]any); ok {
			for k, v := range literal {
				input[k] = v
			}
		}
	}
	return input
}

// ResolvePath resolves a dotted path against step io data, falling back to
// global variables when the first segment names no step payload.
func (c *ExecutionContext) ResolvePath(path string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvePathLocked(path)
}

func (c *ExecutionContext) resolvePathLocked(path string) any {
	if path == "" {
		return nil
	}
	head, rest, hasRest := strings.Cut(path, ".")
	if data, ok := c.stepIOData[head]; ok {
		if !hasRest {
			return data
		}
		return walkPath(data, rest)
	}
	if v, ok := c.GlobalVariables[head]; ok {
		if !hasRest {
			return v
		}
		if m, ok := v.(map[string]any); ok {
			return walkPath(m, rest)
		}
	}
	return nil
}

// walkPath descends a dotted path through nested maps; any missing segment
// resolves to nil.
func walkPath(data map[string]any, path string) any {
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// Summary returns aggregate run progress for status reporting.
func (c *ExecutionContext) Summary() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	if c.Workflow != nil {
		total = len(c.Workflow.Steps)
	}
	waiting := 0
	for _, res := range c.stepResults {
		if res.Status == schema.StepWaiting {
			waiting++
		}
	}
	return map[string]any{
		"execution_id":    c.ExecutionID,
		"status":          string(c.Status),
		"total_steps":     total,
		"completed_steps": len(c.completed),
		"failed_steps":    len(c.failed),
		"skipped_steps":   len(c.skipped),
		"waiting_steps":   waiting,
	}
}

// contextDoc is the serialized form of an ExecutionContext.
type contextDoc struct {
	ExecutionID     string                     `json:"execution_id"`
	Workflow        *schema.WorkflowDefinition `json:"workflow,omitempty"`
	Status          schema.ExecutionStatus     `json:"status"`
	Error           string                     `json:"error,omitempty"`
	InputData       map[string]any             `json:"input_data,omitempty"`
	GlobalVariables map[string]any             `json:"global_variables,omitempty"`
	UserContext     *UserContext               `json:"user_context,omitempty"`
	CompletedSteps  []string                   `json:"completed_steps"`
	FailedSteps     []string                   `json:"failed_steps"`
	SkippedSteps    []string                   `json:"skipped_steps"`
	StepResults     map[string]*StepResult     `json:"step_results"`
	StepIOData      map[string]map[string]any  `json:"step_io_data"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// ToMap serializes the context to a plain map for checkpointing or
// cross-process handoff.
func (c *ExecutionContext) ToMap() (map[string]any, error) {
	c.mu.RLock()
	doc := contextDoc{
		ExecutionID:     c.ExecutionID,
		Workflow:        c.Workflow,
		Status:          c.Status,
		Error:           c.Error,
		InputData:       c.InputData,
		GlobalVariables: c.GlobalVariables,
		UserContext:     c.UserContext,
		CompletedSteps:  sortedKeys(c.completed),
		FailedSteps:     sortedKeys(c.failed),
		SkippedSteps:    sortedKeys(c.skipped),
		StepResults:     c.stepResults,
		StepIOData:      c.stepIOData,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "serialize execution context").WithCause(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "serialize execution context").WithCause(err)
	}
	return out, nil
}

// FromMap reconstructs a context previously produced by ToMap. The result
// preserves execution_id, status, step sets, results and io data, so a
// suspended run can be resumed in another process.
func FromMap(m map[string]any) (*ExecutionContext, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode execution context").WithCause(err)
	}
	var doc contextDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode execution context").WithCause(err)
	}
	if doc.ExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context has no execution_id")
	}

	c := &ExecutionContext{
		ExecutionID:     doc.ExecutionID,
		Workflow:        doc.Workflow,
		Status:          doc.Status,
		Error:           doc.Error,
		InputData:       doc.InputData,
		GlobalVariables: doc.GlobalVariables,
		UserContext:     doc.UserContext,
		completed:       map[string]bool{},
		failed:          map[string]bool{},
		skipped:         map[string]bool{},
		stepResults:     map[string]*StepResult{},
		stepIOData:      map[string]map[string]any{},
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if c.InputData == nil {
		c.InputData = map[string]any{}
	}
	if c.GlobalVariables == nil {
		c.GlobalVariables = map[string]any{}
	}
	for _, id := range doc.CompletedSteps {
		c.completed[id] = true
	}
	for _, id := range doc.FailedSteps {
		c.failed[id] = true
	}
	for _, id := range doc.SkippedSteps {
		c.skipped[id] = true
	}
	for id, res := range doc.StepResults {
		c.stepResults[id] = res
	}
	for id, data := range doc.StepIOData {
		c.stepIOData[id] = data
	}
	return c, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
