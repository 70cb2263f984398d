// Package workflow holds the definition-side data model of the engine: the
// immutable graph of nodes a WorkflowInstance is an execution of. Runtime
// state (instances, node instances, leases, scope frames) lives in the
// engine package; this package only describes what can be submitted.
package workflow

import "fmt"

// ParamType is the set of types an input or output parameter may declare.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// InputParam describes one entry of a definition's input-parameter schema.
type InputParam struct {
	Name     string      `json:"name"`
	Type     ParamType   `json:"type"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// OutputParam describes one entry of a definition's output-parameter schema.
// Source is a template expression evaluated against the root scope once the
// instance reaches a terminal state.
type OutputParam struct {
	Name   string    `json:"name"`
	Type   ParamType `json:"type"`
	Source string    `json:"source"`
}

// DefinitionStatus is the lifecycle of a WorkflowDefinition artifact itself,
// distinct from any instance's status.
type DefinitionStatus string

const (
	StatusDraft    DefinitionStatus = "draft"
	StatusActive   DefinitionStatus = "active"
	StatusArchived DefinitionStatus = "archived"
)

// NodeType discriminates the six node variants of §3/§4.5.
type NodeType string

const (
	NodeTask        NodeType = "task"
	NodeBranch      NodeType = "branch"
	NodeParallel    NodeType = "parallel"
	NodeLoopStatic  NodeType = "loop_static"
	NodeLoopDynamic NodeType = "loop_dynamic"
	NodeSubWorkflow NodeType = "sub_workflow"
)

// JoinType is the rule a Parallel node uses to decide it is done. A Dynamic
// Loop's JoinType is validated but not read: runLoopDynamic always waits for
// every element.
type JoinType string

const (
	JoinAll  JoinType = "all"
	JoinAny  JoinType = "any"
	JoinRace JoinType = "race"
)

// ErrorHandling controls whether a sibling failure cancels the remaining
// fan-out or lets it run to completion.
type ErrorHandling string

const (
	ErrorFailFast ErrorHandling = "fail-fast"
	ErrorContinue ErrorHandling = "continue"
)

// RetryPolicy configures the retry ladder described in §4.5: on failure, a
// node re-enters ready after baseDelay * backoffMultiplier^(attempt-1) *
// (1 +/- jitter) milliseconds, up to MaxAttempts total attempts.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BaseDelayMs       int     `json:"baseDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	JitterFraction    float64 `json:"jitterFraction"`
}

// BranchArm is one `when` clause of a Branch node.
type BranchArm struct {
	When      string   `json:"when"`
	NextNodes []string `json:"nextNodes"`
}

// Node is a tagged record; only the field set matching Type is populated.
// Task and container-variant fields are kept as plain pointers (rather than
// an interface{} union) so the definition round-trips through JSON without a
// custom Marshal/Unmarshal pair; parser.go decodes it with plain
// json.Unmarshal.
type Node struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Type      NodeType     `json:"type"`
	DependsOn []string     `json:"dependsOn,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
	TimeoutMs int          `json:"timeoutMs,omitempty"`

	Task        *TaskSpec        `json:"task,omitempty"`
	Branch      *BranchSpec      `json:"branch,omitempty"`
	Parallel    *ParallelSpec    `json:"parallel,omitempty"`
	LoopStatic  *LoopStaticSpec  `json:"loopStatic,omitempty"`
	LoopDynamic *LoopDynamicSpec `json:"loopDynamic,omitempty"`
	SubWorkflow *SubWorkflowSpec `json:"subWorkflow,omitempty"`
}

// TaskSpec is the Task node variant: a symbolic executor name plus a config
// literal that may embed `${...}` templates, resolved at dispatch time.
type TaskSpec struct {
	Executor string                 `json:"executor"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// BranchSpec is the Branch node variant.
type BranchSpec struct {
	Arms []BranchArm `json:"arms"`
	Else []string    `json:"else,omitempty"`
}

// ParallelSpec is the Parallel node variant.
type ParallelSpec struct {
	Nodes          []Node        `json:"nodes"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty"`
	JoinType       JoinType      `json:"joinType"`
	ErrorHandling  ErrorHandling `json:"errorHandling"`
}

// LoopStaticSpec is the Loop/Static node variant.
type LoopStaticSpec struct {
	Iterations     int    `json:"iterations"`
	Nodes          []Node `json:"nodes"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
}

// LoopDynamicSpec is the Loop/Dynamic node variant.
type LoopDynamicSpec struct {
	SourceExpression string        `json:"sourceExpression"`
	TaskTemplate     *Node         `json:"taskTemplate"`
	MaxConcurrency   int           `json:"maxConcurrency,omitempty"`
	JoinType         JoinType      `json:"joinType"`
	ErrorHandling    ErrorHandling `json:"errorHandling"`
}

// SubWorkflowSpec is the SubWorkflow node variant.
type SubWorkflowSpec struct {
	DefinitionName    string                 `json:"definitionName"`
	DefinitionVersion string                 `json:"definitionVersion"`
	InputMapping      map[string]interface{} `json:"inputMapping,omitempty"`
}

// Definition is an immutable logical artifact identified by (Name, Version).
type Definition struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Nodes       []Node           `json:"nodes"`
	Inputs      []InputParam     `json:"inputs,omitempty"`
	Outputs     []OutputParam    `json:"outputs,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Category    string           `json:"category,omitempty"`
	Status      DefinitionStatus `json:"status"`
}

// Ref identifies a Definition by its primary key.
type Ref struct {
	Name    string
	Version string
}

func (r Ref) String() string { return fmt.Sprintf("%s@%s", r.Name, r.Version) }

// NodeByID returns the top-level node with the given id, or false.
func (d *Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
