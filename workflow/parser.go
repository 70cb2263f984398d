package workflow

import (
	"encoding/json"
	"fmt"
)

// ParseDefinition decodes a submitted JSON document into a Definition and
// runs structural validation (unique node ids, resolvable dependsOn edges,
// variant-specific required fields). It does not check that the induced
// dependsOn graph is acyclic; callers that need the full DAG invariant call
// graph.ValidateDefinition separately, since that check needs to recurse
// into inline Parallel/Loop node lists which ParseDefinition only leaves
// intact.
func ParseDefinition(doc []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

// Validate checks the structural invariants of §3: node ids unique within a
// definition, every dependsOn edge resolvable, every node carrying the
// fields its variant requires.
func Validate(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow definition must have a name")
	}
	if def.Version == "" {
		return fmt.Errorf("workflow definition must have a version")
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow definition %q has no nodes", def.Name)
	}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id in definition %q", def.Name)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q in definition %q", n.ID, def.Name)
		}
		ids[n.ID] = true
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
		if err := validateVariant(&n); err != nil {
			return fmt.Errorf("node %q: %w", n.ID, err)
		}
	}

	for _, p := range def.Inputs {
		if !validParamType(p.Type) {
			return fmt.Errorf("input %q has unknown type %q", p.Name, p.Type)
		}
	}
	for _, o := range def.Outputs {
		if o.Source == "" {
			return fmt.Errorf("output %q has no source expression", o.Name)
		}
	}

	return nil
}

func validParamType(t ParamType) bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamObject, ParamArray:
		return true
	default:
		return false
	}
}

func validateVariant(n *Node) error {
	switch n.Type {
	case NodeTask:
		if n.Task == nil || n.Task.Executor == "" {
			return fmt.Errorf("task node requires task.executor")
		}
	case NodeBranch:
		if n.Branch == nil || len(n.Branch.Arms) == 0 {
			return fmt.Errorf("branch node requires at least one arm")
		}
	case NodeParallel:
		if n.Parallel == nil || len(n.Parallel.Nodes) == 0 {
			return fmt.Errorf("parallel node requires at least one inline node")
		}
		if !validJoinType(n.Parallel.JoinType) {
			return fmt.Errorf("parallel node has invalid joinType %q", n.Parallel.JoinType)
		}
		for i := range n.Parallel.Nodes {
			if err := validateVariant(&n.Parallel.Nodes[i]); err != nil {
				return fmt.Errorf("parallel child %q: %w", n.Parallel.Nodes[i].ID, err)
			}
		}
	case NodeLoopStatic:
		if n.LoopStatic == nil || n.LoopStatic.Iterations <= 0 {
			return fmt.Errorf("loop_static node requires iterations > 0")
		}
		for i := range n.LoopStatic.Nodes {
			if err := validateVariant(&n.LoopStatic.Nodes[i]); err != nil {
				return fmt.Errorf("loop child %q: %w", n.LoopStatic.Nodes[i].ID, err)
			}
		}
	case NodeLoopDynamic:
		if n.LoopDynamic == nil || n.LoopDynamic.SourceExpression == "" || n.LoopDynamic.TaskTemplate == nil {
			return fmt.Errorf("loop_dynamic node requires sourceExpression and taskTemplate")
		}
		if !validJoinType(n.LoopDynamic.JoinType) {
			return fmt.Errorf("loop_dynamic node has invalid joinType %q", n.LoopDynamic.JoinType)
		}
		if err := validateVariant(n.LoopDynamic.TaskTemplate); err != nil {
			return fmt.Errorf("taskTemplate: %w", err)
		}
	case NodeSubWorkflow:
		if n.SubWorkflow == nil || n.SubWorkflow.DefinitionName == "" {
			return fmt.Errorf("sub_workflow node requires subWorkflow.definitionName")
		}
	default:
		return fmt.Errorf("unsupported node type %q", n.Type)
	}
	return nil
}

func validJoinType(j JoinType) bool {
	switch j {
	case JoinAll, JoinAny, JoinRace:
		return true
	default:
		return false
	}
}
