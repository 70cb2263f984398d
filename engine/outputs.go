package engine

import "eve.evalgo.org/workflow"

// ComputeOutputs resolves every OutputParam.Source expression in def against
// scope's frame once an instance has reached a terminal state, producing the
// named output map a caller (the Submission API, or a parent workflow
// consuming this one as a SubWorkflow node) sees (§3, §4.5).
func ComputeOutputs(def *workflow.Definition, scope *Scope, frame int) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(def.Outputs))
	for _, o := range def.Outputs {
		val, err := Resolve(o.Source, scope, frame)
		if err != nil {
			return nil, err
		}
		out[o.Name] = val
	}
	return out, nil
}
