package workflow

import "fmt"

// Edge is one dependsOn arrow, from a node to a node it depends on.
type Edge struct {
	From string
	To   string
}

// Flatten walks a definition's node tree, including nodes inlined under
// Parallel and Loop/Static variants and a Loop/Dynamic's taskTemplate, and
// returns every node id reached plus the dependsOn edges between them. This
// is the input to graph.ValidateDAG: the spec's DAG invariant ("the graph
// induced by dependsOn is a DAG") is checked over the whole reachable node
// set, not just the top-level list, since inline children can themselves
// declare dependsOn against top-level siblings (e.g. a loop body task
// depending on an earlier top-level node).
func Flatten(def *Definition) (ids []string, edges []Edge, err error) {
	seen := make(map[string]bool)
	var walk func(nodes []Node) error
	walk = func(nodes []Node) error {
		for i := range nodes {
			n := &nodes[i]
			if n.ID == "" {
				return fmt.Errorf("encountered node with empty id")
			}
			if seen[n.ID] {
				return fmt.Errorf("duplicate node id %q across nesting", n.ID)
			}
			seen[n.ID] = true
			ids = append(ids, n.ID)
			for _, dep := range n.DependsOn {
				edges = append(edges, Edge{From: n.ID, To: dep})
			}

			switch n.Type {
			case NodeParallel:
				if n.Parallel != nil {
					if err := walk(n.Parallel.Nodes); err != nil {
						return err
					}
				}
			case NodeLoopStatic:
				if n.LoopStatic != nil {
					if err := walk(n.LoopStatic.Nodes); err != nil {
						return err
					}
				}
			case NodeLoopDynamic:
				if n.LoopDynamic != nil && n.LoopDynamic.TaskTemplate != nil {
					if err := walk([]Node{*n.LoopDynamic.TaskTemplate}); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := walk(def.Nodes); err != nil {
		return nil, nil, err
	}
	return ids, edges, nil
}
