package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Compile validates a node mapping and computes its root and leaf sets.
//
// A node is a root if it declares no parents. A node is a leaf if no
// other node names it as a parent. Compile fails with a descriptive
// error for three construction-time problems: an empty node set, a
// parent name that doesn't exist, and a cycle (reported as the full
// path, e.g. "a → b → c → a").
func Compile[S any](nodes map[string]*NodeDescriptor[S]) (roots, leaves []string, err error) {
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("dag: DAG has no nodes")
	}

	for name, node := range nodes {
		for _, parent := range node.Parents {
			if _, ok := nodes[parent]; !ok {
				return nil, nil, fmt.Errorf("dag: node %q references unknown parent %q", name, parent)
			}
		}
	}

	leafSet := make(map[string]bool, len(nodes))
	for name := range nodes {
		leafSet[name] = true
	}

	visited := make(map[string]bool, len(nodes))

	var walk func(name string, path []string) error
	walk = func(name string, path []string) error {
		for _, p := range path {
			if p == name {
				cycle := append(append([]string{}, path...), name)
				return fmt.Errorf("dag: cycle detected: %s", strings.Join(cycle, " → "))
			}
		}
		if visited[name] {
			return nil
		}
		nextPath := make([]string, len(path)+1)
		copy(nextPath, path)
		nextPath[len(path)] = name

		for _, parent := range nodes[name].Parents {
			leafSet[parent] = false
			if err := walk(parent, nextPath); err != nil {
				return err
			}
		}
		visited[name] = true
		return nil
	}

	for name := range nodes {
		if err := walk(name, nil); err != nil {
			return nil, nil, err
		}
	}

	for name, node := range nodes {
		if len(node.Parents) == 0 {
			roots = append(roots, name)
		}
		if leafSet[name] {
			leaves = append(leaves, name)
		}
	}
	sort.Strings(roots)
	sort.Strings(leaves)
	return roots, leaves, nil
}
