package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/mibody/internal/ir"
)

// NestingCycle is a set of definitions whose children instantiate each
// other, so activating any of them never bottoms out.
type NestingCycle struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// FindNestingCycles reports every cycle in the nesting graph of defs.
//
// A definition nests another when its child element id is the other's
// element id: the child is itself a multi-instance activity. A child that
// reuses its own body's element id is the body's inner activity, not
// nesting, and is ignored.
//
// Cycles are strongly connected components of the graph (Tarjan); results
// are ordered by their first element id.
func FindNestingCycles(defs []ir.MultiInstanceDefinition) []NestingCycle {
	graph := buildNestingGraph(defs)

	var cycles []NestingCycle
	for _, scc := range tarjanSCC(graph) {
		if len(scc) < 2 {
			continue
		}
		path := cyclePath(scc, graph)
		cycles = append(cycles, NestingCycle{
			Path:    path,
			Message: fmt.Sprintf("nested multi-instance cycle: %s", strings.Join(path, " -> ")),
		})
	}
	slices.SortFunc(cycles, func(a, b NestingCycle) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return cycles
}

// nestingGraph maps element id to the element ids it nests.
type nestingGraph map[string][]string

func buildNestingGraph(defs []ir.MultiInstanceDefinition) nestingGraph {
	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		ids[d.ElementID] = true
	}

	graph := make(nestingGraph, len(defs))
	for _, d := range defs {
		if graph[d.ElementID] == nil {
			graph[d.ElementID] = []string{}
		}
		if child := d.Child.ID; child != d.ElementID && ids[child] {
			graph[d.ElementID] = append(graph[d.ElementID], child)
		}
	}
	return graph
}

func tarjanSCC(graph nestingGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var connect func(string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	// Sorted for deterministic output.
	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			connect(n)
		}
	}
	return sccs
}

// cyclePath walks the SCC from its smallest id back to itself.
func cyclePath(scc []string, graph nestingGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := slices.Min(scc)

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		var next string
		for _, w := range graph[current] {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}
	return path
}
