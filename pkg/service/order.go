package service

import (
	"sort"
)

// graphNode is the ordering view of a descriptor.
type graphNode struct {
	name     string
	deps     []string
	priority int
	seq      int
}

// ResolveStartupOrder returns the names of all autoStart services so that
// every service comes after its dependencies. Independent services are
// ordered by descending priority, then by registration order.
// A cycle anywhere in the declared dependencies is reported as ErrCyclicDependency.
func (s *Supervisor) ResolveStartupOrder() ([]string, error) {
	order, err := topologicalSort(s.graph())
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(order))
	for _, name := range order {
		if s.services[name].desc.AutoStart {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Supervisor) graph() map[string]graphNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph := make(map[string]graphNode, len(s.services))
	for name, e := range s.services {
		graph[name] = e.node()
	}
	return graph
}

func (e *entry) node() graphNode {
	return graphNode{
		name:     e.desc.Name,
		deps:     e.desc.Dependencies,
		priority: e.desc.Priority,
		seq:      e.seq,
	}
}

// topologicalSort orders every node of graph dependencies-first.
// Dependencies that are not in the graph are ignored here; starting a
// service with an unknown dependency fails at start time.
func topologicalSort(graph map[string]graphNode) ([]string, error) {
	if cycle := findCycle(graph, nil); cycle != nil {
		return nil, cyclicDependencyError(cycle)
	}

	// Kahn's algorithm over a ready set kept sorted by (priority desc, seq asc).
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for name, n := range graph {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range uniq(n.deps) {
			if _, exists := graph[dep]; !exists {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]graphNode, 0, len(graph))
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, graph[name])
		}
	}

	order := make([]string, 0, len(graph))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].priority != ready[j].priority {
				return ready[i].priority > ready[j].priority
			}
			return ready[i].seq < ready[j].seq
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.name)

		for _, dependent := range dependents[next.name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, graph[dependent])
			}
		}
	}

	return order, nil
}

// findCycle returns one dependency cycle reachable from roots as a path that
// starts and ends with the same name, or nil when there is none. A nil roots
// searches the whole graph.
func findCycle(graph map[string]graphNode, roots []string) []string {
	const (
		unvisited = iota
		inStack
		done
	)
	mark := make(map[string]int, len(graph))
	var stack []string
	var cycle []string

	names := roots
	if names == nil {
		// Visit in a stable order so the reported cycle is deterministic.
		names = make([]string, 0, len(graph))
		for name := range graph {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return graph[names[i]].seq < graph[names[j]].seq })
	}

	var visit func(name string) bool
	visit = func(name string) bool {
		switch mark[name] {
		case inStack:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == name {
					cycle = append(append([]string{}, stack[i:]...), name)
					return true
				}
			}
			return true
		case done:
			return false
		}

		mark[name] = inStack
		stack = append(stack, name)
		for _, dep := range graph[name].deps {
			if _, exists := graph[dep]; !exists {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		mark[name] = done
		return false
	}

	for _, name := range names {
		if mark[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

func uniq(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
