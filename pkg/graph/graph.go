package graph

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// Graph is a dependency graph over artifact definitions.
type Graph struct {
	// names holds node names in declaration order.
	names []string

	// index maps a name to its declaration index.
	index map[string]int

	// defs maps a name to its definition.
	defs map[string]*artifact.Definition

	// dependents maps a name to the names that depend on it.
	dependents map[string][]string

	// dependencies maps a name to the declared names it depends on.
	dependencies map[string][]string

	// external lists referenced but undeclared names in first-reference order.
	external []string
}

// Result is the outcome of a topological sort.
type Result struct {
	// Order lists node names so that every dependency precedes its dependents.
	// It is partial when Complete is false.
	Order []string

	// External lists names referenced by nodes but not present in the graph.
	External []string

	// Complete is false when a cycle kept some nodes out of Order.
	Complete bool

	// Cycle is one dependency cycle found when Complete is false.
	Cycle []string
}

// Build constructs a graph from definitions in declaration order. A name
// declared twice keeps its first definition. Self references and duplicate
// edges are ignored.
func Build(defs []*artifact.Definition) *Graph {
	g := &Graph{
		index:        make(map[string]int, len(defs)),
		defs:         make(map[string]*artifact.Definition, len(defs)),
		dependents:   make(map[string][]string, len(defs)),
		dependencies: make(map[string][]string, len(defs)),
	}

	for _, def := range defs {
		if _, exists := g.index[def.Name]; exists {
			continue
		}
		g.index[def.Name] = len(g.names)
		g.names = append(g.names, def.Name)
		g.defs[def.Name] = def
	}

	seenExternal := make(map[string]bool)
	for _, name := range g.names {
		seen := make(map[string]bool)
		for _, dep := range g.defs[name].DependencyRefs {
			if dep == name || dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true

			if _, declared := g.index[dep]; !declared {
				if !seenExternal[dep] {
					seenExternal[dep] = true
					g.external = append(g.external, dep)
				}
				continue
			}

			g.dependents[dep] = append(g.dependents[dep], name)
			g.dependencies[name] = append(g.dependencies[name], dep)
		}
	}

	return g
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.names)
}

// Names returns node names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Definition returns the definition of a node.
func (g *Graph) Definition(name string) (*artifact.Definition, bool) {
	def, ok := g.defs[name]
	return def, ok
}

// Dependencies returns the declared names a node depends on.
func (g *Graph) Dependencies(name string) []string {
	return g.dependencies[name]
}

// External returns referenced but undeclared names.
func (g *Graph) External() []string {
	out := make([]string, len(g.external))
	copy(out, g.external)
	return out
}

// Sort runs Kahn's algorithm. Among nodes that are ready at the same time the
// one declared first is emitted first.
func (g *Graph) Sort() Result {
	inDegree := make(map[string]int, len(g.names))
	for _, name := range g.names {
		inDegree[name] = len(g.dependencies[name])
	}

	ready := &indexQueue{}
	for _, name := range g.names {
		if inDegree[name] == 0 {
			heap.Push(ready, g.index[name])
		}
	}

	order := make([]string, 0, len(g.names))
	for ready.Len() > 0 {
		name := g.names[heap.Pop(ready).(int)]
		order = append(order, name)

		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, g.index[dependent])
			}
		}
	}

	res := Result{
		Order:    order,
		External: g.External(),
		Complete: len(order) == len(g.names),
	}
	if !res.Complete {
		res.Cycle = g.findCycle(inDegree)
	}
	return res
}

// ResolveOrder returns the dependency order of the graph. When the graph has
// a cycle, degraded is true and the order is completed by completeOrder:
// every artifact still follows its dependencies except along the cycle.
func ResolveOrder(g *Graph) (res Result, degraded bool) {
	res = g.Sort()
	if res.Complete {
		return res, false
	}
	res.Order = g.completeOrder(res.Order)
	return res, true
}

// completeOrder extends a partial sort with the nodes it left out. The first
// declared ready node goes next; when none is ready, the first declared node
// on a cycle is emitted as if its dependencies were met.
func (g *Graph) completeOrder(partial []string) []string {
	done := make(map[string]bool, len(g.names))
	for _, name := range partial {
		done[name] = true
	}
	order := make([]string, 0, len(g.names))
	order = append(order, partial...)

	for len(order) < len(g.names) {
		next := g.firstRemaining(done, g.ready)
		if next == "" {
			next = g.firstRemaining(done, g.onCycle)
		}
		if next == "" {
			next = g.firstRemaining(done, func(string, map[string]bool) bool { return true })
		}
		done[next] = true
		order = append(order, next)
	}
	return order
}

func (g *Graph) firstRemaining(done map[string]bool, match func(string, map[string]bool) bool) string {
	for _, name := range g.names {
		if !done[name] && match(name, done) {
			return name
		}
	}
	return ""
}

func (g *Graph) ready(name string, done map[string]bool) bool {
	for _, dep := range g.dependencies[name] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// onCycle reports whether name can reach itself through nodes not yet done.
func (g *Graph) onCycle(name string, done map[string]bool) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), g.dependencies[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == name {
			return true
		}
		if done[n] || visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, g.dependencies[n]...)
	}
	return false
}

// findCycle walks the nodes the sort could not emit and returns the first
// cycle it meets.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		visited[name] = true
		onStack[name] = len(stack)
		stack = append(stack, name)

		for _, dep := range g.dependencies[name] {
			if pos, ok := onStack[dep]; ok {
				cycle = append(append([]string{}, stack[pos:]...), dep)
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, name)
		return false
	}

	for _, name := range g.names {
		if inDegree[name] > 0 && !visited[name] {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// Levels groups nodes by their depth: level 0 holds nodes without declared
// dependencies and every other node sits one level below its deepest
// dependency. Nodes on a cycle are omitted.
func (g *Graph) Levels() [][]string {
	res := g.Sort()
	depth := make(map[string]int, len(res.Order))
	maxDepth := -1

	for _, name := range res.Order {
		d := 0
		for _, dep := range g.dependencies[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range res.Order {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	for _, level := range levels {
		sort.SliceStable(level, func(i, j int) bool {
			return g.index[level[i]] < g.index[level[j]]
		})
	}
	return levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Artifacts {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	placed := make(map[string]bool, len(g.names))
	for level, names := range g.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			writeNode(&sb, "    ", g.defs[name])
			placed[name] = true
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.names {
		if !placed[name] {
			writeNode(&sb, "  ", g.defs[name])
		}
	}
	for _, name := range g.external {
		sb.WriteString(fmt.Sprintf("  %q [label=%q, style=dashed];\n", name, name+"\\n(external)"))
	}

	for _, name := range g.names {
		seen := make(map[string]bool)
		for _, dep := range g.defs[name].DependencyRefs {
			if dep == name || dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func writeNode(sb *strings.Builder, indent string, def *artifact.Definition) {
	sb.WriteString(fmt.Sprintf("%s%q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
		indent, def.Name, def.Name+"\\n"+string(def.Kind), kindColor(def.Kind)))
}

// FormatCycle renders a cycle path for log messages.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func kindColor(k artifact.Kind) string {
	switch k {
	case artifact.KindTable:
		return "lightblue"
	case artifact.KindView:
		return "lightyellow"
	case artifact.KindExtensionPoint, artifact.KindExtension:
		return "lightgreen"
	default:
		return "white"
	}
}

// indexQueue is a min-heap of declaration indexes.
type indexQueue []int

func (q indexQueue) Len() int           { return len(q) }
func (q indexQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q indexQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *indexQueue) Push(x any)        { *q = append(*q, x.(int)) }
func (q *indexQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
