package engine

import (
	"github.com/lockhound/lockhound/internal/ir"
)

// =============================================================================
// Call Graph
//
// Arena-style interprocedural graph: functions and blocks get dense integer
// indices built once per module, and adjacency is an index slice per
// function. Traversals key their visited sets on these indices, so a cyclic
// or recursive call graph costs bounded memory and always terminates.
// =============================================================================

// CallGraph is the module's interprocedural graph. It is immutable after
// construction and shared by every traversal over the module.
type CallGraph struct {
	funcs   []*ir.Function
	index   map[*ir.Function]int
	callees [][]int

	blockID map[*ir.BasicBlock]int
}

// NewCallGraph derives the call graph from a module's resolved call
// instructions. Edges exist only for statically resolved callees; opaque
// calls contribute no edges and are handled at the instruction level.
func NewCallGraph(m *ir.Module) *CallGraph {
	g := &CallGraph{
		funcs:   m.Functions,
		index:   make(map[*ir.Function]int, len(m.Functions)),
		callees: make([][]int, len(m.Functions)),
		blockID: make(map[*ir.BasicBlock]int),
	}
	for i, fn := range m.Functions {
		g.index[fn] = i
	}
	nextBlock := 0
	for i, fn := range m.Functions {
		seen := make(map[int]bool)
		for _, b := range fn.Blocks {
			g.blockID[b] = nextBlock
			nextBlock++
			for _, in := range b.Instrs {
				callee := in.ResolvedCallee
				if callee == nil {
					continue
				}
				j, ok := g.index[callee]
				if !ok || seen[j] {
					continue
				}
				seen[j] = true
				g.callees[i] = append(g.callees[i], j)
			}
		}
	}
	return g
}

// Index returns the arena index of fn.
func (g *CallGraph) Index(fn *ir.Function) (int, bool) {
	i, ok := g.index[fn]
	return i, ok
}

// Func returns the function at arena index i.
func (g *CallGraph) Func(i int) *ir.Function {
	return g.funcs[i]
}

// Callees returns the arena indices of functions directly called by i.
func (g *CallGraph) Callees(i int) []int {
	return g.callees[i]
}

// BlockID returns the module-wide dense index of b.
func (g *CallGraph) BlockID(b *ir.BasicBlock) int {
	return g.blockID[b]
}

// ReachesAny reports whether any function in targets is reachable from
// `from` (inclusive) by following call edges. BFS with a visited map, so
// recursion in the graph is harmless.
func (g *CallGraph) ReachesAny(from int, targets map[int]bool) bool {
	if targets[from] {
		return true
	}
	visited := make(map[int]bool)
	queue := []int{from}
	visited[from] = true

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, j := range g.callees[i] {
			if targets[j] {
				return true
			}
			if !visited[j] {
				visited[j] = true
				queue = append(queue, j)
			}
		}
	}
	return false
}
