package engine

import (
	log "github.com/sirupsen/logrus"

	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/ir"
	"github.com/lockhound/lockhound/internal/locksite"
)

// =============================================================================
// Traversal
//
// One traversal explores every path forward from a single first-acquisition
// site. Paths are explicit continuation states (a stack of call frames plus
// a visited set); BasicBlock successors branch into independent
// continuations, so a release on one branch never prunes another. The
// visited set is per path and keyed on (block index, call depth): a path may
// rejoin a block one of its siblings walked, but never re-enter a block it
// already walked itself at the same call depth, which cuts cycles.
// =============================================================================

type visitKey struct {
	block int
	depth int
}

// frame is one call-stack entry of a path. instr indexes the next
// instruction to interpret; while a callee frame is live, the caller's instr
// still points at the call, and resuming after return advances it.
type frame struct {
	fn    *ir.Function
	block *ir.BasicBlock
	instr int

	// deferredRelease is set when this frame registered a deferred release
	// of the traversal's lock identity. The release takes effect when the
	// frame returns: the path is pruned there. Guards handed across
	// function boundaries are not tracked; that is the documented
	// approximation boundary of the release model.
	deferredRelease bool
}

// path is one continuation state: a call stack positioned at the next
// instruction to interpret, plus the (block, depth) pairs this path has
// entered. The set is path-local: a pruned sibling must not block a path
// whose lock is still held from reaching the same join block.
type path struct {
	frames  []frame
	visited map[visitKey]bool
}

func (p *path) top() *frame {
	return &p.frames[len(p.frames)-1]
}

func (p *path) clone() *path {
	frames := make([]frame, len(p.frames))
	copy(frames, p.frames)
	visited := make(map[visitKey]bool, len(p.visited))
	for k := range p.visited {
		visited[k] = true
	}
	return &path{frames: frames, visited: visited}
}

func (p *path) enter(block int, depth int) {
	p.visited[visitKey{block: block, depth: depth}] = true
}

func (p *path) seen(block int, depth int) bool {
	return p.visited[visitKey{block: block, depth: depth}]
}

// chain renders the witness call chain: function names in traversal order,
// starting at the first site's function.
func (p *path) chain() []string {
	names := make([]string, len(p.frames))
	for i, fr := range p.frames {
		names[i] = fr.fn.Name
	}
	return names
}

type traversal struct {
	an    *analyzer
	start locksite.Site

	// targets: functions that directly touch the start identity (or hold
	// opaque calls). Descent into a callee is skipped when no target is
	// reachable from it; such a callee cannot change the path's outcome.
	targets   map[int]bool
	reachable map[int]bool // memoized ReachesAny per callee index

	secondSeen map[*ir.Instruction]bool
}

func (tr *traversal) run() {
	start := frame{
		fn:    tr.start.Fn,
		block: tr.start.Block,
		instr: instrIndex(tr.start.Block, tr.start.Call) + 1,
	}
	p := &path{frames: []frame{start}, visited: make(map[visitKey]bool)}
	p.enter(tr.an.graph.BlockID(start.block), 1)

	stack := []*path{p}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = tr.step(p, stack)
	}
}

// step interprets one path until it prunes, ends, or branches. Branched
// continuations are pushed onto stack, which is returned.
func (tr *traversal) step(p *path, stack []*path) []*path {
	for {
		fr := p.top()

		if fr.instr >= len(fr.block.Instrs) {
			if !tr.advance(p, &stack) {
				return stack
			}
			continue
		}

		// The traversal starts one instruction past the first site, so any
		// encounter with it here is a re-execution through recursion and
		// counts as a second acquisition like any other.
		in := fr.block.Instrs[fr.instr]
		cls := tr.an.rules.Classify(in)
		switch cls.Op {
		case classify.OpRelease:
			if tr.matchesStart(fr.fn, in) {
				if in.Deferred {
					fr.deferredRelease = true
					fr.instr++
					continue
				}
				return stack // released on this path: prune
			}
			fr.instr++

		case classify.OpAcquire:
			if !in.Deferred && tr.matchesStart(fr.fn, in) && !tr.readRead(cls.Kind) {
				tr.record(p, fr, in, cls.Kind, High)
			}
			fr.instr++

		case classify.OpOpaque:
			if tr.an.cfg.ReportOpaque && !tr.secondSeen[in] {
				log.WithFields(log.Fields{
					"module":   tr.an.module.Name,
					"function": fr.fn.Name,
					"loc":      in.Loc.String(),
				}).Debug("opaque call while lock held: assuming possible acquisition")
				tr.record(p, fr, in, tr.start.Kind, Low)
			}
			// The call may also have released the lock, but nothing can be
			// asserted either way; keep walking with the held assumption.
			fr.instr++

		default:
			if tr.descend(p, in) {
				continue
			}
			fr.instr++
		}
	}
}

// advance handles a frame positioned past its last instruction: follow
// block successors, or return from the frame. Reports false when the path
// is finished (pruned, returned from the start function, or all successors
// already visited).
func (tr *traversal) advance(p *path, stack *[]*path) bool {
	fr := p.top()
	succs := fr.block.Succs

	if len(succs) == 0 {
		// Function exit.
		if fr.deferredRelease {
			return false // deferred release fires here: prune
		}
		if len(p.frames) == 1 {
			// The start function returned; external callers are outside
			// the single-module contract, so the path ends here.
			return false
		}
		p.frames = p.frames[:len(p.frames)-1]
		p.top().instr++ // resume after the call
		return true
	}

	depth := len(p.frames)
	var next []*ir.BasicBlock
	for _, s := range succs {
		if !p.seen(tr.an.graph.BlockID(s), depth) {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		return false
	}

	// Continue in place with the first successor; the rest branch into
	// independent continuations. Cloning happens before any continuation
	// marks its block, so each path records only blocks it enters itself.
	for _, s := range next[1:] {
		np := p.clone()
		top := np.top()
		top.block = s
		top.instr = 0
		np.enter(tr.an.graph.BlockID(s), depth)
		*stack = append(*stack, np)
	}
	fr.block = next[0]
	fr.instr = 0
	p.enter(tr.an.graph.BlockID(next[0]), depth)
	return true
}

// descend pushes a callee frame for a resolved, defined callee worth
// exploring. Reports whether a frame was pushed.
func (tr *traversal) descend(p *path, in *ir.Instruction) bool {
	if in.Kind != ir.KindCall || in.Deferred {
		return false
	}
	callee := in.ResolvedCallee
	if callee == nil || callee.IsDeclaration || callee.Entry() == nil {
		return false
	}
	calleeIdx, ok := tr.an.graph.Index(callee)
	if !ok || !tr.worthDescending(calleeIdx) {
		return false
	}

	depth := len(p.frames) + 1
	if depth > tr.an.cfg.MaxDepth {
		tr.an.result.Truncated++
		log.WithFields(log.Fields{
			"module": tr.an.module.Name,
			"chain":  p.chain(),
			"callee": callee.Name,
			"depth":  depth,
		}).Warn("traversal truncated: call-depth bound exceeded")
		return false
	}
	entry := tr.an.graph.BlockID(callee.Entry())
	if p.seen(entry, depth) {
		return false
	}
	p.enter(entry, depth)

	p.frames = append(p.frames, frame{fn: callee, block: callee.Entry()})
	return true
}

// worthDescending reports whether any function touching the start identity
// (or holding an opaque call) is reachable from idx in the call graph.
func (tr *traversal) worthDescending(idx int) bool {
	if v, ok := tr.reachable[idx]; ok {
		return v
	}
	v := tr.an.graph.ReachesAny(idx, tr.targets)
	tr.reachable[idx] = v
	return v
}

// matchesStart reports whether the instruction operates on the traversal's
// lock identity. Identity resolution failures exclude the instruction
// without stopping the traversal.
func (tr *traversal) matchesStart(fn *ir.Function, in *ir.Instruction) bool {
	id, err := tr.an.strategy.Identity(fn, in)
	return err == nil && id == tr.start.Identity
}

// readRead reports the one permitted re-acquisition: a read lock taken
// again while only a read lock is held.
func (tr *traversal) readRead(second classify.Kind) bool {
	return tr.start.Kind == classify.RwLockRead && second == classify.RwLockRead
}

// record emits a violation, deduplicated per (first site, second site),
// keeping the current path as the representative witness chain.
func (tr *traversal) record(p *path, fr *frame, in *ir.Instruction, kind classify.Kind, conf Confidence) {
	if tr.secondSeen[in] {
		return
	}
	tr.secondSeen[in] = true
	tr.an.result.Violations = append(tr.an.result.Violations, Violation{
		First: tr.start,
		Second: locksite.Site{
			Fn:       fr.fn,
			Block:    fr.block,
			Call:     in,
			Identity: tr.start.Identity,
			Kind:     kind,
		},
		Chain:      p.chain(),
		Confidence: conf,
	})
}

func instrIndex(b *ir.BasicBlock, in *ir.Instruction) int {
	for i, cand := range b.Instrs {
		if cand == in {
			return i
		}
	}
	return len(b.Instrs)
}
