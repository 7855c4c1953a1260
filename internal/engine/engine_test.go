package engine

import (
	"reflect"
	"testing"

	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/ir"
	"github.com/lockhound/lockhound/internal/locksite"
)

// =============================================================================
// Fixture Helpers
//
// Modules are built the way the loader would deliver them: functions with
// block lists and cfg_edges, resolved once before analysis.
// =============================================================================

const (
	mutexLock    = "(*sync.Mutex).Lock"
	mutexUnlock  = "(*sync.Mutex).Unlock"
	rwRLock      = "(*sync.RWMutex).RLock"
	rwLock       = "(*sync.RWMutex).Lock"
	fieldMu      = "field:(m.S).mu"
	fieldRW      = "field:(m.S).rw"
)

func acquire(identity string) *ir.Instruction {
	return &ir.Instruction{Kind: ir.KindCall, Callee: mutexLock, Args: []string{identity},
		Loc: ir.SourceLoc{Dir: "/src", File: "m.go", Line: 1}}
}

func release(identity string) *ir.Instruction {
	return &ir.Instruction{Kind: ir.KindCall, Callee: mutexUnlock, Args: []string{identity}}
}

func callTo(name string) *ir.Instruction {
	return &ir.Instruction{Kind: ir.KindCall, Callee: name}
}

func block(label string, instrs ...*ir.Instruction) *ir.BasicBlock {
	return &ir.BasicBlock{Label: label, Instrs: instrs}
}

func buildModule(t *testing.T, fns ...*ir.Function) *ir.Module {
	t.Helper()
	m := &ir.Module{FormatVersion: ir.FormatVersion, Name: "example.com/m", Functions: fns}
	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return m
}

func analyzeModule(t *testing.T, m *ir.Module, cfg Config) *Result {
	t.Helper()
	rules := classify.DefaultRules()
	sites := locksite.Collect(m, rules, locksite.StructuralIdentity{})
	return Analyze(m, sites, rules, locksite.StructuralIdentity{}, cfg)
}

// =============================================================================
// Intraprocedural Properties
// =============================================================================

func TestSameFunctionViolation(t *testing.T) {
	first := acquire(fieldMu)
	first.Loc = ir.SourceLoc{Dir: "/src", File: "m.go", Line: 10}
	second := acquire(fieldMu)
	second.Loc = ir.SourceLoc{Dir: "/src", File: "m.go", Line: 12}

	m := buildModule(t,
		&ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
			block("0.entry", first, callTo("m.compute"), second),
		}},
		&ir.Function{Name: "m.compute", Blocks: []*ir.BasicBlock{block("0.entry")}},
	)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
	v := res.Violations[0]
	if v.First.Call != first || v.Second.Call != second {
		t.Error("violation should pair the earlier acquisition with the later one")
	}
	if v.First.Call.Loc.Line != 10 || v.Second.Call.Loc.Line != 12 {
		t.Errorf("violation lines = %d, %d", v.First.Call.Loc.Line, v.Second.Call.Loc.Line)
	}
	if !reflect.DeepEqual(v.Chain, []string{"m.f"}) {
		t.Errorf("chain = %v, want [m.f]", v.Chain)
	}
	if v.Confidence != High {
		t.Errorf("confidence = %v, want high", v.Confidence)
	}
}

func TestReleaseClearsState(t *testing.T) {
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", acquire(fieldMu), release(fieldMu), acquire(fieldMu)),
	}})

	res := analyzeModule(t, m, DefaultConfig())
	// The second acquisition also starts its own traversal, which finds
	// nothing; the pair (first, second) must not be reported.
	for _, v := range res.Violations {
		if v.First.Call == m.Functions[0].Blocks[0].Instrs[0] {
			t.Fatalf("released lock reported: %+v", v)
		}
	}
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0", len(res.Violations))
	}
}

func TestBranchIndependence(t *testing.T) {
	reacquire := acquire(fieldMu)
	f := &ir.Function{
		Name: "m.f",
		Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), &ir.Instruction{Kind: ir.KindBranch}),
			block("1.then", release(fieldMu)),
			block("2.else", reacquire),
			block("3.done"),
		},
		Edges: []ir.CFGEdge{{From: 0, To: 1}, {From: 0, To: 2}, {From: 1, To: 3}, {From: 2, To: 3}},
	}
	m := buildModule(t, f)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1 (only the re-acquiring branch)", len(res.Violations))
	}
	if res.Violations[0].Second.Call != reacquire {
		t.Error("violation should be on the else branch")
	}
	if res.Violations[0].Second.Block.Label != "2.else" {
		t.Errorf("second block = %q", res.Violations[0].Second.Block.Label)
	}
}

func TestDeferredReleaseSameFunctionStillViolates(t *testing.T) {
	deferred := release(fieldMu)
	deferred.Deferred = true
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", acquire(fieldMu), deferred, acquire(fieldMu)),
	}})

	res := analyzeModule(t, m, DefaultConfig())
	// The deferred release only fires at return; the second acquisition
	// happens while the lock is still held.
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
}

// =============================================================================
// Interprocedural Properties
// =============================================================================

func TestCrossFunctionPropagation(t *testing.T) {
	inB := acquire(fieldMu)
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), callTo("m.B")),
		}},
		&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{
			block("0.entry", inB),
		}},
	)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
	v := res.Violations[0]
	if v.First.Fn.Name != "m.A" || v.Second.Fn.Name != "m.B" {
		t.Errorf("violation spans %s -> %s, want m.A -> m.B", v.First.Fn.Name, v.Second.Fn.Name)
	}
	if !reflect.DeepEqual(v.Chain, []string{"m.A", "m.B"}) {
		t.Errorf("chain = %v, want [m.A m.B]", v.Chain)
	}
}

func TestDeferredReleaseInCalleePrunesCaller(t *testing.T) {
	deferred := release(fieldMu)
	deferred.Deferred = true
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), callTo("m.B"), acquire(fieldMu)),
		}},
		&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{
			block("0.entry", deferred),
		}},
	)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0: callee released the lock at return", len(res.Violations))
	}
}

func TestDeferredReleaseBranchIndependence(t *testing.T) {
	// One branch of the callee defers a release, the other does not. The
	// releasing path is pruned at the callee's return; the non-releasing
	// path must still walk the join block, return to the caller, and reach
	// the second acquisition there.
	deferred := release(fieldMu)
	deferred.Deferred = true
	second := acquire(fieldMu)
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), callTo("m.G"), second),
		}},
		&ir.Function{
			Name: "m.G",
			Blocks: []*ir.BasicBlock{
				block("0.entry", &ir.Instruction{Kind: ir.KindBranch}),
				block("1.rel", deferred),
				block("2.norel"),
				block("3.exit"),
			},
			Edges: []ir.CFGEdge{{From: 0, To: 1}, {From: 0, To: 2}, {From: 1, To: 3}, {From: 2, To: 3}},
		},
	)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1: one callee branch never releases", len(res.Violations))
	}
	v := res.Violations[0]
	if v.Second.Call != second {
		t.Error("second site should be the re-acquisition in the caller")
	}
	if !reflect.DeepEqual(v.Chain, []string{"m.A"}) {
		t.Errorf("chain = %v, want [m.A]", v.Chain)
	}
}

func TestLocalIdentitiesDoNotMatchAcrossFunctions(t *testing.T) {
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire("local:t0"), callTo("m.B")),
		}},
		&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire("local:t0")),
		}},
	)

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0: distinct local locks", len(res.Violations))
	}
}

func TestRecursionTerminates(t *testing.T) {
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", acquire(fieldMu), callTo("m.f")),
	}})

	cfg := DefaultConfig()
	cfg.MaxDepth = 4
	res := analyzeModule(t, m, cfg) // must not hang

	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1 (deduplicated across cycle depths)", len(res.Violations))
	}
	if res.Truncated == 0 {
		t.Error("recursive descent should report truncation")
	}
}

func TestMutualRecursionTerminates(t *testing.T) {
	m := buildModule(t,
		&ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), callTo("m.g")),
		}},
		&ir.Function{Name: "m.g", Blocks: []*ir.BasicBlock{
			block("0.entry", callTo("m.f")),
		}},
	)

	res := analyzeModule(t, m, DefaultConfig()) // must not hang
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
}

func TestDepthBoundSkipsDeepSecondSite(t *testing.T) {
	// A -> B -> C, lock in A, second lock in C, bound at 2 frames.
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu), callTo("m.B")),
		}},
		&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{
			block("0.entry", callTo("m.C")),
		}},
		&ir.Function{Name: "m.C", Blocks: []*ir.BasicBlock{
			block("0.entry", acquire(fieldMu)),
		}},
	)

	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	res := analyzeModule(t, m, cfg)
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0 under depth bound", len(res.Violations))
	}
	if res.Truncated == 0 {
		t.Error("cut branch should be counted as truncated")
	}

	cfg.MaxDepth = 3
	res = analyzeModule(t, m, cfg)
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations with sufficient depth, want 1", len(res.Violations))
	}
	if !reflect.DeepEqual(res.Violations[0].Chain, []string{"m.A", "m.B", "m.C"}) {
		t.Errorf("chain = %v", res.Violations[0].Chain)
	}
}

// =============================================================================
// RwLock Semantics
// =============================================================================

func TestReadReadIsExempt(t *testing.T) {
	rlock := func() *ir.Instruction {
		return &ir.Instruction{Kind: ir.KindCall, Callee: rwRLock, Args: []string{fieldRW}}
	}
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", rlock(), rlock()),
	}})

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations, want 0: read-read is permitted", len(res.Violations))
	}
}

func TestReadThenWriteViolates(t *testing.T) {
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry",
			&ir.Instruction{Kind: ir.KindCall, Callee: rwRLock, Args: []string{fieldRW}},
			&ir.Instruction{Kind: ir.KindCall, Callee: rwLock, Args: []string{fieldRW}},
		),
	}})

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1: read-then-write self-deadlocks", len(res.Violations))
	}
	if res.Violations[0].Second.Kind != classify.RwLockWrite {
		t.Errorf("second kind = %v, want rwlock-write", res.Violations[0].Second.Kind)
	}
}

// =============================================================================
// Opaque Calls
// =============================================================================

func TestOpaqueCallLowConfidence(t *testing.T) {
	opaque := &ir.Instruction{Kind: ir.KindCall, CalleeOpaque: true, Callee: "invoke sync.Locker.Lock"}
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", acquire(fieldMu), opaque),
	}})

	res := analyzeModule(t, m, DefaultConfig())
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(res.Violations))
	}
	if res.Violations[0].Confidence != Low {
		t.Errorf("confidence = %v, want low", res.Violations[0].Confidence)
	}
	if res.Violations[0].Second.Call != opaque {
		t.Error("second site should be the opaque call")
	}

	cfg := DefaultConfig()
	cfg.ReportOpaque = false
	res = analyzeModule(t, m, cfg)
	if len(res.Violations) != 0 {
		t.Fatalf("got %d violations with opaque reporting off, want 0", len(res.Violations))
	}
}

func TestOpaqueCallDoesNotPrune(t *testing.T) {
	second := acquire(fieldMu)
	opaque := &ir.Instruction{Kind: ir.KindCall, CalleeOpaque: true}
	m := buildModule(t, &ir.Function{Name: "m.f", Blocks: []*ir.BasicBlock{
		block("0.entry", acquire(fieldMu), opaque, second),
	}})

	cfg := DefaultConfig()
	cfg.ReportOpaque = false
	res := analyzeModule(t, m, cfg)
	if len(res.Violations) != 1 || res.Violations[0].Second.Call != second {
		t.Fatal("traversal should continue past opaque calls and find the real second site")
	}
}

// =============================================================================
// Determinism
// =============================================================================

func TestIdempotence(t *testing.T) {
	build := func() *ir.Module {
		return buildModule(t,
			&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{
				block("0.entry", acquire(fieldMu), callTo("m.B"), acquire(fieldMu)),
			}},
			&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{
				block("0.entry", acquire(fieldMu)),
			}},
		)
	}

	summarize := func(res *Result) [][3]string {
		var out [][3]string
		for _, v := range res.Violations {
			out = append(out, [3]string{v.First.Fn.Name, v.Second.Fn.Name, v.Confidence.String()})
		}
		return out
	}

	first := summarize(analyzeModule(t, build(), DefaultConfig()))
	second := summarize(analyzeModule(t, build(), DefaultConfig()))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("runs differ:\n%v\n%v", first, second)
	}
	if len(first) == 0 {
		t.Fatal("fixture should produce violations")
	}
}

// =============================================================================
// Call Graph
// =============================================================================

func TestCallGraphReachesAny(t *testing.T) {
	m := buildModule(t,
		&ir.Function{Name: "m.A", Blocks: []*ir.BasicBlock{block("0", callTo("m.B"))}},
		&ir.Function{Name: "m.B", Blocks: []*ir.BasicBlock{block("0", callTo("m.A"), callTo("m.C"))}},
		&ir.Function{Name: "m.C", Blocks: []*ir.BasicBlock{block("0")}},
	)
	g := NewCallGraph(m)

	idx := func(name string) int {
		i, ok := g.Index(m.Func(name))
		if !ok {
			t.Fatalf("no index for %s", name)
		}
		return i
	}

	if !g.ReachesAny(idx("m.A"), map[int]bool{idx("m.C"): true}) {
		t.Error("A should reach C through B despite the A<->B cycle")
	}
	if g.ReachesAny(idx("m.C"), map[int]bool{idx("m.A"): true}) {
		t.Error("C should not reach A")
	}
	if !g.ReachesAny(idx("m.C"), map[int]bool{idx("m.C"): true}) {
		t.Error("a function reaches itself")
	}
}
