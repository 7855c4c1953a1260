// Package ir defines the in-memory representation of a serialized IR module
// and the loader that produces it.
//
// A module is one compiled unit: a set of functions, each an ordered list of
// basic blocks holding tagged instructions. Modules are produced by the
// extract bridge (one JSON file per compiled package) and are immutable once
// loaded. Everything downstream (lock-site extraction, the reachability
// engine, the reporter) operates on this graph only; nothing in the
// detector ever touches live compiler state.
package ir

import "fmt"

// FormatVersion is the serialized module format this package understands.
// Loading a module with any other format_version fails with *ParseError.
const FormatVersion = 1

// InstrKind tags an instruction variant.
type InstrKind string

const (
	KindCall   InstrKind = "call"
	KindStore  InstrKind = "store"
	KindLoad   InstrKind = "load"
	KindBranch InstrKind = "branch"
	KindOther  InstrKind = "other"
)

// SourceLoc is the source position attached to an instruction.
// A zero SourceLoc means the extractor had no debug position; it renders
// as "<unknown>" rather than failing.
type SourceLoc struct {
	Dir  string `json:"dir,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// IsValid reports whether the location carries a real position.
func (l SourceLoc) IsValid() bool {
	return l.File != ""
}

// String renders the location in the report format: "<dir> <file> <line>".
func (l SourceLoc) String() string {
	if !l.IsValid() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s %s %d", l.Dir, l.File, l.Line)
}

// Instruction is one IR instruction. Only Call instructions carry callee and
// argument information; the remaining kinds exist so the engine can walk a
// faithful block body and so diagnostics keep their positions.
type Instruction struct {
	Kind InstrKind `json:"kind"`

	// Call-specific fields.
	//
	// Callee is the fully qualified name of the statically known target,
	// e.g. "(*sync.Mutex).Lock". Empty when the target is unknown.
	// CalleeOpaque marks indirect calls (function values, interface
	// dispatch): the engine treats these conservatively.
	Callee       string   `json:"callee,omitempty"`
	CalleeOpaque bool     `json:"callee_opaque,omitempty"`
	Args         []string `json:"args,omitempty"`
	Result       string   `json:"result,omitempty"`
	Deferred     bool     `json:"deferred,omitempty"`

	Loc SourceLoc `json:"loc,omitzero"`

	// ResolvedCallee is the module-local function the callee name resolves
	// to, set by the loader. Nil for external, unknown, or opaque targets.
	ResolvedCallee *Function `json:"-"`
}

// IsCall reports whether the instruction is a call of any flavor.
func (in *Instruction) IsCall() bool {
	return in.Kind == KindCall
}

// CFGEdge is a serialized control-flow edge between two blocks of a
// function, by block index.
type CFGEdge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// BasicBlock is an ordered instruction sequence with a stable label used in
// diagnostics. Succs is resolved from the owning function's cfg_edges.
type BasicBlock struct {
	Label  string         `json:"label"`
	Instrs []*Instruction `json:"instructions"`

	Succs []*BasicBlock `json:"-"`
}

// Function owns an ordered set of basic blocks. Declarations have no body
// and are leaves for the analysis.
type Function struct {
	Name          string        `json:"name"`
	IsDeclaration bool          `json:"is_declaration,omitempty"`
	Blocks        []*BasicBlock `json:"blocks,omitempty"`
	Edges         []CFGEdge     `json:"cfg_edges,omitempty"`
}

// Entry returns the function's entry block, or nil for declarations.
func (f *Function) Entry() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Module is one compiled unit. Loaded once per analysis run, read-only
// thereafter.
type Module struct {
	FormatVersion int         `json:"format_version"`
	Name          string      `json:"module"`
	Functions     []*Function `json:"functions"`

	funcByName map[string]*Function
}

// Func returns the function with the given qualified name, or nil.
func (m *Module) Func(name string) *Function {
	return m.funcByName[name]
}

// Resolve wires the derived graph state: block successor pointers from
// cfg_edges and call-instruction callee pointers from callee names. The
// loader calls it after decoding; the extract bridge calls it on modules it
// builds directly. It validates edge indexes and returns the first
// structural problem found.
func (m *Module) Resolve() error {
	m.funcByName = make(map[string]*Function, len(m.Functions))
	for _, fn := range m.Functions {
		if fn.Name == "" {
			return fmt.Errorf("module %s: function with empty name", m.Name)
		}
		if prev := m.funcByName[fn.Name]; prev != nil {
			return fmt.Errorf("module %s: duplicate function %s", m.Name, fn.Name)
		}
		m.funcByName[fn.Name] = fn
	}
	for _, fn := range m.Functions {
		for _, e := range fn.Edges {
			if e.From < 0 || e.From >= len(fn.Blocks) || e.To < 0 || e.To >= len(fn.Blocks) {
				return fmt.Errorf("module %s: function %s: cfg edge %d->%d out of range (%d blocks)",
					m.Name, fn.Name, e.From, e.To, len(fn.Blocks))
			}
			fn.Blocks[e.From].Succs = append(fn.Blocks[e.From].Succs, fn.Blocks[e.To])
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				if in.Kind != KindCall || in.CalleeOpaque || in.Callee == "" {
					continue
				}
				in.ResolvedCallee = m.funcByName[in.Callee]
			}
		}
	}
	return nil
}
