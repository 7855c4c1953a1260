// Package extract builds serialized IR modules from Go source. It loads
// packages, constructs SSA, and flattens each package into the module format
// the detector consumes, so extraction and analysis can run as separate
// steps on separate machines.
package extract

import (
	"encoding/json"
	"fmt"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/lockhound/lockhound/internal/ir"
)

// =============================================================================
// Package Loading
// =============================================================================

// Packages loads the named patterns relative to dir, builds SSA, and returns
// one IR module per loaded package. Packages with load errors fail the whole
// extraction; partial modules would silently weaken the analysis.
func Packages(dir string, patterns ...string) ([]*ir.Module, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName |
			packages.NeedFiles |
			packages.NeedCompiledGoFiles |
			packages.NeedImports |
			packages.NeedDeps |
			packages.NeedTypes |
			packages.NeedSyntax |
			packages.NeedTypesInfo,
		Dir: dir,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("extract: load packages: %w", err)
	}
	var loadErrs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			loadErrs = append(loadErrs, e.Error())
		}
	})
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("extract: %d package error(s), first: %s", len(loadErrs), loadErrs[0])
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics)
	prog.Build()

	var mods []*ir.Module
	for _, p := range ssaPkgs {
		if p == nil {
			continue
		}
		m := buildModule(prog, p)
		log.WithFields(log.Fields{
			"module":    m.Name,
			"functions": len(m.Functions),
		}).Debug("extracted module")
		mods = append(mods, m)
	}
	return mods, nil
}

// buildModule flattens one SSA package: package-level functions, their
// anonymous functions, and methods of package-level types. Member order is
// sorted so repeated extraction of unchanged source is byte-identical.
func buildModule(prog *ssa.Program, pkg *ssa.Package) *ir.Module {
	m := &ir.Module{
		FormatVersion: ir.FormatVersion,
		Name:          pkg.Pkg.Path(),
	}

	var names []string
	for name := range pkg.Members {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	add := func(fn *ssa.Function) {
		if fn == nil || seen[fn.String()] {
			return
		}
		seen[fn.String()] = true
		m.Functions = append(m.Functions, buildFunction(prog.Fset, fn))
		for _, anon := range fn.AnonFuncs {
			if !seen[anon.String()] {
				seen[anon.String()] = true
				m.Functions = append(m.Functions, buildFunction(prog.Fset, anon))
			}
		}
	}

	for _, name := range names {
		if fn, ok := pkg.Members[name].(*ssa.Function); ok {
			add(fn)
		}
	}
	for _, name := range names {
		typ, ok := pkg.Members[name].(*ssa.Type)
		if !ok {
			continue
		}
		mset := prog.MethodSets.MethodSet(types.NewPointer(typ.Type()))
		for i := 0; i < mset.Len(); i++ {
			fn := prog.MethodValue(mset.At(i))
			if fn != nil && fn.Package() == pkg {
				add(fn)
			}
		}
	}
	return m
}

// =============================================================================
// Function Serialization
// =============================================================================

func buildFunction(fset *token.FileSet, fn *ssa.Function) *ir.Function {
	out := &ir.Function{
		Name:          fn.String(),
		IsDeclaration: fn.Blocks == nil,
	}
	for _, b := range fn.Blocks {
		block := &ir.BasicBlock{Label: fmt.Sprintf("%d.%s", b.Index, b.Comment)}
		for _, instr := range b.Instrs {
			block.Instrs = append(block.Instrs, buildInstruction(fset, instr))
		}
		out.Blocks = append(out.Blocks, block)
		for _, s := range b.Succs {
			out.Edges = append(out.Edges, ir.CFGEdge{From: b.Index, To: s.Index})
		}
	}
	return out
}

func buildInstruction(fset *token.FileSet, instr ssa.Instruction) *ir.Instruction {
	out := &ir.Instruction{Kind: ir.KindOther}

	switch v := instr.(type) {
	case *ssa.Call:
		fillCall(out, &v.Call, false)
		out.Result = v.Name()
	case *ssa.Defer:
		fillCall(out, &v.Call, true)
	case *ssa.Go:
		// The goroutine body runs on another stack; it is a separate
		// analysis root, not a continuation of this path.
	case *ssa.Store:
		out.Kind = ir.KindStore
	case *ssa.UnOp:
		if v.Op == token.MUL {
			out.Kind = ir.KindLoad
			out.Result = v.Name()
		}
	case *ssa.Jump, *ssa.If, *ssa.Return, *ssa.Panic:
		out.Kind = ir.KindBranch
	}

	if pos := instr.Pos(); pos.IsValid() {
		p := fset.Position(pos)
		out.Loc = ir.SourceLoc{
			Dir:  filepath.Dir(p.Filename),
			File: filepath.Base(p.Filename),
			Line: p.Line,
		}
	}
	return out
}

func fillCall(out *ir.Instruction, call *ssa.CallCommon, deferred bool) {
	out.Kind = ir.KindCall
	out.Deferred = deferred

	if callee := call.StaticCallee(); callee != nil {
		out.Callee = callee.String()
	} else if call.IsInvoke() {
		out.CalleeOpaque = true
		out.Callee = "invoke " + call.Method.FullName()
	} else {
		out.CalleeOpaque = true
		out.Callee = call.Value.Name()
	}

	if call.IsInvoke() {
		out.Args = append(out.Args, renderIdentity(call.Value))
	}
	for _, a := range call.Args {
		out.Args = append(out.Args, renderIdentity(a))
	}
}

// =============================================================================
// Identity Rendering
//
// Lock receivers are rendered as identity expressions the classifier and
// engine agree on: struct fields and globals name the same lock wherever
// they appear, everything else stays local to its function.
// =============================================================================

func renderIdentity(v ssa.Value) string {
	for {
		switch w := v.(type) {
		case *ssa.MakeInterface:
			v = w.X
		case *ssa.ChangeType:
			v = w.X
		case *ssa.Convert:
			v = w.X
		case *ssa.ChangeInterface:
			v = w.X
		case *ssa.UnOp:
			if w.Op != token.MUL {
				return localName(v)
			}
			v = w.X
		case *ssa.FieldAddr:
			return fieldIdentity(w.X.Type(), w.Field)
		case *ssa.Global:
			return "global:" + w.String()
		default:
			return localName(v)
		}
	}
}

func fieldIdentity(recv types.Type, field int) string {
	t := recv
	if p, ok := t.Underlying().(*types.Pointer); ok {
		t = p.Elem()
	}
	named, ok := t.(*types.Named)
	if !ok {
		return "?"
	}
	st, ok := named.Underlying().(*types.Struct)
	if !ok || field >= st.NumFields() {
		return "?"
	}
	return fmt.Sprintf("field:(%s).%s", named.String(), st.Field(field).Name())
}

func localName(v ssa.Value) string {
	if v == nil || v.Name() == "" {
		return "?"
	}
	return "local:" + v.Name()
}

// =============================================================================
// Module Output
// =============================================================================

// WriteModules serializes each module to <dst>/<escaped-path>.json,
// creating dst if needed. Existing files for the same packages are
// overwritten; a re-extraction replaces stale modules.
func WriteModules(dst string, mods []*ir.Module) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("extract: create %s: %w", dst, err)
	}
	for _, m := range mods {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("extract: marshal %s: %w", m.Name, err)
		}
		path := filepath.Join(dst, escapeFilename(m.Name)+".json")
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("extract: write %s: %w", path, err)
		}
		log.WithField("path", path).Info("wrote module")
	}
	return nil
}

// escapeFilename maps an import path to a flat file name.
func escapeFilename(pkgPath string) string {
	return strings.ReplaceAll(pkgPath, "/", "_")
}
