// Package locksite extracts lock acquisition sites from a loaded IR module.
//
// A site binds an acquiring call instruction to the identity of the lock it
// acquires. Identity is structural, not a points-to analysis: two sites
// denote the same lock when their normalized operand expressions are equal.
// Field and global identities are comparable across the whole module; local
// identities are scoped to their function.
package locksite

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/ir"
)

// ErrUnresolvedIdentity reports that a lock operand could not be reduced to
// an identity expression. The site is dropped from analysis; this never
// aborts a module.
var ErrUnresolvedIdentity = errors.New("lock identity could not be resolved")

// Site is one lock acquisition: the acquiring instruction, where it lives,
// and the identity of the lock object it takes.
type Site struct {
	Fn    *ir.Function
	Block *ir.BasicBlock
	Call  *ir.Instruction

	Identity string
	Kind     classify.Kind
}

// IdentityStrategy decides which lock object a call operates on. The default
// is structural matching; a stricter backend can be substituted without
// touching the engine.
type IdentityStrategy interface {
	// Identity returns the normalized identity expression for the lock
	// operand of call, or ErrUnresolvedIdentity when no identity can be
	// extracted.
	Identity(fn *ir.Function, call *ir.Instruction) (string, error)
}

// StructuralIdentity is the default strategy: strip known wrapper
// indirections from the first operand and scope local expressions to their
// function.
type StructuralIdentity struct{}

// wrapperPrefixes are operand renderings that forward to an inner value
// without changing which lock is denoted.
var wrapperPrefixes = []string{"*", "&", "load ", "convert "}

// Identity implements IdentityStrategy.
func (StructuralIdentity) Identity(fn *ir.Function, call *ir.Instruction) (string, error) {
	if call == nil || len(call.Args) == 0 {
		return "", ErrUnresolvedIdentity
	}

	expr := call.Args[0]
	for {
		stripped := false
		for _, p := range wrapperPrefixes {
			if strings.HasPrefix(expr, p) {
				expr = expr[len(p):]
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}

	switch {
	case expr == "" || expr == "?":
		return "", ErrUnresolvedIdentity
	case strings.HasPrefix(expr, "field:"), strings.HasPrefix(expr, "global:"):
		// Module-global equivalence class.
		return expr, nil
	case strings.HasPrefix(expr, "local:"):
		// Function-scoped: two locals in different functions are never
		// the same lock under this strategy.
		return "local:" + fn.Name + "$" + strings.TrimPrefix(expr, "local:"), nil
	default:
		// Unrecognized shape: treat like a local so it can still match
		// within one function, but never across functions.
		return "local:" + fn.Name + "$" + expr, nil
	}
}

// Collect scans every defined function in the module and builds a Site for
// each lock acquisition whose identity resolves. Unresolvable sites are
// logged at warn level and skipped. Deferred acquisitions are skipped: they
// execute at function return, where holding a new lock has no forward path
// to track.
func Collect(m *ir.Module, rules *classify.RuleTable, strategy IdentityStrategy) []Site {
	var sites []Site
	for _, fn := range m.Functions {
		if fn.IsDeclaration {
			continue
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				cls := rules.Classify(in)
				if cls.Op != classify.OpAcquire {
					continue
				}
				if in.Deferred {
					log.WithFields(log.Fields{
						"module":   m.Name,
						"function": fn.Name,
						"loc":      in.Loc.String(),
					}).Debug("skipping deferred acquisition")
					continue
				}
				id, err := strategy.Identity(fn, in)
				if err != nil {
					log.WithFields(log.Fields{
						"module":   m.Name,
						"function": fn.Name,
						"callee":   in.Callee,
						"loc":      in.Loc.String(),
					}).Warn("dropping lock site: unresolved identity")
					continue
				}
				sites = append(sites, Site{
					Fn:       fn,
					Block:    b,
					Call:     in,
					Identity: id,
					Kind:     cls.Kind,
				})
			}
		}
	}
	return sites
}
