// Package engine implements the interprocedural reachability analysis at the
// core of the detector.
//
// For every lock acquisition site S in a module, the engine explores all
// control-flow paths forward from S, descending into statically resolved
// callees and resuming at the call successor on return, and reports a
// violation wherever the same lock identity is acquired again before any
// matching release is observed on that path. Traversals are bounded by a
// per-path visited set over (block, call-depth) pairs and a configurable
// call-depth limit, so cyclic call graphs and recursion always terminate.
//
// The analysis is single-threaded and deterministic per module; modules may
// be analyzed concurrently because all traversal state is local.
package engine

import (
	log "github.com/sirupsen/logrus"

	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/ir"
	"github.com/lockhound/lockhound/internal/locksite"
)

// DefaultMaxDepth bounds interprocedural descent when no explicit depth is
// configured.
const DefaultMaxDepth = 8

// Config tunes one analysis run.
type Config struct {
	// MaxDepth is the maximum call-frame depth a traversal may reach.
	// Branches that would exceed it are cut and counted as truncated, so
	// results from such runs are not claimed complete.
	MaxDepth int

	// ReportOpaque controls whether a call with a statically unknown
	// target, reached while a lock is held, produces a low-confidence
	// violation. The traversal continues past the call either way.
	ReportOpaque bool
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{MaxDepth: DefaultMaxDepth, ReportOpaque: true}
}

// Confidence grades a violation by the assumptions behind it.
type Confidence int

const (
	// High: a concrete second acquisition of the same identity was found.
	High Confidence = iota
	// Low: the second site is an opaque call assumed to acquire the lock.
	Low
)

func (c Confidence) String() string {
	if c == Low {
		return "low"
	}
	return "high"
}

// Violation is one double-lock finding: a first acquisition, a conflicting
// second site, and one representative witness call chain connecting them.
// Never mutated after creation.
type Violation struct {
	First      locksite.Site
	Second     locksite.Site
	Chain      []string
	Confidence Confidence
}

// Result aggregates one module's findings.
type Result struct {
	Violations []Violation
	// Truncated counts branches cut by the call-depth bound.
	Truncated int
}

// analyzer holds per-module analysis state shared by all traversals.
type analyzer struct {
	module   *ir.Module
	graph    *CallGraph
	rules    *classify.RuleTable
	strategy locksite.IdentityStrategy
	cfg      Config

	// summaries[i] describes function i: which lock identities it
	// acquires or releases directly, and whether it contains opaque calls.
	summaries []funcSummary

	result *Result
}

type funcSummary struct {
	identities map[string]bool
	hasOpaque  bool
}

// Analyze runs the reachability analysis over one module. Sites are
// processed in their given order and traversal is deterministic, so repeated
// runs over unchanged input yield identical results.
func Analyze(m *ir.Module, sites []locksite.Site, rules *classify.RuleTable, strategy locksite.IdentityStrategy, cfg Config) *Result {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	a := &analyzer{
		module:   m,
		graph:    NewCallGraph(m),
		rules:    rules,
		strategy: strategy,
		cfg:      cfg,
		result:   &Result{},
	}
	a.summarize()

	for i := range sites {
		a.traverseFrom(sites[i])
	}
	return a.result
}

// summarize records, per function, the lock identities it directly touches
// and whether it contains opaque calls. Traversals use the summaries with
// the call graph to skip descending into callees that cannot contribute a
// second site, a release, or an opaque assumption for the current lock.
func (a *analyzer) summarize() {
	a.summaries = make([]funcSummary, len(a.module.Functions))
	for i, fn := range a.module.Functions {
		s := funcSummary{identities: make(map[string]bool)}
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				cls := a.rules.Classify(in)
				switch cls.Op {
				case classify.OpAcquire, classify.OpRelease:
					if id, err := a.strategy.Identity(fn, in); err == nil {
						s.identities[id] = true
					}
				case classify.OpOpaque:
					s.hasOpaque = true
				}
			}
		}
		a.summaries[i] = s
	}
}

// relevantFuncs returns the arena indices of functions that directly touch
// the given identity (or contain opaque calls, when those are reported).
func (a *analyzer) relevantFuncs(identity string) map[int]bool {
	targets := make(map[int]bool)
	for i, s := range a.summaries {
		if s.identities[identity] || (a.cfg.ReportOpaque && s.hasOpaque) {
			targets[i] = true
		}
	}
	return targets
}

func (a *analyzer) traverseFrom(site locksite.Site) {
	if _, ok := a.graph.Index(site.Fn); !ok {
		// Site from a function outside the module graph; nothing to walk.
		log.WithFields(log.Fields{
			"module":   a.module.Name,
			"function": site.Fn.Name,
		}).Warn("skipping lock site: function not in module graph")
		return
	}
	tr := &traversal{
		an:         a,
		start:      site,
		targets:    a.relevantFuncs(site.Identity),
		secondSeen: make(map[*ir.Instruction]bool),
		reachable:  make(map[int]bool),
	}
	tr.run()
}
