// Package classify resolves call instructions to lock semantics.
//
// Classification is name-driven: the callee's qualified name is matched
// against an ordered rule table and mapped to an acquire, a release, or
// nothing. Calls with no statically known target classify as Opaque and are
// handled conservatively by the engine. The rule table is immutable once
// built; overrides are merged in front of the defaults at startup.
package classify

import (
	"fmt"
	"strings"

	"github.com/lockhound/lockhound/internal/ir"
)

// Kind distinguishes the synchronization primitive behind an acquire or
// release.
type Kind int

const (
	Mutex Kind = iota
	RwLockRead
	RwLockWrite
)

func (k Kind) String() string {
	switch k {
	case Mutex:
		return "mutex"
	case RwLockRead:
		return "rwlock-read"
	case RwLockWrite:
		return "rwlock-write"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Op is the lock-relevant operation a call performs.
type Op int

const (
	// OpNone: a resolved call that is not a lock operation.
	OpNone Op = iota
	// OpAcquire: the call acquires the lock denoted by its first operand.
	OpAcquire
	// OpRelease: the call releases the lock denoted by its first operand.
	OpRelease
	// OpOpaque: the call target is statically unknown (indirect call,
	// interface dispatch). The engine assumes it may acquire or release
	// any lock but cannot decompose it further.
	OpOpaque
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpAcquire:
		return "acquire"
	case OpRelease:
		return "release"
	case OpOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Class is the classification of one call instruction.
type Class struct {
	Op   Op
	Kind Kind
}

// Rule matches callee names by substring and/or suffix. A rule with
// Exclude set stops classification for matching names: they are never lock
// operations. This is how lock-implementation internals (raw_mutex and
// friends) are kept from self-matching inside the lock library.
type Rule struct {
	// Contains must appear somewhere in the callee name. Empty matches all.
	Contains string
	// Suffix must terminate the callee name. Empty matches all.
	Suffix string

	Exclude bool
	Op      Op
	Kind    Kind
}

func (r Rule) matches(name string) bool {
	if r.Contains != "" && !strings.Contains(name, r.Contains) {
		return false
	}
	if r.Suffix != "" && !strings.HasSuffix(name, r.Suffix) {
		return false
	}
	return r.Contains != "" || r.Suffix != ""
}

// RuleTable is an ordered, immutable set of classification rules.
// First match wins.
type RuleTable struct {
	rules []Rule
}

// NewRuleTable builds a table from the given rules followed by the default
// rules. Passing no rules yields the default table.
func NewRuleTable(overrides ...Rule) *RuleTable {
	rules := make([]Rule, 0, len(overrides)+len(defaultRules))
	rules = append(rules, overrides...)
	rules = append(rules, defaultRules...)
	return &RuleTable{rules: rules}
}

// DefaultRules returns the built-in table covering the Go sync vocabulary
// plus generic mutex/rwlock name heuristics.
func DefaultRules() *RuleTable {
	return NewRuleTable()
}

// defaultRules is ordered: exclusions first, then exact sync types, then
// generic name heuristics. RwLock rules precede Mutex rules because RWMutex
// names also contain "Mutex".
var defaultRules = []Rule{
	// Raw primitives are used by lock implementations, not by callers;
	// matching them reports the lock library against itself.
	{Contains: "raw_mutex", Exclude: true},
	{Contains: "RawMutex", Exclude: true},
	{Contains: "raw_rwlock", Exclude: true},
	{Contains: "RawRwLock", Exclude: true},
	// Try-variants may fail to acquire; whether the lock is held afterwards
	// is branch-dependent, so they are not modeled.
	{Suffix: ".TryLock", Exclude: true},
	{Suffix: ".TryRLock", Exclude: true},

	// Go standard sync types.
	{Contains: "sync.RWMutex", Suffix: ".RLock", Op: OpAcquire, Kind: RwLockRead},
	{Contains: "sync.RWMutex", Suffix: ".RUnlock", Op: OpRelease, Kind: RwLockRead},
	{Contains: "sync.RWMutex", Suffix: ".Lock", Op: OpAcquire, Kind: RwLockWrite},
	{Contains: "sync.RWMutex", Suffix: ".Unlock", Op: OpRelease, Kind: RwLockWrite},
	{Contains: "sync.Mutex", Suffix: ".Lock", Op: OpAcquire, Kind: Mutex},
	{Contains: "sync.Mutex", Suffix: ".Unlock", Op: OpRelease, Kind: Mutex},

	// Generic heuristics for third-party lock types.
	{Contains: "RWMutex", Suffix: ".RLock", Op: OpAcquire, Kind: RwLockRead},
	{Contains: "RWMutex", Suffix: ".RUnlock", Op: OpRelease, Kind: RwLockRead},
	{Contains: "RWMutex", Suffix: ".Lock", Op: OpAcquire, Kind: RwLockWrite},
	{Contains: "RWMutex", Suffix: ".Unlock", Op: OpRelease, Kind: RwLockWrite},
	{Contains: "RwLock", Suffix: ".read", Op: OpAcquire, Kind: RwLockRead},
	{Contains: "RwLock", Suffix: ".write", Op: OpAcquire, Kind: RwLockWrite},
	{Contains: "rwlock", Suffix: ".read", Op: OpAcquire, Kind: RwLockRead},
	{Contains: "rwlock", Suffix: ".write", Op: OpAcquire, Kind: RwLockWrite},
	{Contains: "Mutex", Suffix: ".Lock", Op: OpAcquire, Kind: Mutex},
	{Contains: "Mutex", Suffix: ".Unlock", Op: OpRelease, Kind: Mutex},
	{Contains: "mutex", Suffix: ".lock", Op: OpAcquire, Kind: Mutex},
	{Contains: "mutex", Suffix: ".unlock", Op: OpRelease, Kind: Mutex},
}

// Classify resolves one instruction to its lock semantics. Non-call
// instructions classify as OpNone.
func (t *RuleTable) Classify(in *ir.Instruction) Class {
	if in == nil || in.Kind != ir.KindCall {
		return Class{Op: OpNone}
	}
	if in.CalleeOpaque || in.Callee == "" {
		return Class{Op: OpOpaque}
	}
	for _, r := range t.rules {
		if !r.matches(in.Callee) {
			continue
		}
		if r.Exclude {
			return Class{Op: OpNone}
		}
		return Class{Op: r.Op, Kind: r.Kind}
	}
	return Class{Op: OpNone}
}
