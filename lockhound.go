// Package lockhound detects double locks: control-flow paths on which a held
// lock is acquired again before any release, which self-deadlocks with
// non-reentrant primitives.
//
// The detector operates on serialized IR module files produced ahead of time
// (see internal/extract); scanning never invokes a compiler. Each module is
// loaded, its lock acquisition sites collected, and every site traced forward
// through the module's call graph by the reachability engine. Findings are
// appended to a report log in a fixed block format.
package lockhound

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/engine"
	"github.com/lockhound/lockhound/internal/ir"
	"github.com/lockhound/lockhound/internal/locksite"
	"github.com/lockhound/lockhound/internal/report"
)

// =============================================================================
// Options
// =============================================================================

// Summary aggregates one scan.
type Summary struct {
	// Modules is the count of module files analyzed successfully.
	Modules int
	// Failed is the count of module files that could not be loaded.
	Failed int
	// Violations is the total findings reported.
	Violations int
	// Truncated is the total traversal branches cut by the depth bound;
	// nonzero means the scan is not claimed complete.
	Truncated int
}

type config struct {
	workers  int
	engine   engine.Config
	rules    *classify.RuleTable
	strategy locksite.IdentityStrategy
	reporter *report.Logger
}

// Option adjusts a scan.
type Option func(*config)

// WithWorkers sets how many modules are analyzed concurrently. The default
// is 1, which keeps report order deterministic across runs.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMaxDepth bounds interprocedural traversal depth.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.engine.MaxDepth = n
		}
	}
}

// WithReportOpaque toggles low-confidence findings for calls with statically
// unknown targets.
func WithReportOpaque(v bool) Option {
	return func(c *config) { c.engine.ReportOpaque = v }
}

// WithRules replaces the classification rule table, typically one built from
// a YAML override file via classify.LoadOverrides.
func WithRules(rt *classify.RuleTable) Option {
	return func(c *config) {
		if rt != nil {
			c.rules = rt
		}
	}
}

// WithIdentityStrategy replaces the lock identity resolution strategy.
func WithIdentityStrategy(s locksite.IdentityStrategy) Option {
	return func(c *config) {
		if s != nil {
			c.strategy = s
		}
	}
}

// WithReporter directs findings to l instead of standard output.
func WithReporter(l *report.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.reporter = l
		}
	}
}

// =============================================================================
// Scan
// =============================================================================

// Scan analyzes every *.json module file under dir, in lexicographic order.
// An unreadable directory is the only fatal condition; individual module
// load failures are logged, counted in Summary.Failed, and skipped, so one
// corrupt module never hides findings in the others.
func Scan(dir string, opts ...Option) (*Summary, error) {
	cfg := &config{
		workers:  1,
		engine:   engine.DefaultConfig(),
		rules:    classify.DefaultRules(),
		strategy: locksite.StructuralIdentity{},
		reporter: report.New(os.Stdout),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var (
		mu  sync.Mutex
		sum Summary
	)
	g := new(errgroup.Group)
	g.SetLimit(cfg.workers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			m, err := ir.Load(path)
			if err != nil {
				log.WithError(err).WithField("path", path).Error("skipping module: load failed")
				mu.Lock()
				sum.Failed++
				mu.Unlock()
				return nil
			}

			sites := locksite.Collect(m, cfg.rules, cfg.strategy)
			res := engine.Analyze(m, sites, cfg.rules, cfg.strategy, cfg.engine)
			if err := cfg.reporter.ReportAll(res.Violations); err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"module":     m.Name,
				"sites":      len(sites),
				"violations": len(res.Violations),
			}).Debug("module analyzed")

			mu.Lock()
			sum.Modules++
			sum.Violations += len(res.Violations)
			sum.Truncated += res.Truncated
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &sum, nil
}
