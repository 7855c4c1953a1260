// Package report renders double-lock findings in a fixed plain-text block
// format and appends them to a log destination.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/lockhound/lockhound/internal/engine"
	"github.com/lockhound/lockhound/internal/locksite"
)

// =============================================================================
// Logger
// =============================================================================

// Logger writes finding blocks to a single destination. Safe for concurrent
// use; each block is emitted under the lock, so blocks from concurrently
// analyzed modules never interleave.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// New returns a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Open returns a Logger appending to the file at path, creating it if
// absent. The file is never truncated; repeated runs accumulate.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	return &Logger{w: f, c: f}, nil
}

// Close closes the underlying file, when Open created one.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	err := l.c.Close()
	l.c = nil
	return err
}

// Report writes one finding as its own block.
func (l *Logger) Report(v engine.Violation) error {
	return l.ReportAll([]engine.Violation{v})
}

// ReportAll writes the findings, grouping consecutive violations that share
// a first site into one block with multiple second lines. The engine emits
// violations in traversal order, so all findings for one first site are
// adjacent.
func (l *Logger) ReportAll(vs []engine.Violation) error {
	if len(vs) == 0 {
		return nil
	}

	var b strings.Builder
	for i, v := range vs {
		if i == 0 || vs[i-1].First.Call != v.First.Call {
			b.WriteString("Double Lock Happens! First Lock:\n")
			writeSite(&b, v.First)
			b.WriteString("\nSecond Lock(s):\n")
		}
		writeSite(&b, v.Second)
		fmt.Fprintf(&b, " [chain: %s]", strings.Join(v.Chain, " -> "))
		if v.Confidence == engine.Low {
			b.WriteString(" (possible, via opaque call)")
		}
		b.WriteByte('\n')
		if i == len(vs)-1 || vs[i+1].First.Call != v.First.Call {
			b.WriteByte('\n')
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, b.String()); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	return nil
}

func writeSite(b *strings.Builder, s locksite.Site) {
	fmt.Fprintf(b, "%s: %s", s.Block.Label, s.Call.Loc.String())
}
