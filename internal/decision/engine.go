package decision

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"

	"skippy/internal/tia"
)

// AuditLog durably records decisions.
type AuditLog interface {
	Record(ctx context.Context, d Decision) error
}

// Options configures an Engine.
type Options struct {
	Policy Policy
	// Prior is the analysis loaded at build start; nil means none.
	Prior   *tia.Analysis
	Current Current
	// Audit is optional. Its failures are logged and otherwise ignored.
	Audit  AuditLog
	Logger *log.Logger
	Debug  bool
}

type memo struct {
	ready chan struct{}
	d     Decision
}

// Engine answers per-test queries for one build. Each test is decided once;
// later queries return the cached decision without further side effects.
// It is safe for concurrent use.
type Engine struct {
	policy  Policy
	prior   *tia.Analysis
	current Current
	audit   AuditLog
	logger  *log.Logger
	debug   bool

	mu    sync.Mutex
	cache map[tia.UnitID]*memo
}

// NewEngine creates an engine. A nil policy means Conservative.
func NewEngine(opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = Conservative{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		policy:  opts.Policy,
		prior:   opts.Prior,
		current: opts.Current,
		audit:   opts.Audit,
		logger:  opts.Logger,
		debug:   opts.Debug,
		cache:   make(map[tia.UnitID]*memo),
	}
}

// Decide returns the decision for test, computing and auditing it on the
// first call.
func (e *Engine) Decide(ctx context.Context, test tia.UnitID) Decision {
	e.mu.Lock()
	m, ok := e.cache[test]
	if ok {
		e.mu.Unlock()
		<-m.ready
		return m.d
	}
	m = &memo{ready: make(chan struct{})}
	e.cache[test] = m
	e.mu.Unlock()

	m.d = e.policy.Decide(test, e.prior, e.current)
	close(m.ready)

	if e.debug {
		e.logger.Printf("decision: %s", m.d)
	}
	if e.audit != nil {
		if err := e.audit.Record(ctx, m.d); err != nil {
			e.logger.Printf("audit log unavailable for %s: %v", test, err)
		}
	}
	return m.d
}

// Restore installs a decision made earlier in the same build, typically by
// another process, so that later queries return it unchanged. It reports
// false if test was already decided.
func (e *Engine) Restore(d Decision) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[d.Test]; ok {
		return false
	}
	m := &memo{ready: make(chan struct{}), d: d}
	close(m.ready)
	e.cache[d.Test] = m
	return true
}

// Evaluate applies the policy to test without caching or auditing the
// result.
func (e *Engine) Evaluate(test tia.UnitID) Decision {
	return e.policy.Decide(test, e.prior, e.current)
}

// ShouldExecute reports whether test must run in this build.
func (e *Engine) ShouldExecute(ctx context.Context, test tia.UnitID) bool {
	return e.Decide(ctx, test).ShouldExecute()
}

// Decisions returns every decision made so far, sorted by test.
func (e *Engine) Decisions() []Decision {
	e.mu.Lock()
	memos := make([]*memo, 0, len(e.cache))
	for _, m := range e.cache {
		memos = append(memos, m)
	}
	e.mu.Unlock()

	out := make([]Decision, 0, len(memos))
	for _, m := range memos {
		<-m.ready
		out = append(out, m.d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out
}

// Executed returns the tests decided so far that had to run.
func (e *Engine) Executed() []tia.UnitID {
	var out []tia.UnitID
	for _, d := range e.Decisions() {
		if d.ShouldExecute() {
			out = append(out, d.Test)
		}
	}
	return out
}
