// Package session ties the build lifecycle together: it loads the prior
// analysis when a build starts, answers skip/execute queries while tests
// run, and merges and persists the new analysis when the build finishes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"skippy/internal/cas"
	"skippy/internal/coverage"
	"skippy/internal/decision"
	"skippy/internal/fingerprint"
	"skippy/internal/store"
	"skippy/internal/tia"
)

// gcGrace spares objects written by builds that are still running.
const gcGrace = time.Hour

// Options configures a session.
type Options struct {
	// Units are the compiled units of the project as currently on disk.
	Units  []fingerprint.Unit
	Policy decision.Policy
	// Workers bounds fingerprinting parallelism; <= 0 means one per CPU.
	Workers int
	// GC collects unreferenced objects after a successful finish.
	GC            bool
	KeepSnapshots int
	Logger        *log.Logger
	Debug         bool
}

// Session is the context of one build. It owns the prior analysis and the
// per-build caches; nothing outlives it.
type Session struct {
	build  store.BuildInfo
	repo   *store.Repository
	prior  *tia.Analysis
	table  *fingerprint.Table
	engine *decision.Engine
	opts   Options
	logger *log.Logger
}

// Start begins a new build: staging is cleared and the latest snapshot is
// loaded as the prior analysis.
func Start(ctx context.Context, repo *store.Repository, opts Options) (*Session, error) {
	parent, err := repo.Ref(ctx, store.LatestRef)
	if err != nil {
		return nil, err
	}
	build := store.BuildInfo{
		ID:        uuid.NewString(),
		Parent:    parent,
		StartedAt: cas.NowMs(),
	}
	if err := repo.BeginBuild(build); err != nil {
		return nil, err
	}
	s := newSession(ctx, repo, build, opts)
	s.logger.Printf("build %s started from snapshot %s", build.ID, displayID(parent))
	return s, nil
}

// Attach joins the build most recently started on repo, for processes
// that query decisions or record coverage on its behalf.
func Attach(ctx context.Context, repo *store.Repository, opts Options) (*Session, error) {
	build, err := repo.CurrentBuild()
	if err != nil {
		return nil, err
	}
	return newSession(ctx, repo, build, opts), nil
}

func newSession(ctx context.Context, repo *store.Repository, build store.BuildInfo, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Session{
		build:  build,
		repo:   repo,
		table:  fingerprint.NewTable(opts.Units, logger),
		opts:   opts,
		logger: logger,
	}
	s.prior = s.loadPrior(ctx)
	s.engine = decision.NewEngine(decision.Options{
		Policy:  opts.Policy,
		Prior:   s.prior,
		Current: s.table,
		Audit:   auditLog{repo: repo, build: build.ID},
		Logger:  logger,
		Debug:   opts.Debug,
	})
	s.restoreDecisions(ctx)
	return s
}

// restoreDecisions loads what other processes already decided in this
// build, so every process gives the same answer for a test.
func (s *Session) restoreDecisions(ctx context.Context) {
	entries, err := s.repo.ListDecisions(ctx, s.build.ID, 0)
	if err != nil {
		s.logger.Printf("reading decision log: %v", err)
		return
	}
	for _, e := range entries {
		s.engine.Restore(decisionFromEntry(e))
	}
}

func decisionFromEntry(e store.DecisionEntry) decision.Decision {
	return decision.Decision{
		Test:    e.Test,
		Outcome: decision.Outcome(e.Outcome),
		Reason:  decision.Reason(e.Reason),
		Unit:    e.Unit,
	}
}

// loadPrior reads the build's parent snapshot. Anything that prevents
// reading it leaves the session without a prior analysis, so every test
// executes.
func (s *Session) loadPrior(ctx context.Context) *tia.Analysis {
	if s.build.Parent == "" {
		return nil
	}
	a, err := s.repo.LoadSnapshot(ctx, s.build.Parent)
	if errors.Is(err, store.ErrObjectNotFound) {
		s.logger.Printf("snapshot %s is missing on disk", displayID(s.build.Parent))
		return nil
	}
	if err != nil {
		s.logger.Printf("ignoring unreadable snapshot %s: %v", displayID(s.build.Parent), err)
		return nil
	}
	return a
}

// ID returns the build id.
func (s *Session) ID() string {
	return s.build.ID
}

// Parent returns the id of the snapshot the build started from.
func (s *Session) Parent() string {
	return s.build.Parent
}

// Prior returns the analysis the build started from, nil if none.
func (s *Session) Prior() *tia.Analysis {
	return s.prior
}

// Decide returns the decision for test. Repeated calls return the same
// decision.
func (s *Session) Decide(ctx context.Context, test tia.UnitID) decision.Decision {
	return s.engine.Decide(ctx, test)
}

// ShouldExecute reports whether test must run in this build.
func (s *Session) ShouldExecute(ctx context.Context, test tia.UnitID) bool {
	return s.engine.ShouldExecute(ctx, test)
}

// Decisions returns the decisions this session has made, sorted by test.
func (s *Session) Decisions() []decision.Decision {
	return s.engine.Decisions()
}

// RecordCoverage stages the raw coverage produced by running test.
func (s *Session) RecordCoverage(test tia.UnitID, blob []byte) error {
	return s.repo.StageBlob(test, blob)
}

// Result summarizes a finished build.
type Result struct {
	BuildID    string
	SnapshotID string
	Tests      int
	Units      int
	// Observed are the tests whose coverage was replaced by this build.
	Observed []tia.UnitID
	// Forgotten are tests whose coverage was dropped: their blob was
	// malformed, or they executed without reporting coverage.
	Forgotten []tia.UnitID
	// Expired are tests that were not run in this build and whose prior
	// coverage no longer matches the units on disk.
	Expired []tia.UnitID
	// Unfingerprinted counts units that could not be read.
	Unfingerprinted int
	GC              *store.GCPlan
}

// Finish merges the coverage staged during the build with the current
// fingerprints, saves the resulting snapshot as the new latest and clears
// the staging area. A ConsistencyError means another build moved the
// latest snapshot meanwhile; nothing is overwritten in that case.
func (s *Session) Finish(ctx context.Context) (*Result, error) {
	staged, err := s.repo.CollectStaged()
	if err != nil {
		return nil, err
	}

	fresh, err := s.table.ComputeAll(ctx, s.opts.Workers)
	if fresh == nil && err != nil {
		return nil, err
	}
	res := &Result{BuildID: s.build.ID}
	if err != nil {
		// unreadable units are left out of the snapshot, which forces
		// execution of everything that covers them
		res.Unfingerprinted = len(s.table.Units()) - len(fresh)
		s.logger.Printf("fingerprinting: %v", err)
	}

	observed := make(map[tia.UnitID]tia.CoverageRecord, len(staged))
	forgotten := map[tia.UnitID]bool{}
	for _, b := range staged {
		rec, err := s.ingest(ctx, b)
		if errors.Is(err, coverage.ErrMalformed) {
			s.logger.Printf("dropping coverage of %s: %v", b.Test, err)
			forgotten[b.Test] = true
			continue
		}
		if err != nil {
			return nil, err
		}
		observed[b.Test] = rec
		res.Observed = append(res.Observed, b.Test)
	}

	outcomes := s.buildOutcomes(ctx)
	for test, outcome := range outcomes {
		if _, ok := observed[test]; !ok && outcome == decision.Execute {
			forgotten[test] = true
		}
	}
	for test := range forgotten {
		res.Forgotten = append(res.Forgotten, test)
	}
	sort.Slice(res.Forgotten, func(i, j int) bool { return res.Forgotten[i] < res.Forgotten[j] })

	retained := s.retainedCoverage(outcomes, observed, forgotten, res)
	merged := tia.Merge(retained, fresh, observed)

	id, err := s.repo.SaveSnapshot(ctx, merged, s.build.Parent, s.build.ID)
	if err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	res.SnapshotID = id
	res.Tests = len(merged.Coverage)
	res.Units = len(merged.Fingerprints)
	s.logger.Printf("build %s saved snapshot %s (%d tests, %d units)",
		s.build.ID, cas.ShortID(id), res.Tests, res.Units)

	if err := s.repo.ClearStaged(); err != nil {
		return nil, err
	}

	if s.opts.GC {
		plan, err := s.repo.GC(ctx, store.GCOptions{Keep: s.opts.KeepSnapshots, Grace: gcGrace})
		if err != nil {
			s.logger.Printf("gc skipped: %v", err)
		}
		res.GC = plan
	}
	return res, nil
}

// ingest persists the normalized blob and decodes it into a record that
// points back at it.
func (s *Session) ingest(ctx context.Context, b store.StagedBlob) (tia.CoverageRecord, error) {
	normalized, err := coverage.Normalize(b.Data)
	if err != nil {
		return tia.CoverageRecord{}, err
	}
	rec, err := coverage.Decode(b.Test, normalized)
	if err != nil {
		return tia.CoverageRecord{}, err
	}
	id, err := s.repo.SaveCoverageBlob(ctx, normalized)
	if err != nil {
		return tia.CoverageRecord{}, fmt.Errorf("saving coverage of %s: %w", b.Test, err)
	}
	rec.Execution = id
	return rec, nil
}

// buildOutcomes returns the outcome of every test decided in this build,
// by this process or by any process that attached to it. A test decided
// EXECUTE anywhere counts as executed.
func (s *Session) buildOutcomes(ctx context.Context) map[tia.UnitID]decision.Outcome {
	out := map[tia.UnitID]decision.Outcome{}
	add := func(test tia.UnitID, o decision.Outcome) {
		if out[test] != decision.Execute {
			out[test] = o
		}
	}
	for _, d := range s.engine.Decisions() {
		add(d.Test, d.Outcome)
	}
	entries, err := s.repo.ListDecisions(ctx, s.build.ID, 0)
	if err != nil {
		s.logger.Printf("reading decision log: %v", err)
	}
	for _, e := range entries {
		add(e.Test, decision.Outcome(e.Outcome))
	}
	return out
}

// retainedCoverage picks the prior records that stay valid for the new
// snapshot. Skipped tests keep theirs. A test nobody asked about keeps its
// record only if the policy would still skip it against the units now on
// disk; otherwise its coverage expires.
func (s *Session) retainedCoverage(outcomes map[tia.UnitID]decision.Outcome, observed map[tia.UnitID]tia.CoverageRecord, forgotten map[tia.UnitID]bool, res *Result) *tia.Analysis {
	if s.prior == nil {
		return nil
	}
	kept := tia.New()
	for _, test := range s.prior.Tests() {
		if _, ok := observed[test]; ok || forgotten[test] {
			continue
		}
		switch outcomes[test] {
		case decision.Skip:
		case decision.Execute:
			continue
		default:
			if d := s.engine.Evaluate(test); d.ShouldExecute() {
				if s.opts.Debug {
					s.logger.Printf("coverage of %s expired: %s", test, d.Reason)
				}
				res.Expired = append(res.Expired, test)
				continue
			}
		}
		kept.SetCoverage(s.prior.Coverage[test])
	}
	return kept
}

type auditLog struct {
	repo  *store.Repository
	build string
}

func (a auditLog) Record(ctx context.Context, d decision.Decision) error {
	return a.repo.RecordDecision(ctx, store.DecisionEntry{
		BuildID: a.build,
		Test:    d.Test,
		Outcome: string(d.Outcome),
		Reason:  string(d.Reason),
		Unit:    d.Unit,
	})
}

func displayID(id string) string {
	if id == "" {
		return "(none)"
	}
	return cas.ShortID(id)
}
